package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
)

// Logger is a scoped console logger for service-level code.
type Logger struct {
	scope string
}

var (
	infoColor    = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	debugColor   = color.New(color.FgMagenta)
)

// New creates a logger scoped to the given subsystem name.
func New(scope string) *Logger {
	return &Logger{scope: scope}
}

func (l *Logger) log(c *color.Color, level, format string, args ...interface{}) {
	ts := time.Now().Format("2006/01/02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stdout, "%s [%s] %s %s\n", ts, l.scope, c.Sprint(level), msg)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(infoColor, "INFO", format, args...)
}

func (l *Logger) Success(format string, args ...interface{}) {
	l.log(successColor, "OK", format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(warnColor, "WARN", format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if os.Getenv("DEBUG") == "" {
		return
	}
	l.log(debugColor, "DEBUG", format, args...)
}

// Error logs and returns the formatted error so call sites can
// `return log.Error("failed to claim jobs: %v", err)`.
func (l *Logger) Error(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	ts := time.Now().Format("2006/01/02 15:04:05")
	fmt.Fprintf(os.Stderr, "%s [%s] %s %s\n", ts, l.scope, errorColor.Sprint("ERROR"), err.Error())
	return err
}
