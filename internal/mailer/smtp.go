package mailer

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"courier/internal/config"
	"courier/internal/utils/logger"
)

// SMTPSender delivers messages over SMTP. A client-side limiter smooths
// writes to the provider independently of the pipeline's quota math.
type SMTPSender struct {
	cfg     config.SMTPConfig
	from    string
	limiter *rate.Limiter
	log     *logger.Logger
}

func NewSMTPSender(cfg config.SMTPConfig, from string) *SMTPSender {
	sendRate := cfg.MaxSendRate
	if sendRate <= 0 {
		sendRate = 10
	}
	return &SMTPSender{
		cfg:     cfg,
		from:    from,
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendRate),
		log:     logger.New("SMTP"),
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("send cancelled: %w", err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), s.cfg.Host)
	body := s.compose(msg, messageID)

	auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	if err := smtp.SendMail(addr, auth, s.from, []string{msg.To}, strings.NewReader(body)); err != nil {
		return nil, fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}

	s.log.Debug("delivered %s to %s", messageID, msg.To)
	return &Result{MessageID: messageID}, nil
}

func (s *SMTPSender) compose(msg Message, messageID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	if msg.ToName != "" {
		fmt.Fprintf(&b, "To: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", msg.ToName), msg.To)
	} else {
		fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))

	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		// text first so clients preferring the richer part pick the html
		alt := multipart.NewWriter(&b)
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", alt.Boundary())
		text, _ := alt.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
		io.WriteString(text, msg.TextBody)
		html, _ := alt.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
		io.WriteString(html, msg.HTMLBody)
		alt.Close()
	case msg.HTMLBody != "":
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.HTMLBody)
	default:
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.TextBody)
	}
	return b.String()
}
