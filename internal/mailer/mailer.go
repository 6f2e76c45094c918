package mailer

import "context"

// Message is one fully personalized email ready for transport.
type Message struct {
	AccountID string // sending organization
	To        string
	ToName    string
	Subject   string
	HTMLBody  string
	TextBody  string
}

// Result identifies the delivered message at the provider.
type Result struct {
	MessageID string
	ThreadID  string
}

// Sender is the external mail transport. Implementations fail with a
// transport error on provider rejection or timeout.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}
