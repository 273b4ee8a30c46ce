package mailer

import (
	"context"
	"errors"
	"net/mail"
)

// Message is one outbound email to a single recipient.
type Message struct {
	To       mail.Address
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender delivers a message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrNoRecipient is returned for messages without a deliverable address.
var ErrNoRecipient = errors.New("mailer: message has no recipient address")

func (m Message) validate() error {
	if m.To.Address == "" {
		return ErrNoRecipient
	}
	if _, err := mail.ParseAddress(m.To.Address); err != nil {
		return err
	}
	return nil
}
