// Package transport hands relayed messages to the next hop.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// Envelope is the SMTP envelope of an outbound message. An empty From is
// sent as the null reverse path.
type Envelope struct {
	From        string
	To          string
	MailOptions *smtp.MailOptions
	RcptOptions *smtp.RcptOptions
}

// Sender delivers one message to one recipient
type Sender interface {
	Send(ctx context.Context, env Envelope, raw []byte) error
	Name() string
}

// Error is a delivery failure classified as permanent or transient
type Error struct {
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a permanent delivery failure
func IsPermanent(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Permanent
}

func transient(err error) error {
	return &Error{Err: err}
}
