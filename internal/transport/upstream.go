package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// Upstream relays through the local mail transfer agent over SMTP
type Upstream struct {
	addr     string
	hostname string
	timeout  time.Duration
	log      *zap.Logger
}

// NewUpstream creates a sender for host:port that greets as hostname
func NewUpstream(host string, port int, hostname string, timeout time.Duration, log *zap.Logger) *Upstream {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Upstream{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		hostname: hostname,
		timeout:  timeout,
		log:      log,
	}
}

// Name returns the transport name
func (u *Upstream) Name() string {
	return "smtp"
}

// Send performs one SMTP transaction against the upstream agent. Replies in
// the 5xx range are permanent; everything else, including connection
// failures, is transient.
func (u *Upstream) Send(ctx context.Context, env Envelope, raw []byte) error {
	dialer := net.Dialer{Timeout: u.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.addr)
	if err != nil {
		return transient(fmt.Errorf("failed to connect to %s: %w", u.addr, err))
	}

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return transient(err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(u.hostname); err != nil {
		return classify("EHLO", err)
	}
	if err := c.Mail(env.From, env.MailOptions); err != nil {
		return classify("MAIL FROM", err)
	}
	if err := c.Rcpt(env.To, env.RcptOptions); err != nil {
		return classify("RCPT TO", err)
	}

	w, err := c.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return classify("DATA", err)
	}
	if err := w.Close(); err != nil {
		return classify("DATA", err)
	}

	if err := c.Quit(); err != nil {
		// the message was already accepted
		u.log.Debug("Upstream QUIT failed", zap.Error(err))
	}

	u.log.Debug("Relayed message upstream",
		zap.String("from", env.From),
		zap.String("to", env.To),
		zap.Int("size", len(raw)))
	return nil
}

func classify(stage string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 && smtpErr.Code < 600 {
		return &Error{Permanent: true, Err: fmt.Errorf("%s rejected: %w", stage, err)}
	}
	return transient(fmt.Errorf("%s failed: %w", stage, err))
}
