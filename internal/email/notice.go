package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/dkim"
	"github.com/looprock/alias-relay/internal/transport"
)

// Notifier sends short courtesy notices generated by the relay itself
type Notifier interface {
	Notify(ctx context.Context, to, subject, body string) error
}

// UpstreamNotifier sends notices through the outbound transport with a null
// reverse path so they can never bounce back into the relay
type UpstreamNotifier struct {
	from   string
	signer *dkim.Signer
	sender transport.Sender
	log    *zap.Logger
}

// NewUpstreamNotifier creates a notifier sending as from. signer may be nil.
func NewUpstreamNotifier(from string, signer *dkim.Signer, sender transport.Sender, log *zap.Logger) *UpstreamNotifier {
	return &UpstreamNotifier{
		from:   from,
		signer: signer,
		sender: sender,
		log:    log,
	}
}

// Notify composes, signs and sends a plain text notice to to
func (n *UpstreamNotifier) Notify(ctx context.Context, to, subject, body string) error {
	raw, err := composeNotice(n.from, to, subject, body, time.Now())
	if err != nil {
		return err
	}

	if signed, err := n.signer.Sign(raw); err == nil {
		raw = signed
	} else {
		n.log.Warn("Sending unsigned notice", zap.String("to", to), zap.Error(err))
	}

	if err := n.sender.Send(ctx, transport.Envelope{To: to}, raw); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	n.log.Info("Sent courtesy notice", zap.String("to", to))
	return nil
}

func composeNotice(from, to, subject, body string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Auto-Submitted", "auto-replied")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create notice: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
