package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"go.uber.org/zap"
)

// MailgunNotifier sends courtesy notices through the Mailgun API
type MailgunNotifier struct {
	mg          mailgun.Mailgun
	fromAddress string
	log         *zap.Logger
}

// NewMailgunNotifier creates a Mailgun notifier. fromAddress defaults to
// noreply@domain and must use the Mailgun domain.
func NewMailgunNotifier(domain, apiKey, fromAddress string, log *zap.Logger) (*MailgunNotifier, error) {
	if domain == "" || apiKey == "" {
		return nil, fmt.Errorf("mailgun domain and api key are required")
	}
	if fromAddress == "" {
		fromAddress = "noreply@" + domain
	}

	// Validate that from address matches domain
	if !strings.HasSuffix(fromAddress, "@"+domain) {
		return nil, fmt.Errorf("mailgun from address (%s) must use the same domain as mailgun domain (%s)", fromAddress, domain)
	}

	log.Info("Initializing Mailgun notifier", zap.String("domain", domain), zap.String("from", fromAddress))
	return NewMailgunNotifierWithClient(mailgun.NewMailgun(domain, apiKey), fromAddress, log), nil
}

// NewMailgunNotifierWithClient creates a notifier around an existing client
func NewMailgunNotifierWithClient(mg mailgun.Mailgun, fromAddress string, log *zap.Logger) *MailgunNotifier {
	return &MailgunNotifier{
		mg:          mg,
		fromAddress: fromAddress,
		log:         log,
	}
}

// Notify sends a plain text notice
func (n *MailgunNotifier) Notify(ctx context.Context, to, subject, body string) error {
	message := mailgun.NewMessage(n.fromAddress, subject, body, to)
	message.AddHeader("Auto-Submitted", "auto-replied")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, id, err := n.mg.Send(ctx, message)
	if err != nil {
		if strings.Contains(err.Error(), "401") {
			return fmt.Errorf("unauthorized: please verify your Mailgun API key and domain settings")
		}
		return fmt.Errorf("failed to send notice: %w", err)
	}
	n.log.Info("Sent courtesy notice through Mailgun", zap.String("to", to), zap.String("id", id))
	return nil
}
