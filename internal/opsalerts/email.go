package opsalerts

import (
	"context"
	"fmt"

	"github.com/crosslogic/control-plane/pkg/events"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// emailAdapter sends ops alerts to a fixed operator mailbox via Resend. This
// is a separate channel from the customer-facing welcome email, which goes
// through the SendGrid-backed notification adapter instead.
type emailAdapter struct {
	client *resend.Client
	from   string
	to     []string
	logger *zap.Logger
}

func newEmailAdapter(apiKey, from, to string, logger *zap.Logger) *emailAdapter {
	return &emailAdapter{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     []string{to},
		logger: logger,
	}
}

func (e *emailAdapter) Send(ctx context.Context, event events.Event) error {
	req := &resend.SendEmailRequest{
		From:    e.from,
		To:      e.to,
		Subject: fmt.Sprintf("[control-plane] %s", event.Type),
		Html:    formatEmailBody(event),
	}
	_, err := e.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("send resend email: %w", err)
	}
	return nil
}

func formatEmailBody(event events.Event) string {
	body := fmt.Sprintf("<p><strong>%s</strong></p><p>subscription: %s</p><ul>", event.Type, event.SubscriptionID)
	for k, v := range event.Payload {
		body += fmt.Sprintf("<li>%s: %v</li>", k, v)
	}
	body += "</ul>"
	return body
}
