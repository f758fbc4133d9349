package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// WelcomeEmail carries what the notify step needs to send the customer
// their new account's access details.
type WelcomeEmail struct {
	ToEmail         string
	CustomerName    string
	Domain          string
	TempPassword    string
	ControlPanelURL string
	Nameservers     []string
}

// SSLRenewalReminder carries what the SSL-reminder sweep's worker needs to
// warn a customer their certificate is close to expiry.
type SSLRenewalReminder struct {
	ToEmail   string
	Domain    string
	ExpiresAt string
}

// NotificationAdapter sends the customer-facing emails: the welcome email,
// which is the provisioning sequence's final notify step, and the SSL
// renewal reminder the sweep worker fires. Ops-facing
// alerting (dead letters, sweep failures) is a separate concern, see
// internal/opsalerts.
type NotificationAdapter interface {
	SendWelcome(ctx context.Context, email WelcomeEmail, idemKey string) error
	SendSSLRenewalReminder(ctx context.Context, reminder SSLRenewalReminder, idemKey string) error
}

type sendgridAdapter struct {
	client *sendgrid.Client
	from   string
}

// NewSendGridAdapter builds the notification adapter on top of SendGrid's
// transactional mail API.
func NewSendGridAdapter(apiKey, fromAddress string) NotificationAdapter {
	return &sendgridAdapter{
		client: sendgrid.NewSendClient(apiKey),
		from:   fromAddress,
	}
}

// SendWelcome sends the new account's access details. idemKey is accepted
// for interface uniformity with the other adapters; SendGrid's transactional
// send API has no request-level idempotency key of its own, so a retried
// send may resend the email, which is an acceptable rerun of a
// customer-facing email rather than a destructive side effect.
func (a *sendgridAdapter) SendWelcome(ctx context.Context, email WelcomeEmail, idemKey string) error {
	from := mail.NewEmail("Hosting", a.from)
	to := mail.NewEmail(email.CustomerName, email.ToEmail)
	subject := fmt.Sprintf("Your hosting account for %s is ready", email.Domain)
	plainText := fmt.Sprintf(
		"Your hosting account is ready.\n\nDomain: %s\nControl panel: %s\nTemporary password: %s\nNameservers: %s\n\nYou will be asked to change this password on first login.",
		email.Domain, email.ControlPanelURL, email.TempPassword, strings.Join(email.Nameservers, ", "),
	)
	htmlContent := fmt.Sprintf(
		"<p>Your hosting account is ready.</p><p>Domain: %s<br>Control panel: %s<br>Temporary password: %s<br>Nameservers: %s</p><p>You will be asked to change this password on first login.</p>",
		email.Domain, email.ControlPanelURL, email.TempPassword, strings.Join(email.Nameservers, ", "),
	)

	message := mail.NewSingleEmail(from, subject, to, plainText, htmlContent)
	response, err := a.client.Send(message)
	if err != nil {
		return &AdapterError{Kind: Retryable, Message: fmt.Sprintf("send welcome email: %v", err)}
	}
	if response.StatusCode >= 500 || response.StatusCode == 429 {
		return &AdapterError{Kind: Retryable, StatusCode: response.StatusCode, Message: "sendgrid transient failure"}
	}
	if response.StatusCode >= 400 {
		return &AdapterError{Kind: Fatal, StatusCode: response.StatusCode, Message: "sendgrid rejected message: " + response.Body}
	}
	return nil
}

func (a *sendgridAdapter) SendSSLRenewalReminder(ctx context.Context, reminder SSLRenewalReminder, idemKey string) error {
	from := mail.NewEmail("Hosting", a.from)
	to := mail.NewEmail("", reminder.ToEmail)
	subject := fmt.Sprintf("Your certificate for %s is expiring soon", reminder.Domain)
	plainText := fmt.Sprintf(
		"Your TLS certificate for %s expires at %s. It will be renewed automatically; no action is needed unless renewal fails.",
		reminder.Domain, reminder.ExpiresAt,
	)
	htmlContent := fmt.Sprintf(
		"<p>Your TLS certificate for %s expires at %s.</p><p>It will be renewed automatically; no action is needed unless renewal fails.</p>",
		reminder.Domain, reminder.ExpiresAt,
	)

	message := mail.NewSingleEmail(from, subject, to, plainText, htmlContent)
	response, err := a.client.Send(message)
	if err != nil {
		return &AdapterError{Kind: Retryable, Message: fmt.Sprintf("send SSL renewal reminder: %v", err)}
	}
	if response.StatusCode >= 500 || response.StatusCode == 429 {
		return &AdapterError{Kind: Retryable, StatusCode: response.StatusCode, Message: "sendgrid transient failure"}
	}
	if response.StatusCode >= 400 {
		return &AdapterError{Kind: Fatal, StatusCode: response.StatusCode, Message: "sendgrid rejected message: " + response.Body}
	}
	return nil
}
