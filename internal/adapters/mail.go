package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// MailboxRequest describes the mailbox the email step creates.
type MailboxRequest struct {
	Address      string
	PasswordHash string
	QuotaMB      int
}

// MailboxResult is what the mail provider reports back once the mailbox
// exists.
type MailboxResult struct {
	MailboxID string
}

// MailAdapter manages mailboxes for a provisioned domain. Every call takes
// the step's idemKey so a retried call is recognized rather than
// duplicating the mailbox.
type MailAdapter interface {
	CreateMailbox(ctx context.Context, req MailboxRequest, idemKey string) (*MailboxResult, error)
	DeleteMailbox(ctx context.Context, mailboxID, idemKey string) error
}

type mailAdapter struct {
	client  *HTTPClient
	breaker *gobreaker.CircuitBreaker
}

// NewMailAdapter builds the mail adapter.
func NewMailAdapter(baseURL, token string, breakerMaxRequests uint32, breakerInterval, breakerTimeout time.Duration, logger *zap.Logger) MailAdapter {
	client := NewHTTPClient(ClientConfig{BaseURL: baseURL, Token: token}, logger)
	breaker := NewBreaker("mail", breakerMaxRequests, breakerInterval, breakerTimeout, logger)
	return &mailAdapter{client: client, breaker: breaker}
}

func (a *mailAdapter) CreateMailbox(ctx context.Context, req MailboxRequest, idemKey string) (*MailboxResult, error) {
	var result MailboxResult
	err := guard(a.breaker, func() error {
		return a.client.Do(ctx, "POST", "/mailboxes", idemKey, req, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *mailAdapter) DeleteMailbox(ctx context.Context, mailboxID, idemKey string) error {
	return guard(a.breaker, func() error {
		return a.client.Do(ctx, "DELETE", fmt.Sprintf("/mailboxes/%s", mailboxID), idemKey, nil, nil)
	})
}
