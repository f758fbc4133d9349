package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// CertificateRequest describes the domain an SSL certificate is issued for.
type CertificateRequest struct {
	Domain       string
	ContactEmail string
}

// CertificateResult reports the issued certificate's id and expiry, which
// feeds the SSL-expiry-reminder sweep and is stored on the Website row.
type CertificateResult struct {
	CertID    string
	NotBefore time.Time
	NotAfter  time.Time
}

// CertificateAdapter issues, renews, and revokes TLS certificates for a
// domain, e.g. against an ACME-capable certificate authority. Implementations
// handle the challenge dance internally; callers only see success/failure.
// Every call takes the step's idemKey so a retried call is recognized rather
// than reissuing or re-revoking.
type CertificateAdapter interface {
	IssueCertificate(ctx context.Context, req CertificateRequest, idemKey string) (*CertificateResult, error)
	Renew(ctx context.Context, certID, idemKey string) (*CertificateResult, error)
	RevokeCertificate(ctx context.Context, certID, idemKey string) error
}

type certificateAdapter struct {
	client  *HTTPClient
	breaker *gobreaker.CircuitBreaker
}

// NewCertificateAdapter builds the certificate adapter.
func NewCertificateAdapter(baseURL, token string, breakerMaxRequests uint32, breakerInterval, breakerTimeout time.Duration, logger *zap.Logger) CertificateAdapter {
	client := NewHTTPClient(ClientConfig{BaseURL: baseURL, Token: token}, logger)
	breaker := NewBreaker("certificate", breakerMaxRequests, breakerInterval, breakerTimeout, logger)
	return &certificateAdapter{client: client, breaker: breaker}
}

func (a *certificateAdapter) IssueCertificate(ctx context.Context, req CertificateRequest, idemKey string) (*CertificateResult, error) {
	var result CertificateResult
	err := guard(a.breaker, func() error {
		return a.client.Do(ctx, "POST", "/certificates", idemKey, req, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *certificateAdapter) Renew(ctx context.Context, certID, idemKey string) (*CertificateResult, error) {
	var result CertificateResult
	err := guard(a.breaker, func() error {
		return a.client.Do(ctx, "POST", fmt.Sprintf("/certificates/%s/renew", certID), idemKey, nil, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *certificateAdapter) RevokeCertificate(ctx context.Context, certID, idemKey string) error {
	return guard(a.breaker, func() error {
		return a.client.Do(ctx, "POST", fmt.Sprintf("/certificates/%s/revoke", certID), idemKey, nil, nil)
	})
}
