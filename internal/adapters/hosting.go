package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/control-plane/internal/secrets"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// AccountRequest describes the hosting account the account step creates.
type AccountRequest struct {
	Username      string
	Domain        string
	PlanID        string
	TempPassword  string
}

// AccountResult is what the hosting panel reports back once the account
// exists.
type AccountResult struct {
	RemoteAccountID string
	DocumentRoot    string
}

// HostingAdapter creates and removes hosting accounts on one control panel.
// Server.ControlPanelKind picks which implementation the orchestrator calls;
// dispatch never changes at runtime for a given Server. Every method takes
// the step's idemKey so a retried call is recognized and not reapplied.
type HostingAdapter interface {
	CreateAccount(ctx context.Context, server *models.Server, req AccountRequest, idemKey string) (*AccountResult, error)
	DeleteAccount(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error
	Suspend(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error
	Unsuspend(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error
	Terminate(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error
}

// serverToken resolves the bearer token a hosting call against server
// should use: its own decrypted admin token when the allocator has one on
// file, falling back to the adapter's shared token otherwise (a freshly
// registered server whose credential hasn't been rotated in yet, or a
// deployment running without per-server credentials at all).
func serverToken(enc *secrets.EncryptionService, fallback string, server *models.Server) string {
	if enc == nil || len(server.AdminTokenCipher) == 0 {
		return fallback
	}
	plaintext, err := enc.Decrypt(server.AdminTokenCipher)
	if err != nil {
		return fallback
	}
	return string(plaintext)
}

// controlPanelAdapter implements HostingAdapter against any of cPanel,
// Plesk, or DirectAdmin, whose account-provisioning APIs this domain treats
// as structurally interchangeable (create by username, then delete,
// suspend, unsuspend and terminate by the remote account id, against a base
// URL with a bearer token). The "native" kind uses its own implementation
// below since it has no remote panel to call.
type controlPanelAdapter struct {
	kind       models.ControlPanelKind
	client     *HTTPClient
	breaker    *gobreaker.CircuitBreaker
	encryption *secrets.EncryptionService
	token      string
}

// NewControlPanelAdapter builds the adapter for cpanel, plesk, or
// directadmin. Passing ControlPanelNative is a programming error. enc may
// be nil, in which case every server uses the shared token.
func NewControlPanelAdapter(kind models.ControlPanelKind, baseURL, token string, enc *secrets.EncryptionService, breakerMaxRequests uint32, breakerInterval, breakerTimeout time.Duration, logger *zap.Logger) HostingAdapter {
	client := NewHTTPClient(ClientConfig{BaseURL: baseURL, Token: token}, logger)
	breaker := NewBreaker("hosting:"+string(kind), breakerMaxRequests, breakerInterval, breakerTimeout, logger)
	return &controlPanelAdapter{kind: kind, client: client, breaker: breaker, encryption: enc, token: token}
}

func (a *controlPanelAdapter) CreateAccount(ctx context.Context, server *models.Server, req AccountRequest, idemKey string) (*AccountResult, error) {
	token := serverToken(a.encryption, a.token, server)
	var result AccountResult
	err := guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "POST", fmt.Sprintf("/hosts/%s/accounts", server.Hostname), token, idemKey, req, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *controlPanelAdapter) DeleteAccount(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "DELETE", fmt.Sprintf("/hosts/%s/accounts/%s", server.Hostname, remoteAccountID), token, idemKey, nil, nil)
	})
}

func (a *controlPanelAdapter) Suspend(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "POST", fmt.Sprintf("/hosts/%s/accounts/%s/suspend", server.Hostname, remoteAccountID), token, idemKey, nil, nil)
	})
}

func (a *controlPanelAdapter) Unsuspend(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "POST", fmt.Sprintf("/hosts/%s/accounts/%s/unsuspend", server.Hostname, remoteAccountID), token, idemKey, nil, nil)
	})
}

// Terminate permanently removes an account and its backups, once the
// backup-cleanup sweep's retention window has elapsed on an already-deleted
// website. Unlike DeleteAccount (which runs as best-effort compensation
// right after a failed provisioning attempt), Terminate runs long after the
// account was already taken out of service by suspension or deletion.
func (a *controlPanelAdapter) Terminate(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "POST", fmt.Sprintf("/hosts/%s/accounts/%s/terminate", server.Hostname, remoteAccountID), token, idemKey, nil, nil)
	})
}

// nativeAdapter is used for Servers whose ControlPanelKind is
// ControlPanelNative: the server is the API, so account creation talks
// directly to the server's own agent rather than a third-party panel.
type nativeAdapter struct {
	client     *HTTPClient
	breaker    *gobreaker.CircuitBreaker
	encryption *secrets.EncryptionService
	token      string
}

// NewNativeAdapter builds the adapter for ControlPanelNative servers.
func NewNativeAdapter(baseURL, token string, enc *secrets.EncryptionService, breakerMaxRequests uint32, breakerInterval, breakerTimeout time.Duration, logger *zap.Logger) HostingAdapter {
	client := NewHTTPClient(ClientConfig{BaseURL: baseURL, Token: token}, logger)
	breaker := NewBreaker("hosting:native", breakerMaxRequests, breakerInterval, breakerTimeout, logger)
	return &nativeAdapter{client: client, breaker: breaker, encryption: enc, token: token}
}

func (a *nativeAdapter) CreateAccount(ctx context.Context, server *models.Server, req AccountRequest, idemKey string) (*AccountResult, error) {
	token := serverToken(a.encryption, a.token, server)
	var result AccountResult
	err := guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "POST", fmt.Sprintf("/servers/%s/accounts", server.ID), token, idemKey, req, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *nativeAdapter) DeleteAccount(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "DELETE", fmt.Sprintf("/servers/%s/accounts/%s", server.ID, remoteAccountID), token, idemKey, nil, nil)
	})
}

func (a *nativeAdapter) Suspend(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "POST", fmt.Sprintf("/servers/%s/accounts/%s/suspend", server.ID, remoteAccountID), token, idemKey, nil, nil)
	})
}

func (a *nativeAdapter) Unsuspend(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "POST", fmt.Sprintf("/servers/%s/accounts/%s/unsuspend", server.ID, remoteAccountID), token, idemKey, nil, nil)
	})
}

func (a *nativeAdapter) Terminate(ctx context.Context, server *models.Server, remoteAccountID, idemKey string) error {
	token := serverToken(a.encryption, a.token, server)
	return guard(a.breaker, func() error {
		return a.client.DoAs(ctx, "DELETE", fmt.Sprintf("/servers/%s/accounts/%s/terminate", server.ID, remoteAccountID), token, idemKey, nil, nil)
	})
}

// HostingAdapters resolves the correct HostingAdapter for a Server's
// ControlPanelKind, implementing the static dispatch the orchestrator's
// account step uses.
type HostingAdapters struct {
	byKind map[models.ControlPanelKind]HostingAdapter
}

// NewHostingAdapters builds the full set of one adapter per control panel
// kind, each with its own circuit breaker. enc decrypts each Server's own
// admin token when one is on file.
func NewHostingAdapters(baseURL, token string, enc *secrets.EncryptionService, breakerMaxRequests uint32, breakerInterval, breakerTimeout time.Duration, logger *zap.Logger) *HostingAdapters {
	return &HostingAdapters{byKind: map[models.ControlPanelKind]HostingAdapter{
		models.ControlPanelCPanel:      NewControlPanelAdapter(models.ControlPanelCPanel, baseURL, token, enc, breakerMaxRequests, breakerInterval, breakerTimeout, logger),
		models.ControlPanelPlesk:       NewControlPanelAdapter(models.ControlPanelPlesk, baseURL, token, enc, breakerMaxRequests, breakerInterval, breakerTimeout, logger),
		models.ControlPanelDirectAdmin: NewControlPanelAdapter(models.ControlPanelDirectAdmin, baseURL, token, enc, breakerMaxRequests, breakerInterval, breakerTimeout, logger),
		models.ControlPanelNative:      NewNativeAdapter(baseURL, token, enc, breakerMaxRequests, breakerInterval, breakerTimeout, logger),
	}}
}

// For resolves the adapter for a Server's control panel kind.
func (h *HostingAdapters) For(kind models.ControlPanelKind) (HostingAdapter, error) {
	a, ok := h.byKind[kind]
	if !ok {
		return nil, &AdapterError{Kind: Fatal, Message: fmt.Sprintf("unknown control panel kind %q", kind)}
	}
	return a, nil
}
