package integration_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/crosslogic/control-plane/internal/config"
	"github.com/crosslogic/control-plane/internal/control"
	"github.com/crosslogic/control-plane/internal/domainstore"
	"github.com/crosslogic/control-plane/internal/httpserver"
	"github.com/crosslogic/control-plane/internal/idempotency"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/internal/security"
	"github.com/crosslogic/control-plane/internal/taskstore"
	"github.com/crosslogic/control-plane/internal/webhook"
	"github.com/crosslogic/control-plane/pkg/cache"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/crosslogic/control-plane/pkg/models"
	"go.uber.org/zap"
)

// signedHeader computes the Signature header value the webhook verifier
// expects: HMAC-SHA256 over "timestamp.payload", hex-encoded.
func signedHeader(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// seedCheckoutSession inserts a pending checkout session directly, standing
// in for the checkout surface that normally creates one ahead of the
// provider's webhook callback; this package only ever consumes that row.
func seedCheckoutSession(t *testing.T, db *database.Database, tenant, externalSessionID, email, domain, planID string) {
	t.Helper()
	_, err := db.Pool.Exec(context.Background(), `
		INSERT INTO checkout_sessions (tenant, external_session_id, customer_email, primary_domain, plan_id, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
	`, tenant, externalSessionID, email, domain, planID)
	if err != nil {
		t.Fatalf("failed to seed checkout session: %v", err)
	}
}

type testServer struct {
	url         string
	db          *database.Database
	cfg         *config.Config
	domainStore *domainstore.Store
	taskStore   *taskstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	logger, _ := zap.NewDevelopment()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	t.Cleanup(func() { redisCache.Close() })

	idem := idempotency.NewStore(db)
	q := queue.New(db, cfg.Queue.BackoffBase, cfg.Queue.BackoffMax, cfg.Queue.MaxAttempts)
	domainStore := domainstore.New(db)
	taskStore := taskstore.New(db)
	verifier := security.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.ToleranceSeconds)

	webhookHandler := webhook.New(verifier, idem, redisCache, domainStore, taskStore, cfg.Webhook, cfg.Provisioning.TaskDeadline, cfg.Queue.MaxAttempts, logger)
	controlHandlers := control.New(taskStore, q, idem, logger)

	router := httpserver.New(httpserver.Config{
		AdminToken:             cfg.Security.AdminAPIToken,
		WebhookRateLimitPerMin: 120,
		MetricsPath:            cfg.Monitoring.MetricsPath,
	}, webhookHandler, controlHandlers, db, redisCache, logger)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testServer{url: ts.URL, db: db, cfg: cfg, domainStore: domainStore, taskStore: taskStore}
}

func postWebhook(t *testing.T, ts *testServer, body []byte, signed bool) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("POST", ts.url+"/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signed {
		req.Header.Set("Signature", signedHeader(ts.cfg.Webhook.SigningSecret, body, time.Now()))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook post failed: %v", err)
	}
	return resp
}

// TestHealthCheck exercises the unauthenticated liveness endpoint.
func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.url + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

// TestCheckoutCompletedProvisions walks the full H1 happy path against a
// seeded checkout session: a signed checkout.completed webhook must create a
// subscription, customer, and provisioning task scoped to the session's own
// tenant, and replaying the identical event must not create a second of
// either.
func TestCheckoutCompletedProvisions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	tenant := fmt.Sprintf("tenant-%d", stamp)
	externalSessionID := fmt.Sprintf("cs_test_%d", stamp)
	email := fmt.Sprintf("integration-%d@example.com", stamp)
	domain := fmt.Sprintf("integration-%d.example.com", stamp)

	seedCheckoutSession(t, ts.db, tenant, externalSessionID, email, domain, "starter-monthly")

	event := map[string]interface{}{
		"eventId":     fmt.Sprintf("evt_%d", stamp),
		"kind":        "checkout.completed",
		"sessionId":   externalSessionID,
		"email":       email,
		"productCode": "starter-monthly",
		"period":      "monthly",
		"amountMinor": 1999,
		"currency":    "usd",
		"domain":      domain,
	}
	body, _ := json.Marshal(event)

	resp := postWebhook(t, ts, body, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	session, err := ts.domainStore.GetCheckoutSessionByExternalID(ctx, ts.db.Pool, externalSessionID)
	if err != nil {
		t.Fatalf("failed to look up checkout session: %v", err)
	}
	if session.Status != models.CheckoutSessionCompleted {
		t.Errorf("expected checkout session to be completed, got %q", session.Status)
	}
	if session.Tenant != tenant {
		t.Errorf("expected checkout session tenant %q, got %q", tenant, session.Tenant)
	}

	// Replaying the identical event must be accepted without creating a
	// second subscription: the Redis fast-path and the durable idempotency
	// store both recognize it as the same eventId.
	resp2 := postWebhook(t, ts, body, true)
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected replayed webhook to return 200, got %d", resp2.StatusCode)
	}

	var count int
	if err := ts.db.Pool.QueryRow(ctx, `SELECT count(*) FROM subscriptions WHERE external_subscription_id = $1`, externalSessionID).Scan(&count); err != nil {
		t.Fatalf("failed to count subscriptions: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one subscription for %q after replay, got %d", externalSessionID, count)
	}

	var taskCount int
	if err := ts.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM provisioning_tasks pt
		JOIN subscriptions s ON s.id = pt.subscription_id
		WHERE s.external_subscription_id = $1
	`, externalSessionID).Scan(&taskCount); err != nil {
		t.Fatalf("failed to count provisioning tasks: %v", err)
	}
	if taskCount != 1 {
		t.Errorf("expected exactly one provisioning task for %q after replay, got %d", externalSessionID, taskCount)
	}
}

// TestCheckoutCompletedUnknownSessionIsIgnored exercises the edge case where
// a provider replays or fabricates a session id this deployment never
// created: the webhook must still return 200 (so the provider does not
// retry forever) but must not create any domain rows.
func TestCheckoutCompletedUnknownSessionIsIgnored(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	unknownSessionID := fmt.Sprintf("cs_unknown_%d", stamp)
	event := map[string]interface{}{
		"eventId":     fmt.Sprintf("evt_%d", stamp),
		"kind":        "checkout.completed",
		"sessionId":   unknownSessionID,
		"email":       fmt.Sprintf("ghost-%d@example.com", stamp),
		"productCode": "starter-monthly",
		"period":      "monthly",
		"domain":      fmt.Sprintf("ghost-%d.example.com", stamp),
	}
	body, _ := json.Marshal(event)

	resp := postWebhook(t, ts, body, true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected unknown session to still be acknowledged with 200, got %d", resp.StatusCode)
	}

	var count int
	if err := ts.db.Pool.QueryRow(ctx, `SELECT count(*) FROM subscriptions WHERE external_subscription_id = $1`, unknownSessionID).Scan(&count); err != nil {
		t.Fatalf("failed to count subscriptions: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no subscription to be created for an unknown session, got %d", count)
	}
}

// TestWebhookRejectsUnsignedRequest exercises the signature-verification
// edge case directly.
func TestWebhookRejectsUnsignedRequest(t *testing.T) {
	ts := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{
		"eventId":     "evt_unsigned",
		"kind":        "checkout.completed",
		"sessionId":   "cs_unsigned",
		"email":       "nobody@example.com",
		"productCode": "starter-monthly",
		"period":      "monthly",
		"domain":      "nobody.example.com",
	})

	resp := postWebhook(t, ts, body, false)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected unsigned webhook to be rejected with 400, got %d", resp.StatusCode)
	}
}

// TestAdminTaskControlAPI exercises the Task Control API's auth boundary and
// its listing endpoint end to end.
func TestAdminTaskControlAPI(t *testing.T) {
	ts := newTestServer(t)

	adminReq, _ := http.NewRequest("GET", ts.url+"/admin/tasks", nil)
	adminReq.Header.Set("X-Admin-Token", ts.cfg.Security.AdminAPIToken)
	adminResp, err := http.DefaultClient.Do(adminReq)
	if err != nil {
		t.Fatalf("list tasks failed: %v", err)
	}
	if adminResp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 listing tasks, got %d", adminResp.StatusCode)
	}

	noAuthReq, _ := http.NewRequest("GET", ts.url+"/admin/tasks", nil)
	noAuthResp, err := http.DefaultClient.Do(noAuthReq)
	if err != nil {
		t.Fatalf("unauthenticated admin request failed: %v", err)
	}
	if noAuthResp.StatusCode != http.StatusUnauthorized && noAuthResp.StatusCode != http.StatusForbidden {
		t.Errorf("expected unauthenticated admin request to be rejected, got %d", noAuthResp.StatusCode)
	}
}

// TestCheckoutCompletedTenantIsolation verifies that two checkout sessions
// for the same email under different tenants produce two distinct
// customers, not one shared across tenants — the (tenant, email)
// uniqueness constraint's whole reason for existing.
func TestCheckoutCompletedTenantIsolation(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	email := fmt.Sprintf("shared-%d@example.com", stamp)

	tenantA := fmt.Sprintf("tenant-a-%d", stamp)
	sessionA := fmt.Sprintf("cs_a_%d", stamp)
	domainA := fmt.Sprintf("a-%d.example.com", stamp)
	seedCheckoutSession(t, ts.db, tenantA, sessionA, email, domainA, "starter-monthly")

	tenantB := fmt.Sprintf("tenant-b-%d", stamp)
	sessionB := fmt.Sprintf("cs_b_%d", stamp)
	domainB := fmt.Sprintf("b-%d.example.com", stamp)
	seedCheckoutSession(t, ts.db, tenantB, sessionB, email, domainB, "starter-monthly")

	for i, sc := range []struct{ sessionID, domain string }{{sessionA, domainA}, {sessionB, domainB}} {
		event := map[string]interface{}{
			"eventId":     fmt.Sprintf("evt_iso_%d_%d", stamp, i),
			"kind":        "checkout.completed",
			"sessionId":   sc.sessionID,
			"email":       email,
			"productCode": "starter-monthly",
			"period":      "monthly",
			"domain":      sc.domain,
		}
		body, _ := json.Marshal(event)
		resp := postWebhook(t, ts, body, true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200 for tenant webhook %d, got %d", i, resp.StatusCode)
		}
	}

	var customerCount int
	if err := ts.db.Pool.QueryRow(ctx, `SELECT count(*) FROM customers WHERE email = $1`, email).Scan(&customerCount); err != nil {
		t.Fatalf("failed to count customers: %v", err)
	}
	if customerCount != 2 {
		t.Errorf("expected two tenant-scoped customers for the shared email, got %d", customerCount)
	}
}
