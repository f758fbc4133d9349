// Package webhook implements H1: signed payment-provider webhook intake.
// The happy path is a single protected block — verify, parse, idempotency
// guard, locate, materialise, enqueue — adapted from the corpus's Stripe
// webhook handler down to a provider-agnostic envelope, since spec §6 fixes
// a generic wire format rather than any one vendor's SDK types.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crosslogic/control-plane/internal/config"
	"github.com/crosslogic/control-plane/internal/domainstore"
	"github.com/crosslogic/control-plane/internal/errs"
	"github.com/crosslogic/control-plane/internal/idempotency"
	"github.com/crosslogic/control-plane/internal/provisioning"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/internal/security"
	"github.com/crosslogic/control-plane/internal/taskstore"
	"github.com/crosslogic/control-plane/pkg/cache"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const webhookIdempotencyScope = "webhook"

// eventCheckoutCompleted is the only event kind that triggers provisioning.
// Other kinds are accepted (2xx) but otherwise ignored, per spec.
const eventCheckoutCompleted = "checkout.completed"

// envelope is the provider-agnostic wire shape of a payment webhook body.
// Tenant is optional: a provider that fronts several tenants behind one
// webhook endpoint can set it explicitly; one that doesn't falls back to
// the checkout session's own tenant, and failing that to the deployment's
// configured default.
type envelope struct {
	EventID     string `json:"eventId" validate:"required"`
	Kind        string `json:"kind" validate:"required"`
	Tenant      string `json:"tenant"`
	SessionID   string `json:"sessionId" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	ProductCode string `json:"productCode" validate:"required"`
	Period      string `json:"period" validate:"required"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
	Domain      string `json:"domain" validate:"required"`
}

// outcome is what Produce records for a processed event, so a replayed
// webhook observes the exact response this handler already gave.
type outcome struct {
	Received bool `json:"received"`
}

// Handler processes inbound payment webhooks.
type Handler struct {
	verifier         *security.Verifier
	idempotency      *idempotency.Store
	cache            *cache.Cache
	domainStore      *domainstore.Store
	taskStore        *taskstore.Store
	cfg              config.WebhookConfig
	taskDeadline     time.Duration
	queueMaxAttempts int
	logger           *zap.Logger
	validate         *validator.Validate
}

// New builds a Handler. taskDeadline and queueMaxAttempts mirror the
// provisioning orchestrator's and queue's own configuration, so a task
// created here carries the same deadline and attempt budget either would
// apply on their own enqueue/create paths. c may be nil, in which case the
// Redis dedupe fast-path is skipped and every event falls straight through
// to the durable idempotency store.
func New(verifier *security.Verifier, idem *idempotency.Store, c *cache.Cache, domainStore *domainstore.Store, taskStore *taskstore.Store, cfg config.WebhookConfig, taskDeadline time.Duration, queueMaxAttempts int, logger *zap.Logger) *Handler {
	return &Handler{
		verifier: verifier, idempotency: idem, cache: c, domainStore: domainStore,
		taskStore: taskStore, cfg: cfg, taskDeadline: taskDeadline, queueMaxAttempts: queueMaxAttempts,
		logger: logger, validate: validator.New(),
	}
}

// ServeHTTP implements POST /webhooks/payments.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(r.Header.Get("Signature"), body, time.Now()); err != nil {
		h.logger.Warn("webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if h.cache != nil {
		fresh, cacheErr := h.cache.SetNX(ctx, dedupeCacheKey(env.EventID), "1", h.cfg.DedupeCacheTTL)
		if cacheErr != nil {
			h.logger.Warn("dedupe cache unavailable, falling through to durable idempotency store", zap.Error(cacheErr))
		} else if !fresh {
			// A hot retry of an event this process (or a sibling replica)
			// already accepted inside the TTL window: the durable store
			// would tell us the same thing, so skip the database round trip.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(outcome{Received: true})
			return
		}
	}

	result, err := h.idempotency.Produce(ctx, webhookIdempotencyScope, env.EventID, h.cfg.DedupeCacheTTL, func(ctx context.Context) (interface{}, error) {
		return h.process(ctx, env)
	})
	if err != nil {
		h.logger.Error("webhook processing failed", zap.String("event_id", env.EventID), zap.Error(err))
		if h.cache != nil {
			// The event was not accepted: clear its dedupe key so a retry is processed.
			_ = h.cache.Delete(ctx, dedupeCacheKey(env.EventID))
		}
		if errs.Is(err, errs.Validation) {
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	_ = result

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(outcome{Received: true})
}

// process runs steps 2-6 of spec §4.5, inside the idempotency-protected
// block. Its return value is recorded as the durable outcome for replays.
func (h *Handler) process(ctx context.Context, env envelope) (outcome, error) {
	if env.Kind != eventCheckoutCompleted {
		h.logger.Info("ignoring non-provisioning webhook event", zap.String("kind", env.Kind), zap.String("event_id", env.EventID))
		return outcome{Received: true}, nil
	}

	tx, err := h.domainStore.Begin(ctx)
	if err != nil {
		return outcome{}, err
	}
	defer tx.Rollback(ctx)

	session, err := h.domainStore.GetCheckoutSessionByExternalID(ctx, tx, env.SessionID)
	if err != nil {
		if errs.Is(err, errs.ConstraintViolation) {
			h.logger.Warn("webhook references unknown checkout session", zap.String("session_id", env.SessionID))
			return outcome{Received: true}, nil
		}
		return outcome{}, err
	}

	switch session.Status {
	case models.CheckoutSessionCompleted:
		return outcome{Received: true}, nil
	case models.CheckoutSessionExpired:
		h.logger.Warn("webhook arrived for expired checkout session", zap.String("session_id", env.SessionID))
		return outcome{Received: true}, nil
	case models.CheckoutSessionPending:
		// proceed below
	default:
		return outcome{Received: true}, nil
	}

	now := time.Now()

	tenant := env.Tenant
	if tenant == "" {
		tenant = session.Tenant
	}
	if tenant == "" {
		tenant = h.cfg.DefaultTenant
	}

	// The envelope carries no separate provider customer id, so the
	// customer's email doubles as its external identity — upsert-by-email,
	// scoped to the resolved tenant, is exactly what spec §4.5 step 5 asks
	// for.
	customer, err := h.domainStore.UpsertCustomerTx(ctx, tx, tenant, env.Email, env.Email, now)
	if err != nil {
		return outcome{}, err
	}

	tempPassword, err := generateTempPassword(h.cfg.TempPasswordBytes)
	if err != nil {
		return outcome{}, errs.New(errs.Validation, "webhook.process", err)
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), h.cfg.BcryptCost)
	if err != nil {
		return outcome{}, errs.New(errs.Validation, "webhook.process", err)
	}
	username := accountLoginName(env.Email)
	if _, err := h.domainStore.CreateUserCredentialTx(ctx, tx, customer.ID, username, string(passwordHash), now); err != nil {
		return outcome{}, err
	}

	periodEnd := now.Add(billingPeriodDuration(env.Period))
	sub, err := h.domainStore.CreateSubscriptionTx(ctx, tx, tenant, customer.ID, env.SessionID, env.ProductCode, env.Domain, periodEnd, now)
	if err != nil {
		return outcome{}, err
	}

	if err := h.domainStore.CompleteCheckoutSessionTx(ctx, tx, session.ID, now); err != nil {
		return outcome{}, err
	}

	task, err := h.taskStore.CreateTask(ctx, tenant, sub.ID, now.Add(h.taskDeadline))
	if err != nil {
		return outcome{}, err
	}

	payload := provisioning.JobPayload{
		TaskID: task.ID, Tenant: tenant, SubscriptionID: sub.ID, CustomerID: customer.ID, TempPassword: tempPassword,
	}
	if _, err := queue.EnqueueTx(ctx, tx, models.QueueProvisioning, 5, payload, h.queueMaxAttempts); err != nil {
		return outcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return outcome{}, errs.New(errs.StorageUnavailable, "webhook.process", err)
	}

	h.logger.Info("checkout completed, provisioning enqueued",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("task_id", task.ID.String()),
	)
	return outcome{Received: true}, nil
}

// accountLoginName derives the User Credential username from the customer's
// email local part, lowercased; collisions are resolved at the database
// layer by the customer's own uniqueness, not the username itself.
func accountLoginName(email string) string {
	local := email
	for i, r := range email {
		if r == '@' {
			local = email[:i]
			break
		}
	}
	return strings.ToLower(local)
}

// generateTempPassword produces a platform-RNG temporary password with at
// least 96 bits of entropy (n bytes, n*8 >= 96).
func generateTempPassword(nBytes int) (string, error) {
	if nBytes*8 < 96 {
		nBytes = 12
	}
	buf := make([]byte, nBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// dedupeCacheKey namespaces the Redis fast-path key so it can't collide with
// unrelated cache users sharing the same database.
func dedupeCacheKey(eventID string) string {
	return "webhook:dedupe:" + eventID
}

func billingPeriodDuration(period string) time.Duration {
	switch period {
	case "annual", "yearly":
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}
