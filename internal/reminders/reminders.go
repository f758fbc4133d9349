// Package reminders claims jobs from the emails queue that the SSL renewal
// reminder sweep enqueues and sends the customer-facing warning through the
// notification adapter. Kept separate from internal/billing's invoices
// worker since this queue has no billing-consequence action to discriminate
// on: every job here is the same kind of reminder.
package reminders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/control-plane/internal/adapters"
	"github.com/crosslogic/control-plane/internal/domainstore"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/internal/sweeps"
	"github.com/crosslogic/control-plane/pkg/metrics"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker claims jobs from the emails queue and sends SSL renewal reminders.
type Worker struct {
	queue       *queue.Queue
	domainStore *domainstore.Store
	notify      adapters.NotificationAdapter
	logger      *zap.Logger

	reservationExtend time.Duration
}

// New builds a Worker.
func New(q *queue.Queue, domainStore *domainstore.Store, notify adapters.NotificationAdapter, reservationExtend time.Duration, logger *zap.Logger) *Worker {
	return &Worker{queue: q, domainStore: domainStore, notify: notify, reservationExtend: reservationExtend, logger: logger}
}

// StartWorkers launches n goroutines claiming from the emails queue until
// stop is closed.
func (w *Worker) StartWorkers(ctx context.Context, n int, stop <-chan struct{}) {
	for i := 0; i < n; i++ {
		go w.workerLoop(ctx, stop)
	}
}

func (w *Worker) workerLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.queue.Claim(ctx, models.QueueEmails, 1, w.reservationExtend)
			if err != nil {
				w.logger.Error("failed to claim email job", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				w.runJob(ctx, job)
			}
		}
	}
}

func (w *Worker) runJob(ctx context.Context, job *models.Job) {
	var payload sweeps.SSLReminderJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed SSL reminder job payload", zap.String("job_id", job.ID.String()), zap.Error(err))
		_ = w.queue.Fail(ctx, job, fmt.Errorf("malformed payload: %w", err))
		return
	}

	if err := w.send(ctx, payload); err != nil {
		metrics.JobOutcomes.WithLabelValues(string(models.QueueEmails), "ssl_reminder", "error").Inc()
		_ = w.queue.Fail(ctx, job, err)
		return
	}
	metrics.JobOutcomes.WithLabelValues(string(models.QueueEmails), "ssl_reminder", "ran").Inc()
	_ = w.queue.Complete(ctx, job.ID)
}

func (w *Worker) send(ctx context.Context, payload sweeps.SSLReminderJobPayload) error {
	sub, err := w.domainStore.GetSubscription(ctx, payload.SubscriptionID)
	if err != nil {
		return err
	}
	customer, err := w.domainStore.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return err
	}
	website, err := w.domainStore.GetWebsiteBySubscription(ctx, payload.SubscriptionID)
	if err != nil {
		return err
	}

	expiresAt := "unknown"
	if website.SSLExpiresAt != nil {
		expiresAt = website.SSLExpiresAt.Format(time.RFC3339)
	}

	idemKey := reminderIdemKey(payload.SubscriptionID, expiresAt)
	return w.notify.SendSSLRenewalReminder(ctx, adapters.SSLRenewalReminder{
		ToEmail: customer.Email, Domain: payload.Domain, ExpiresAt: expiresAt,
	}, idemKey)
}

// reminderIdemKey hashes the subscription id and the certificate's own
// expiry so one reminder per distinct expiry is recognized as a retry of
// the same attempt, not a separate send.
func reminderIdemKey(subscriptionID uuid.UUID, expiresAt string) string {
	sum := sha256.Sum256([]byte(subscriptionID.String() + ":ssl-reminder:" + expiresAt))
	return hex.EncodeToString(sum[:])
}
