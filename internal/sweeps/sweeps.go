// Package sweeps implements H3: a single clock-driven producer that enqueues
// jobs for the four scheduled sweeps (recurring billing, suspension, SSL
// renewal reminders, backup cleanup) at fixed times of day. Adapted from the
// corpus's deployment controller reconcile loop, repurposed from GPU
// autoscaling to firing daily billing-consequence jobs. Sweep producers
// never perform the work themselves; they only enqueue onto the queue the
// matching worker claims from.
package sweeps

import (
	"context"
	"time"

	"github.com/crosslogic/control-plane/internal/config"
	"github.com/crosslogic/control-plane/internal/domainstore"
	"github.com/crosslogic/control-plane/internal/idempotency"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/pkg/metrics"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sweepIdempotencyScope is the idempotency scope every sweep marker is
// recorded under; the external key is "<sweep-name>:<window>".
const sweepIdempotencyScope = "sweep"

// Fixed daily run times (UTC, hour:minute), staggered 15 minutes apart so
// they never contend for the same rows. There is no dynamic scheduling
// here: a sweep fires once, at its own minute of the day, every day.
const (
	recurringBillingHour, recurringBillingMinute = 2, 0
	suspensionHour, suspensionMinute             = 2, 15
	sslReminderHour, sslReminderMinute           = 2, 30
	backupCleanupHour, backupCleanupMinute       = 2, 45
)

// InvoiceJobPayload is enqueued on the invoices queue by the recurring
// billing sweep. Action discriminates the two billing-consequence job kinds
// that share this queue: generating and finalizing an invoice, versus
// suspending a subscription whose grace period has elapsed. There is no
// dedicated suspension queue in models.QueueName, and suspension is itself
// a billing consequence, so it rides the same queue with this field picking
// the branch the invoices worker takes.
type InvoiceJobPayload struct {
	Action         string    `json:"action"` // "invoice" | "suspend"
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// SSLReminderJobPayload is enqueued on the emails queue by the SSL
// reminder sweep.
type SSLReminderJobPayload struct {
	WebsiteID      uuid.UUID `json:"website_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Domain         string    `json:"domain"`
}

// BackupCleanupJobPayload is enqueued on the backups queue by the backup
// cleanup sweep.
type BackupCleanupJobPayload struct {
	WebsiteID uuid.UUID `json:"website_id"`
	Domain    string    `json:"domain"`
}

// Sweeper runs the four scheduled sweeps on a single ticker.
type Sweeper struct {
	domainStore *domainstore.Store
	queue       *queue.Queue
	idempotency *idempotency.Store
	cfg         config.SweepsConfig
	logger      *zap.Logger

	ticker   *time.Ticker
	stopChan chan struct{}

	lastFiredMinute map[string]string // sweep name -> "YYYY-MM-DD-HH-MM" already attempted, avoids redundant Produce calls within the same process tick burst
}

// New builds a Sweeper.
func New(domainStore *domainstore.Store, q *queue.Queue, idem *idempotency.Store, cfg config.SweepsConfig, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		domainStore:     domainStore,
		queue:           q,
		idempotency:     idem,
		cfg:             cfg,
		logger:          logger,
		stopChan:        make(chan struct{}),
		lastFiredMinute: make(map[string]string),
	}
}

// Start begins the reconciliation loop, checking every tick whether any
// sweep's fixed time of day has arrived.
func (s *Sweeper) Start(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	s.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.Stop()
				return
			case <-s.stopChan:
				return
			case <-s.ticker.C:
				s.reconcile(ctx, time.Now().UTC())
			}
		}
	}()
}

// Stop halts the reconciliation loop.
func (s *Sweeper) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopChan)
}

func (s *Sweeper) reconcile(ctx context.Context, now time.Time) {
	s.maybeRun(ctx, "recurring_billing", now, recurringBillingHour, recurringBillingMinute, s.runRecurringBilling)
	s.maybeRun(ctx, "suspension", now, suspensionHour, suspensionMinute, s.runSuspension)
	s.maybeRun(ctx, "ssl_reminder", now, sslReminderHour, sslReminderMinute, s.runSSLReminder)
	s.maybeRun(ctx, "backup_cleanup", now, backupCleanupHour, backupCleanupMinute, s.runBackupCleanup)
}

// maybeRun fires sweepFn once per calendar day at hour:minute, guarded by an
// idempotency marker keyed on the minute the sweep actually fired in, so a
// duplicate tick within the same minute (a restart, a slow previous tick) is
// a no-op rather than a second enqueue burst.
func (s *Sweeper) maybeRun(ctx context.Context, name string, now time.Time, hour, minute int, sweepFn func(ctx context.Context) error) {
	if now.Hour() != hour || now.Minute() != minute {
		return
	}
	window := now.Format("2006-01-02-15-04")
	if s.lastFiredMinute[name] == window {
		return
	}
	s.lastFiredMinute[name] = window

	key := name + ":" + window
	_, err := s.idempotency.Produce(ctx, sweepIdempotencyScope, key, 24*time.Hour, func(ctx context.Context) (interface{}, error) {
		if err := sweepFn(ctx); err != nil {
			return nil, err
		}
		return "ran", nil
	})
	switch {
	case err != nil:
		metrics.SweepRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
	default:
		metrics.SweepRuns.WithLabelValues(name, "ran").Inc()
	}
}

func (s *Sweeper) runRecurringBilling(ctx context.Context) error {
	leadTime := s.cfg.RecurringBillingLeadTime
	if leadTime <= 0 {
		leadTime = 72 * time.Hour
	}
	subs, err := s.domainStore.ListSubscriptionsDueForBilling(ctx, leadTime, time.Now())
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if _, err := s.enqueueInvoiceJob(ctx, "invoice", sub.ID); err != nil {
			s.logger.Error("failed to enqueue invoice job", zap.String("subscription_id", sub.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) runSuspension(ctx context.Context) error {
	graceCutoff := time.Now().Add(-s.cfg.SuspensionGracePeriod)
	if s.cfg.SuspensionGracePeriod <= 0 {
		graceCutoff = time.Now().Add(-168 * time.Hour)
	}
	subs, err := s.domainStore.ListPastDueSubscriptions(ctx, graceCutoff)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if _, err := s.enqueueInvoiceJob(ctx, "suspend", sub.ID); err != nil {
			s.logger.Error("failed to enqueue suspension job", zap.String("subscription_id", sub.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) runSSLReminder(ctx context.Context) error {
	leadTime := s.cfg.SSLReminderLeadTime
	if leadTime <= 0 {
		leadTime = 336 * time.Hour
	}
	sites, err := s.domainStore.ListWebsitesWithSSLExpiringBefore(ctx, time.Now().Add(leadTime))
	if err != nil {
		return err
	}
	for _, site := range sites {
		payload := SSLReminderJobPayload{WebsiteID: site.ID, SubscriptionID: site.SubscriptionID, Domain: site.PrimaryDomain}
		if _, err := s.queue.Enqueue(ctx, models.QueueEmails, 0, payload); err != nil {
			s.logger.Error("failed to enqueue SSL reminder job", zap.String("website_id", site.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) runBackupCleanup(ctx context.Context) error {
	retention := s.cfg.BackupRetention
	if retention <= 0 {
		retention = 720 * time.Hour
	}
	sites, err := s.domainStore.ListDeletedWebsitesOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	for _, site := range sites {
		payload := BackupCleanupJobPayload{WebsiteID: site.ID, Domain: site.PrimaryDomain}
		if _, err := s.queue.Enqueue(ctx, models.QueueBackups, 0, payload); err != nil {
			s.logger.Error("failed to enqueue backup cleanup job", zap.String("website_id", site.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) enqueueInvoiceJob(ctx context.Context, action string, subscriptionID uuid.UUID) (uuid.UUID, error) {
	payload := InvoiceJobPayload{Action: action, SubscriptionID: subscriptionID}
	return s.queue.Enqueue(ctx, models.QueueInvoices, 0, payload)
}
