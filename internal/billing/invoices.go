// Package billing implements the recurring-billing and suspension halves of
// H3: a worker that claims jobs the sweep producer enqueued on the invoices
// queue and either generates and collects a Stripe invoice for a
// subscription's next period, or suspends a subscription whose grace period
// has elapsed. Both actions share one queue since neither has a dedicated
// one in the fixed four-queue model, and suspension is itself a
// billing-consequence action.
package billing

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
	"github.com/crosslogic/control-plane/pkg/events"
	"github.com/crosslogic/control-plane/pkg/metrics"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/invoice"
	"github.com/stripe/stripe-go/v76/invoiceitem"
	"go.uber.org/zap"
)

// billingPeriod is the fixed period AdvanceBillingPeriod pushes
// current_period_end forward by on confirmed payment. The sweep's lead
// time decides how early a renewal invoice is generated; this is how far
// it moves the subscription once that invoice is paid.
const billingPeriod = 30 * 24 * time.Hour

// InvoiceWorker claims jobs from the invoices queue and executes either a
// recurring-billing or a suspension action, per job's Action field.
type InvoiceWorker struct {
	queue       *queue.Queue
	domainStore *domainstore.Store
	hosting     *adapters.HostingAdapters
	bus         *events.Bus
	logger      *zap.Logger

	reservationExtend time.Duration
}

// NewInvoiceWorker builds an InvoiceWorker. stripeAPIKey configures the
// package-level Stripe client the same way the corpus's billing code does.
func NewInvoiceWorker(q *queue.Queue, domainStore *domainstore.Store, hosting *adapters.HostingAdapters, bus *events.Bus, stripeAPIKey string, reservationExtend time.Duration, logger *zap.Logger) *InvoiceWorker {
	stripe.Key = stripeAPIKey
	return &InvoiceWorker{
		queue: q, domainStore: domainStore, hosting: hosting, bus: bus,
		reservationExtend: reservationExtend, logger: logger,
	}
}

// StartWorkers launches n goroutines claiming from the invoices queue until
// stop is closed.
func (w *InvoiceWorker) StartWorkers(ctx context.Context, n int, stop <-chan struct{}) {
	for i := 0; i < n; i++ {
		go w.workerLoop(ctx, stop)
	}
}

func (w *InvoiceWorker) workerLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.queue.Claim(ctx, models.QueueInvoices, 1, w.reservationExtend)
			if err != nil {
				w.logger.Error("failed to claim invoice job", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				w.runJob(ctx, job)
			}
		}
	}
}

func (w *InvoiceWorker) runJob(ctx context.Context, job *models.Job) {
	var payload sweeps.InvoiceJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed invoice job payload", zap.String("job_id", job.ID.String()), zap.Error(err))
		_ = w.queue.Fail(ctx, job, fmt.Errorf("malformed payload: %w", err))
		return
	}

	var err error
	switch payload.Action {
	case "invoice":
		err = w.runInvoice(ctx, payload.SubscriptionID)
	case "suspend":
		err = w.runSuspend(ctx, payload.SubscriptionID)
	default:
		err = fmt.Errorf("unknown invoice job action %q", payload.Action)
	}

	if err != nil {
		metrics.JobOutcomes.WithLabelValues(string(models.QueueInvoices), payload.Action, "error").Inc()
		_ = w.queue.Fail(ctx, job, err)
		return
	}
	metrics.JobOutcomes.WithLabelValues(string(models.QueueInvoices), payload.Action, "ran").Inc()
	_ = w.queue.Complete(ctx, job.ID)
}

// runInvoice generates a Stripe invoice item and invoice for the
// subscription's next billing period, finalizes it, and attempts collection.
// On confirmed payment it advances the subscription's billing period. A
// failed collection returns an error, so the queue retries the job; the
// subscription's status is not changed here, and no webhook in this module
// moves it to past_due.
func (w *InvoiceWorker) runInvoice(ctx context.Context, subscriptionID uuid.UUID) error {
	sub, err := w.domainStore.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	customer, err := w.domainStore.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return err
	}

	_, err = invoiceitem.New(&stripe.InvoiceItemParams{
		Customer: stripe.String(customer.ExternalCustomerID),
		Price:    stripe.String(sub.PlanID),
	})
	if err != nil {
		return fmt.Errorf("create invoice item: %w", err)
	}

	inv, err := invoice.New(&stripe.InvoiceParams{
		Customer:         stripe.String(customer.ExternalCustomerID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
	})
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}

	if _, err := invoice.FinalizeInvoice(inv.ID, nil); err != nil {
		return fmt.Errorf("finalize invoice: %w", err)
	}
	paid, err := invoice.Pay(inv.ID, nil)
	if err != nil {
		return fmt.Errorf("pay invoice: %w", err)
	}

	if paid.Status == stripe.InvoiceStatusPaid {
		if err := w.domainStore.AdvanceBillingPeriod(ctx, sub.ID, billingPeriod); err != nil {
			return err
		}
		_ = w.bus.Publish(ctx, events.NewEvent(events.EventSubscriptionActive, sub.ID.String(), map[string]interface{}{
			"invoice_id": paid.ID,
		}))
	}
	return nil
}

// runSuspend suspends the website and transitions the subscription to
// suspended, for a subscription whose grace period has elapsed with no
// successful payment.
func (w *InvoiceWorker) runSuspend(ctx context.Context, subscriptionID uuid.UUID) error {
	sub, err := w.domainStore.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == models.SubscriptionSuspended {
		return nil
	}

	website, err := w.domainStore.GetWebsiteBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	server, err := w.domainStore.GetServer(ctx, website.ServerID)
	if err != nil {
		return err
	}
	hostingAdapter, err := w.hosting.For(server.ControlPanelKind)
	if err != nil {
		return err
	}
	if err := hostingAdapter.Suspend(ctx, server, website.RemoteAccountID, suspendIdemKey(sub.ID)); err != nil {
		return err
	}
	if err := w.domainStore.SuspendWebsite(ctx, website.ID, "system"); err != nil {
		return err
	}
	if err := w.domainStore.UpdateSubscriptionStatus(ctx, sub.ID, sub.Status, models.SubscriptionSuspended, "system"); err != nil {
		return err
	}
	_ = w.bus.Publish(ctx, events.NewEvent(events.EventWebsiteSuspended, sub.ID.String(), map[string]interface{}{
		"website_id": website.ID.String(),
	}))
	return nil
}

// suspendIdemKey is the idempotency key a retried suspend call carries,
// hashed from the subscription id and the fixed operation name since
// suspension has no per-attempt task/step pair of its own.
func suspendIdemKey(subscriptionID uuid.UUID) string {
	sum := sha256.Sum256([]byte(subscriptionID.String() + ":suspend:v1"))
	return hex.EncodeToString(sum[:])
}
