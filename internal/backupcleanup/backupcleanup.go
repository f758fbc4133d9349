// Package backupcleanup claims jobs from the backups queue that the
// backup-cleanup sweep enqueues for websites already soft-deleted past
// their retention window, terminates the remaining hosting account and
// backup data on the remote panel, and purges the website row for good.
package backupcleanup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/control-plane/internal/adapters"
	"github.com/crosslogic/control-plane/internal/allocator"
	"github.com/crosslogic/control-plane/internal/domainstore"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/internal/sweeps"
	"github.com/crosslogic/control-plane/pkg/metrics"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker claims jobs from the backups queue and purges a website for good.
type Worker struct {
	queue       *queue.Queue
	domainStore *domainstore.Store
	hosting     *adapters.HostingAdapters
	allocator   *allocator.Allocator
	logger      *zap.Logger

	reservationExtend time.Duration
}

// New builds a Worker.
func New(q *queue.Queue, domainStore *domainstore.Store, hosting *adapters.HostingAdapters, alloc *allocator.Allocator, reservationExtend time.Duration, logger *zap.Logger) *Worker {
	return &Worker{queue: q, domainStore: domainStore, hosting: hosting, allocator: alloc, reservationExtend: reservationExtend, logger: logger}
}

// StartWorkers launches n goroutines claiming from the backups queue until
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
			jobs, err := w.queue.Claim(ctx, models.QueueBackups, 1, w.reservationExtend)
			if err != nil {
				w.logger.Error("failed to claim backup cleanup job", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				w.runJob(ctx, job)
			}
		}
	}
}

func (w *Worker) runJob(ctx context.Context, job *models.Job) {
	var payload sweeps.BackupCleanupJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed backup cleanup job payload", zap.String("job_id", job.ID.String()), zap.Error(err))
		_ = w.queue.Fail(ctx, job, fmt.Errorf("malformed payload: %w", err))
		return
	}

	if err := w.purge(ctx, payload); err != nil {
		metrics.JobOutcomes.WithLabelValues(string(models.QueueBackups), "purge", "error").Inc()
		_ = w.queue.Fail(ctx, job, err)
		return
	}
	metrics.JobOutcomes.WithLabelValues(string(models.QueueBackups), "purge", "ran").Inc()
	_ = w.queue.Complete(ctx, job.ID)
}

func (w *Worker) purge(ctx context.Context, payload sweeps.BackupCleanupJobPayload) error {
	website, err := w.domainStore.GetWebsite(ctx, payload.WebsiteID)
	if err != nil {
		// already purged by a prior run of this job: nothing left to do.
		return nil
	}

	idemKey := terminateIdemKey(website.ID)

	server, err := w.domainStore.GetServer(ctx, website.ServerID)
	if err == nil {
		if hostingAdapter, adapterErr := w.hosting.For(server.ControlPanelKind); adapterErr == nil {
			if err := hostingAdapter.Terminate(ctx, server, website.RemoteAccountID, idemKey); err != nil {
				w.logger.Warn("hosting account termination failed during backup cleanup",
					zap.String("website_id", website.ID.String()), zap.Error(err))
			}
		}
		if err := w.allocator.Release(ctx, server.ID); err != nil {
			w.logger.Warn("failed to release server capacity during backup cleanup",
				zap.String("website_id", website.ID.String()), zap.Error(err))
		}
	}

	return w.domainStore.PurgeWebsite(ctx, website.ID)
}

// terminateIdemKey is the idempotency key a retried terminate call carries;
// unlike the orchestrator's steps, purge has no task/step pair to hash, so
// it hashes the website id and the fixed operation name instead.
func terminateIdemKey(websiteID uuid.UUID) string {
	sum := sha256.Sum256([]byte(websiteID.String() + ":terminate:v1"))
	return hex.EncodeToString(sum[:])
}
