// Package provisioning implements H2: the fixed six-step orchestrator that
// turns a pending ProvisioningTask into a live Website. The reconcile/ticker
// shape is adapted from the corpus's deployment controller, repurposed from
// scaling GPU node pools to driving a single task's step sequence to
// completion.
package provisioning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/crosslogic/control-plane/internal/adapters"
	"github.com/crosslogic/control-plane/internal/allocator"
	"github.com/crosslogic/control-plane/internal/domainstore"
	"github.com/crosslogic/control-plane/internal/errs"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/internal/taskstore"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/crosslogic/control-plane/pkg/events"
	"github.com/crosslogic/control-plane/pkg/metrics"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// defaultMailboxQuotaMB is the mailbox quota granted by the email step; the
// plan catalog carries no per-plan mailbox sizing yet, so every account gets
// the same allowance.
const defaultMailboxQuotaMB = 1024

// JobPayload is the body of every job enqueued on the provisioning queue.
// TempPassword carries the cleartext credential generated once at checkout
// completion, so the account-creation and notify steps can use the exact
// same value the customer was told without ever re-deriving or logging it.
type JobPayload struct {
	TaskID         uuid.UUID `json:"task_id"`
	Tenant         string    `json:"tenant"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	TempPassword   string    `json:"temp_password"`
}

// Orchestrator drives ProvisioningTasks through the fixed step sequence in
// models.ProvisioningSteps, dispatching each step to the matching adapter
// and recording an append-only StepRecord per attempt.
type Orchestrator struct {
	db          *database.Database
	queue       *queue.Queue
	taskStore   *taskstore.Store
	domainStore *domainstore.Store
	allocator   *allocator.Allocator
	hosting     *adapters.HostingAdapters
	dns         adapters.DNSAdapter
	cert        adapters.CertificateAdapter
	mail        adapters.MailAdapter
	dbEngine    adapters.DatabaseEngineAdapter
	notify      adapters.NotificationAdapter
	bus         *events.Bus
	logger      *zap.Logger

	reservationExtend time.Duration
}

// Deps bundles the Orchestrator's collaborators.
type Deps struct {
	DB                *database.Database
	Queue             *queue.Queue
	TaskStore         *taskstore.Store
	DomainStore       *domainstore.Store
	Allocator         *allocator.Allocator
	Hosting           *adapters.HostingAdapters
	DNS               adapters.DNSAdapter
	Certificate       adapters.CertificateAdapter
	Mail              adapters.MailAdapter
	DatabaseEngine    adapters.DatabaseEngineAdapter
	Notification      adapters.NotificationAdapter
	Bus               *events.Bus
	Logger            *zap.Logger
	ReservationExtend time.Duration
}

// New builds an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		db: d.DB, queue: d.Queue, taskStore: d.TaskStore, domainStore: d.DomainStore,
		allocator: d.Allocator, hosting: d.Hosting, dns: d.DNS, cert: d.Certificate,
		mail: d.Mail, dbEngine: d.DatabaseEngine, notify: d.Notification, bus: d.Bus,
		logger: d.Logger, reservationExtend: d.ReservationExtend,
	}
}

// StartWorkers launches n goroutines that claim and run provisioning jobs
// until stop is closed.
func (o *Orchestrator) StartWorkers(ctx context.Context, n int, stop <-chan struct{}) {
	for i := 0; i < n; i++ {
		go o.workerLoop(ctx, stop)
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := o.queue.Claim(ctx, models.QueueProvisioning, 1, o.reservationExtend)
			if err != nil {
				o.logger.Error("failed to claim provisioning job", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				o.runJob(ctx, job)
			}
		}
	}
}

func (o *Orchestrator) runJob(ctx context.Context, job *models.Job) {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		o.logger.Error("malformed provisioning job payload", zap.String("job_id", job.ID.String()), zap.Error(err))
		_ = o.queue.Fail(ctx, job, fmt.Errorf("malformed payload: %w", err))
		return
	}

	extendStop := make(chan struct{})
	go o.keepReservationAlive(ctx, job.ID, extendStop)
	defer close(extendStop)

	dead, err := o.runTask(ctx, payload)
	if err != nil {
		metrics.TaskOutcomes.WithLabelValues("failed").Inc()
		if job.Attempts >= job.MaxAttempts {
			// Fail dead-letters the job on its last attempt; the task follows.
			_ = o.taskStore.UpdateTaskStatus(ctx, payload.TaskID, models.TaskDeadLettered)
		}
		_ = o.queue.Fail(ctx, job, err)
		return
	}
	if dead {
		metrics.TaskOutcomes.WithLabelValues("dead_lettered").Inc()
		// Dead-letter the job too, so a task replay can find and requeue it.
		job.Attempts = job.MaxAttempts
		_ = o.queue.Fail(ctx, job, fmt.Errorf("provisioning task dead-lettered"))
		return
	}

	metrics.TaskOutcomes.WithLabelValues("succeeded").Inc()
	_ = o.queue.Complete(ctx, job.ID)
}

func (o *Orchestrator) keepReservationAlive(ctx context.Context, jobID uuid.UUID, stop <-chan struct{}) {
	ticker := time.NewTicker(o.reservationExtend / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := o.queue.Extend(ctx, jobID, o.reservationExtend); err != nil {
				o.logger.Warn("failed to extend provisioning job reservation", zap.String("job_id", jobID.String()), zap.Error(err))
			}
		}
	}
}

// runTask drives a single task through every not-yet-succeeded step. It
// returns dead=true when the task was dead-lettered (a terminal outcome the
// caller should not retry), and a non-nil error for a Retryable step
// failure the queue should retry.
func (o *Orchestrator) runTask(ctx context.Context, payload JobPayload) (bool, error) {
	unlock, err := o.acquireSubscriptionLock(ctx, payload.TaskID)
	if err != nil {
		return false, err
	}
	defer unlock()

	task, err := o.taskStore.GetTask(ctx, payload.TaskID)
	if err != nil {
		return false, err
	}
	if time.Now().After(task.DeadlineAt) {
		return o.deadLetter(ctx, task, "task deadline exceeded")
	}

	sub, err := o.domainStore.GetSubscription(ctx, task.SubscriptionID)
	if err != nil {
		return false, err
	}
	customer, err := o.domainStore.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return false, err
	}

	if err := o.taskStore.IncrementAttempt(ctx, task.ID); err != nil {
		return false, err
	}

	server, err := o.resolveServer(ctx, task)
	if err != nil {
		var noCapacity *allocator.NoCapacityAvailable
		if e, ok := err.(*errs.Error); ok {
			if nc, ok := e.Err.(*allocator.NoCapacityAvailable); ok {
				noCapacity = nc
			}
		}
		if noCapacity != nil {
			return o.deadLetter(ctx, task, noCapacity.Error())
		}
		return false, err
	}

	latest, err := o.taskStore.LatestStepStatuses(ctx, task.ID)
	if err != nil {
		return false, err
	}

	var completed []models.ProvisioningStepKind
	for _, step := range models.ProvisioningSteps {
		if latest[step] == models.StepSucceeded {
			completed = append(completed, step)
			continue
		}

		idemKey := stepIdemKey(task.ID, step)
		stepErr := o.executeStep(ctx, task.ID, sub, customer, server, step, payload.TempPassword, idemKey)

		if stepErr == nil {
			_ = o.taskStore.AppendStepRecord(ctx, task.ID, step, models.StepSucceeded, idemKey, "")
			metrics.StepOutcomes.WithLabelValues(string(step), "succeeded").Inc()
			completed = append(completed, step)
			continue
		}

		adapterErr, isAdapterErr := stepErr.(*adapters.AdapterError)
		if isAdapterErr && adapterErr.Kind == adapters.AlreadyExists {
			_ = o.taskStore.AppendStepRecord(ctx, task.ID, step, models.StepSucceeded, idemKey, "already exists on remote")
			metrics.StepOutcomes.WithLabelValues(string(step), "already_exists").Inc()
			completed = append(completed, step)
			continue
		}

		if isAdapterErr && adapterErr.Kind == adapters.Retryable {
			_ = o.taskStore.AppendStepRecord(ctx, task.ID, step, models.StepFailedRetry, idemKey, adapterErr.Message)
			metrics.StepOutcomes.WithLabelValues(string(step), "failed_retryable").Inc()
			_ = o.taskStore.UpdateTaskStatus(ctx, task.ID, models.TaskFailed)
			return false, stepErr
		}

		message := stepErr.Error()
		if isAdapterErr {
			message = adapterErr.Message
		}
		_ = o.taskStore.AppendStepRecord(ctx, task.ID, step, models.StepFailedFatal, idemKey, message)
		metrics.StepOutcomes.WithLabelValues(string(step), "failed_fatal").Inc()

		o.compensate(ctx, task.ID, sub, server, completed)
		return o.deadLetter(ctx, task, message)
	}

	if err := o.taskStore.UpdateTaskStatus(ctx, task.ID, models.TaskSucceeded); err != nil {
		return false, err
	}
	_ = o.bus.Publish(ctx, events.NewEvent(events.EventProvisioningSucceeded, task.SubscriptionID.String(), map[string]interface{}{"task_id": task.ID.String()}))
	return false, nil
}

func (o *Orchestrator) resolveServer(ctx context.Context, task *models.ProvisioningTask) (*models.Server, error) {
	if task.ServerID != nil {
		return o.domainStore.GetServer(ctx, *task.ServerID)
	}
	server, err := o.allocator.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.taskStore.AssignServer(ctx, task.ID, server.ID); err != nil {
		return nil, err
	}
	return server, nil
}

// deadLetter marks the task dead-lettered and returns dead=true so the
// caller dead-letters (rather than retries) the enclosing job.
func (o *Orchestrator) deadLetter(ctx context.Context, task *models.ProvisioningTask, reason string) (bool, error) {
	if err := o.taskStore.UpdateTaskStatus(ctx, task.ID, models.TaskDeadLettered); err != nil {
		return false, err
	}
	o.logger.Error("provisioning task dead-lettered",
		zap.String("task_id", task.ID.String()),
		zap.String("reason", reason),
	)
	_ = o.bus.Publish(ctx, events.NewEvent(events.EventProvisioningDeadLettered, task.SubscriptionID.String(), map[string]interface{}{
		"task_id": task.ID.String(),
		"reason":  reason,
	}))
	return true, nil
}

// executeStep dispatches a single step to its adapter, passing idemKey
// through so a retried attempt at the same step is recognized by the
// adapter rather than reapplied. tempPassword is the cleartext credential
// generated once at checkout completion; it is reused verbatim for the
// hosting account login and the welcome email so the customer is told the
// password that actually unlocks their account.
func (o *Orchestrator) executeStep(ctx context.Context, taskID uuid.UUID, sub *models.Subscription, customer *models.Customer, server *models.Server, step models.ProvisioningStepKind, tempPassword, idemKey string) error {
	username := accountUsername(sub.PrimaryDomain, sub.ID)

	switch step {
	case models.StepAccount:
		hostingAdapter, err := o.hosting.For(server.ControlPanelKind)
		if err != nil {
			return err
		}
		result, err := hostingAdapter.CreateAccount(ctx, server, adapters.AccountRequest{
			Username: username, Domain: sub.PrimaryDomain, PlanID: sub.PlanID, TempPassword: tempPassword,
		}, idemKey)
		if err != nil {
			return err
		}
		_, err = o.domainStore.CreateWebsite(ctx, sub.Tenant, sub.ID, sub.CustomerID, server.ID, sub.PrimaryDomain, username, result.RemoteAccountID, result.DocumentRoot)
		if err != nil {
			return err
		}
		return nil

	case models.StepDNS:
		website, err := o.domainStore.GetWebsiteBySubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		zone, err := o.dns.CreateZone(ctx, sub.PrimaryDomain, server.DefaultNameservers, idemKey)
		if err != nil {
			return err
		}
		if err := o.dns.AddRecord(ctx, zone.ZoneID, adapters.DNSRecord{Type: adapters.DNSRecordA, Name: "@", Content: server.IPAddress, TTL: 3600}, idemKey); err != nil {
			return err
		}
		return o.domainStore.UpdateWebsiteDNSZone(ctx, website.ID, zone.ZoneID)

	case models.StepSSL:
		website, err := o.domainStore.GetWebsiteBySubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		result, err := o.cert.IssueCertificate(ctx, adapters.CertificateRequest{Domain: sub.PrimaryDomain, ContactEmail: customer.Email}, idemKey)
		if err != nil {
			return err
		}
		return o.domainStore.UpdateWebsiteSSLExpiry(ctx, website.ID, result.CertID, result.NotAfter)

	case models.StepEmail:
		website, err := o.domainStore.GetWebsiteBySubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		mailboxPassword := generateTempPassword()
		passwordHash, err := bcrypt.GenerateFromPassword([]byte(mailboxPassword), bcrypt.DefaultCost)
		if err != nil {
			return errs.New(errs.Validation, "provisioning.executeStep", err)
		}
		result, err := o.mail.CreateMailbox(ctx, adapters.MailboxRequest{
			Address: mailboxAddress(username, sub.PrimaryDomain), PasswordHash: string(passwordHash), QuotaMB: defaultMailboxQuotaMB,
		}, idemKey)
		if err != nil {
			return err
		}
		return o.domainStore.UpdateWebsiteMailbox(ctx, website.ID, result.MailboxID)

	case models.StepDatabase:
		website, err := o.domainStore.GetWebsiteBySubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		dbName := databaseName(sub.ID)
		if _, err := o.dbEngine.CreateDatabase(ctx, adapters.DatabaseRequest{
			Name: dbName, Owner: username, Password: generateTempPassword(),
		}, idemKey); err != nil {
			return err
		}
		return o.domainStore.UpdateWebsiteDatabase(ctx, website.ID, dbName)

	case models.StepNotify:
		return o.notify.SendWelcome(ctx, adapters.WelcomeEmail{
			ToEmail: customer.Email, CustomerName: customer.Email, Domain: sub.PrimaryDomain,
			TempPassword: tempPassword, ControlPanelURL: controlPanelURL(server), Nameservers: server.DefaultNameservers,
		}, idemKey)

	default:
		return fmt.Errorf("unknown step kind %q", step)
	}
}

// compensate runs best-effort reverse-order cleanup for every step that
// succeeded before a Fatal failure. Failures here are logged, not returned:
// compensation is best-effort by spec, and the task is already being
// dead-lettered regardless of whether cleanup fully succeeds. Each
// compensating call carries the same idemKey its forward step would have
// used, so a retried compensation is itself recognized by the adapter.
func (o *Orchestrator) compensate(ctx context.Context, taskID uuid.UUID, sub *models.Subscription, server *models.Server, completed []models.ProvisioningStepKind) {
	website, err := o.domainStore.GetWebsiteBySubscription(ctx, sub.ID)
	if err != nil {
		website = nil
	}

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		idemKey := stepIdemKey(taskID, step)
		var err error
		switch step {
		case models.StepAccount:
			if hostingAdapter, adapterErr := o.hosting.For(server.ControlPanelKind); adapterErr == nil {
				var remoteAccountID string
				if website != nil {
					remoteAccountID = website.RemoteAccountID
				}
				err = hostingAdapter.DeleteAccount(ctx, server, remoteAccountID, idemKey)
				if err == nil {
					if releaseErr := o.allocator.Release(ctx, server.ID); releaseErr != nil {
						o.logger.Warn("failed to release server capacity during compensation",
							zap.String("server_id", server.ID.String()), zap.Error(releaseErr))
					}
				}
			}
		case models.StepDNS:
			if website != nil && website.DNSZoneID != "" {
				err = o.dns.DeleteZone(ctx, website.DNSZoneID, idemKey)
			}
		case models.StepSSL:
			if website != nil && website.SSLCertID != "" {
				err = o.cert.RevokeCertificate(ctx, website.SSLCertID, idemKey)
			}
		case models.StepEmail:
			if website != nil && website.DefaultMailbox != "" {
				err = o.mail.DeleteMailbox(ctx, website.DefaultMailbox, idemKey)
			}
		case models.StepDatabase:
			if website != nil && website.DefaultDatabase != "" {
				err = o.dbEngine.DropDatabase(ctx, website.DefaultDatabase, idemKey)
			}
		case models.StepNotify:
			// no compensating action: the welcome email cannot be unsent.
		}
		if err != nil {
			o.logger.Warn("compensation step failed", zap.String("step", string(step)), zap.Error(err))
		}
	}
}

// controlPanelURL derives the customer-facing control panel address from
// the server's own hostname; there is no separate control-panel-URL field
// on the hosting adapter's account result because every supported panel
// kind is reached through the server's own host.
func controlPanelURL(server *models.Server) string {
	return "https://" + server.Hostname + ":2083"
}

// mailboxAddress builds the account's default mailbox address from the
// hosting username, which is already unique per subscription.
func mailboxAddress(username, domain string) string {
	return username + "@" + domain
}

// acquireSubscriptionLock takes a Postgres advisory lock keyed on the
// task's subscription, ensuring at most one orchestrator run drives a given
// subscription's task at a time even across worker processes.
func (o *Orchestrator) acquireSubscriptionLock(ctx context.Context, taskID uuid.UUID) (func(), error) {
	task, err := o.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	key := advisoryLockKey(task.SubscriptionID)

	conn, err := o.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "provisioning.acquireSubscriptionLock", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, errs.New(errs.StorageUnavailable, "provisioning.acquireSubscriptionLock", err)
	}

	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, nil
}

func advisoryLockKey(subscriptionID uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write(subscriptionID[:])
	return int64(h.Sum64())
}

// stepIdemKey is the idempotency key an adapter may use to recognize a
// retried attempt at the same step: hash(taskId, step-kind, "v1").
func stepIdemKey(taskID uuid.UUID, step models.ProvisioningStepKind) string {
	sum := sha256.Sum256([]byte(taskID.String() + ":" + string(step) + ":v1"))
	return hex.EncodeToString(sum[:])
}

// accountUsername derives the hosting-panel login from the domain's primary
// label: lowercase alphanumeric characters only, truncated to 8, suffixed
// with a 4-char counter scoped to the subscription so two subscriptions
// sharing an indistinguishable primary label never collide on one server.
func accountUsername(domain string, subscriptionID uuid.UUID) string {
	label := domain
	if i := strings.IndexByte(domain, '.'); i >= 0 {
		label = domain[:i]
	}

	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	prefix := b.String()
	if prefix == "" {
		prefix = "acct"
	}

	h := fnv.New32a()
	_, _ = h.Write(subscriptionID[:])
	counter := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte{
		byte(h.Sum32()), byte(h.Sum32() >> 8),
	})
	counter = strings.ToLower(counter)
	if len(counter) > 4 {
		counter = counter[:4]
	}

	return prefix + counter
}

func databaseName(subscriptionID uuid.UUID) string {
	sum := sha256.Sum256(subscriptionID[:])
	return "db_" + strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:8]))
}

func generateTempPassword() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}
