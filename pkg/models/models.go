// Package models holds the domain entities shared across storage, the
// provisioning orchestrator, and the HTTP surfaces.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ControlPanelKind selects which hosting account adapter a Server speaks to.
// Dispatch is static: a Server is created with one kind and never switches
// at runtime.
type ControlPanelKind string

const (
	ControlPanelCPanel      ControlPanelKind = "cpanel"
	ControlPanelPlesk       ControlPanelKind = "plesk"
	ControlPanelDirectAdmin ControlPanelKind = "directadmin"
	ControlPanelNative      ControlPanelKind = "native"
)

// CheckoutSessionStatus tracks a checkout session through the payment flow.
type CheckoutSessionStatus string

const (
	CheckoutSessionPending   CheckoutSessionStatus = "pending"
	CheckoutSessionCompleted CheckoutSessionStatus = "completed"
	CheckoutSessionExpired   CheckoutSessionStatus = "expired"
)

// CheckoutSession is created before payment and located by the webhook
// handler via the provider's checkout/session identifier. Tenant is the
// reseller or operator this session belongs to; every record it gives rise
// to (Customer, Subscription, ProvisioningTask, Website) inherits it.
type CheckoutSession struct {
	ID                uuid.UUID
	Tenant            string
	ExternalSessionID string
	CustomerEmail     string
	PrimaryDomain     string
	PlanID            string
	Status            CheckoutSessionStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Customer is the billing-facing identity; one Customer may hold several
// Subscriptions over time. Uniqueness is scoped to (Tenant, Email): the same
// email address may be a distinct customer under two different tenants.
type Customer struct {
	ID                 uuid.UUID
	Tenant             string
	Email              string
	ExternalCustomerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserCredential is created once, at checkout completion, with a generated
// temporary password the customer is expected to rotate. The hash is never
// logged and the plaintext is discarded after the welcome email is sent.
type UserCredential struct {
	ID           uuid.UUID
	CustomerID   uuid.UUID
	Username     string
	PasswordHash string
	MustRotate   bool
	CreatedAt    time.Time
}

// SubscriptionStatus mirrors the lifecycle a Subscription moves through as
// payment events and sweeps act on it.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCanceled  SubscriptionStatus = "canceled"
)

// Subscription binds a Customer to a plan and, once provisioning succeeds,
// to a Website and the Server hosting it.
type Subscription struct {
	ID                     uuid.UUID
	Tenant                 string
	CustomerID             uuid.UUID
	ExternalSubscriptionID string
	PlanID                 string
	PrimaryDomain          string
	Status                 SubscriptionStatus
	CurrentPeriodEnd       time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ServerStatus marks whether a Server may still receive new accounts.
type ServerStatus string

const (
	ServerActive      ServerStatus = "active"
	ServerDraining    ServerStatus = "draining"
	ServerMaintenance ServerStatus = "maintenance"
)

// Server is a hosting node the capacity allocator schedules new accounts
// onto. MaxAccounts is required; a Server with CurrentAccounts == MaxAccounts
// is skipped by the allocator rather than overflowed. Tenant scopes which
// tenant's accounts this server may receive; a server is never shared across
// tenants. DefaultNameservers is handed to the DNS adapter's CreateZone call
// for every website this server hosts.
type Server struct {
	ID                 uuid.UUID
	Tenant             string
	Hostname           string
	IPAddress          string
	ControlPanelKind   ControlPanelKind
	AdminTokenCipher   []byte // AES-256-GCM ciphertext, see internal/secrets
	Status             ServerStatus
	MaxAccounts        int
	CurrentAccounts    int
	DefaultNameservers []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasSpareCapacity reports whether the allocator may still place a new
// account on this server.
func (s *Server) HasSpareCapacity() bool {
	return s.Status == ServerActive && s.CurrentAccounts < s.MaxAccounts
}

// ProvisioningStepKind enumerates the fixed six-step workflow. Order is
// significant: it is both the execution order and, reversed, the
// compensation order.
type ProvisioningStepKind string

const (
	StepAccount  ProvisioningStepKind = "account"
	StepDNS      ProvisioningStepKind = "dns"
	StepSSL      ProvisioningStepKind = "ssl"
	StepEmail    ProvisioningStepKind = "email"
	StepDatabase ProvisioningStepKind = "database"
	StepNotify   ProvisioningStepKind = "notify"
)

// ProvisioningSteps is the fixed, ordered workflow every task executes.
var ProvisioningSteps = []ProvisioningStepKind{
	StepAccount, StepDNS, StepSSL, StepEmail, StepDatabase, StepNotify,
}

// ProvisioningTaskStatus tracks the overall task, independent of individual
// step outcomes.
type ProvisioningTaskStatus string

const (
	TaskPending      ProvisioningTaskStatus = "pending"
	TaskRunning      ProvisioningTaskStatus = "running"
	TaskSucceeded    ProvisioningTaskStatus = "succeeded"
	TaskFailed       ProvisioningTaskStatus = "failed"
	TaskDeadLettered ProvisioningTaskStatus = "dead_lettered"
)

// ProvisioningTask is the unit of work the orchestrator drives to
// completion. At most one task may be Running for a given SubscriptionID at
// a time (enforced by a Postgres advisory lock keyed on the subscription).
type ProvisioningTask struct {
	ID             uuid.UUID
	Tenant         string
	SubscriptionID uuid.UUID
	ServerID       *uuid.UUID // assigned by the capacity allocator on first run
	Status         ProvisioningTaskStatus
	Attempt        int
	DeadlineAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepRecordStatus is the outcome of a single step execution.
type StepRecordStatus string

const (
	StepSucceeded   StepRecordStatus = "succeeded"
	StepFailedRetry StepRecordStatus = "failed_retryable"
	StepFailedFatal StepRecordStatus = "failed_fatal"
)

// StepRecord is an append-only log entry: the orchestrator never mutates a
// prior record, it appends a new one on every attempt. Replaying a task
// skips any StepKind whose most recent record is StepSucceeded.
type StepRecord struct {
	ID          uuid.UUID
	TaskID      uuid.UUID
	StepKind    ProvisioningStepKind
	Status      StepRecordStatus
	IdemKey     string
	Detail      string
	AttemptedAt time.Time
}

// WebsiteStatus reflects suspension/active state independent of the
// subscription's billing status, since suspension and reactivation act on
// the Website row directly.
type WebsiteStatus string

const (
	WebsiteActive    WebsiteStatus = "active"
	WebsiteSuspended WebsiteStatus = "suspended"
	WebsiteDeleted   WebsiteStatus = "deleted"
)

// Website is created once the account step succeeds; it is the durable
// record of what was actually provisioned, and the subject of suspension,
// SSL-renewal reminders, and backup cleanup sweeps. DNSZoneID and
// SSLCertID are the remote identifiers compensation (certificate revocation,
// DNS teardown) addresses the provider's resource by, rather than re-deriving it
// from the domain.
type Website struct {
	ID              uuid.UUID
	Tenant          string
	SubscriptionID  uuid.UUID
	CustomerID      uuid.UUID
	ServerID        uuid.UUID
	PrimaryDomain   string
	Username        string
	RemoteAccountID string
	DocumentRoot    string
	DNSZoneID       string
	SSLCertID       string
	DefaultMailbox  string
	DefaultDatabase string
	Status          WebsiteStatus
	SSLExpiresAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// QueueName identifies one of the fixed job queues.
type QueueName string

const (
	QueueProvisioning QueueName = "provisioning"
	QueueEmails       QueueName = "emails"
	QueueInvoices     QueueName = "invoices"
	QueueBackups      QueueName = "backups"
)

// JobStatus is the lifecycle of a single queued job.
type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobReserved     JobStatus = "reserved"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
)

// Job is a durable unit of queue work. EligibleAt governs both initial
// scheduling and backoff delay between attempts; ReservedUntil is the lease
// a claiming worker holds and must Extend for long-running work.
type Job struct {
	ID            uuid.UUID
	Queue         QueueName
	Payload       []byte // JSON
	Priority      int
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	EligibleAt    time.Time
	ReservedUntil *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdempotencyRecord backs the L1 idempotency store: a (Scope, ExternalKey)
// pair that has already been processed, with the result hash recorded so a
// retried caller can be told "already done" without redoing the work.
type IdempotencyRecord struct {
	Scope       string
	ExternalKey string
	ResultHash  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ActivityLogEntry is an append-only audit row written on every state
// transition of a Subscription, ProvisioningTask, or Server, so an operator
// using the Task Control API can see why something is in its current state.
type ActivityLogEntry struct {
	ID          uuid.UUID
	Tenant      string
	SubjectType string // "subscription" | "provisioning_task" | "server"
	SubjectID   uuid.UUID
	Actor       string // "system" | "operator:<token-fingerprint>"
	Action      string
	FromStatus  string
	ToStatus    string
	CreatedAt   time.Time
}
