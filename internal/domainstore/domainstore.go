// Package domainstore implements M3: plain CRUD persistence for the core
// billing/hosting entities (Checkout Session, Customer, User Credential,
// Subscription, Server, Website), grounded on the corpus's pgxpool wrapper
// conventions. Every entity is scoped to a tenant; Customer uniqueness in
// particular is (tenant, email), not a single global email space.
package domainstore

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/control-plane/internal/errs"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store provides CRUD access to the domain tables. The Tx-suffixed methods
// (and GetCheckoutSessionByExternalID) take a caller-supplied querier such as
// a pgx.Tx so the webhook handler can compose several writes into one
// transaction; the other methods run on the pool directly.
type Store struct {
	db *database.Database
}

func New(db *database.Database) *Store { return &Store{db: db} }

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.Pool.Begin(ctx)
}

// GetCheckoutSessionByExternalID locates the session the webhook's event
// refers to.
func (s *Store) GetCheckoutSessionByExternalID(ctx context.Context, q querier, externalID string) (*models.CheckoutSession, error) {
	var cs models.CheckoutSession
	err := q.QueryRow(ctx, `
		SELECT id, tenant, external_session_id, customer_email, primary_domain, plan_id, status, created_at, updated_at, completed_at
		FROM checkout_sessions WHERE external_session_id = $1
	`, externalID).Scan(&cs.ID, &cs.Tenant, &cs.ExternalSessionID, &cs.CustomerEmail, &cs.PrimaryDomain, &cs.PlanID, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt, &cs.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.ConstraintViolation, "domainstore.GetCheckoutSessionByExternalID", err)
	}
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.GetCheckoutSessionByExternalID", err)
	}
	return &cs, nil
}

// GetCustomer fetches a customer by id, used by the orchestrator's notify
// step to address the welcome email to the customer rather than the
// domain being provisioned.
func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var c models.Customer
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, tenant, email, external_customer_id, created_at, updated_at
		FROM customers WHERE id = $1
	`, id).Scan(&c.ID, &c.Tenant, &c.Email, &c.ExternalCustomerID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.ConstraintViolation, "domainstore.GetCustomer", err)
	}
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.GetCustomer", err)
	}
	return &c, nil
}

// CompleteCheckoutSessionTx transitions a session to completed.
func (s *Store) CompleteCheckoutSessionTx(ctx context.Context, q querier, id uuid.UUID, now time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE checkout_sessions SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3
	`, models.CheckoutSessionCompleted, now, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.CompleteCheckoutSession", err)
	}
	return nil
}

// UpsertCustomerTx inserts a customer scoped to tenant, or returns the
// existing row if one already exists for (tenant, email) — a returning
// customer completing a second checkout under the same tenant.
func (s *Store) UpsertCustomerTx(ctx context.Context, q querier, tenant, externalCustomerID, email string, now time.Time) (*models.Customer, error) {
	var c models.Customer
	err := q.QueryRow(ctx, `
		INSERT INTO customers (id, tenant, email, external_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (tenant, email) DO UPDATE SET external_customer_id = EXCLUDED.external_customer_id, updated_at = $5
		RETURNING id, tenant, email, external_customer_id, created_at, updated_at
	`, uuid.New(), tenant, email, externalCustomerID, now).Scan(&c.ID, &c.Tenant, &c.Email, &c.ExternalCustomerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.UpsertCustomer", err)
	}
	return &c, nil
}

// CreateUserCredentialTx inserts the one-time generated credential.
func (s *Store) CreateUserCredentialTx(ctx context.Context, q querier, customerID uuid.UUID, username, passwordHash string, now time.Time) (*models.UserCredential, error) {
	cred := models.UserCredential{
		ID: uuid.New(), CustomerID: customerID, Username: username,
		PasswordHash: passwordHash, MustRotate: true, CreatedAt: now,
	}
	_, err := q.Exec(ctx, `
		INSERT INTO user_credentials (id, customer_id, username, password_hash, must_rotate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cred.ID, cred.CustomerID, cred.Username, cred.PasswordHash, cred.MustRotate, cred.CreatedAt)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.CreateUserCredential", err)
	}
	return &cred, nil
}

// CreateSubscriptionTx inserts a pending subscription for the new customer,
// scoped to the same tenant as the checkout session it came from.
func (s *Store) CreateSubscriptionTx(ctx context.Context, q querier, tenant string, customerID uuid.UUID, externalSubscriptionID, planID, primaryDomain string, periodEnd, now time.Time) (*models.Subscription, error) {
	sub := models.Subscription{
		ID: uuid.New(), Tenant: tenant, CustomerID: customerID, ExternalSubscriptionID: externalSubscriptionID,
		PlanID: planID, PrimaryDomain: primaryDomain, Status: models.SubscriptionPending, CurrentPeriodEnd: periodEnd,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err := q.Exec(ctx, `
		INSERT INTO subscriptions (id, tenant, customer_id, external_subscription_id, plan_id, primary_domain, status, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, sub.ID, sub.Tenant, sub.CustomerID, sub.ExternalSubscriptionID, sub.PlanID, sub.PrimaryDomain, sub.Status, sub.CurrentPeriodEnd, sub.CreatedAt)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.CreateSubscription", err)
	}
	return &sub, nil
}

// UpdateSubscriptionStatus transitions a subscription and records the
// activity log entry in the same call so the two never drift apart.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, from, to models.SubscriptionStatus, actor string) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.UpdateSubscriptionStatus", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	_, err = tx.Exec(ctx, `UPDATE subscriptions SET status = $1, updated_at = $2 WHERE id = $3`, to, now, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.UpdateSubscriptionStatus", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO activity_log (id, subject_type, subject_id, actor, action, from_status, to_status, created_at)
		VALUES ($1, 'subscription', $2, $3, 'status_transition', $4, $5, $6)
	`, uuid.New(), id, actor, string(from), string(to), now)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.UpdateSubscriptionStatus", err)
	}

	return tx.Commit(ctx)
}

// AdvanceBillingPeriod pushes a subscription's current_period_end forward by
// one billing period once its recurring invoice is confirmed paid.
func (s *Store) AdvanceBillingPeriod(ctx context.Context, id uuid.UUID, period time.Duration) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE subscriptions SET current_period_end = current_period_end + $1, updated_at = $2 WHERE id = $3
	`, period, time.Now(), id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.AdvanceBillingPeriod", err)
	}
	return nil
}

// GetSubscription fetches a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, tenant, customer_id, external_subscription_id, plan_id, primary_domain, status, current_period_end, created_at, updated_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(&sub.ID, &sub.Tenant, &sub.CustomerID, &sub.ExternalSubscriptionID, &sub.PlanID, &sub.PrimaryDomain, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.GetSubscription", err)
	}
	return &sub, nil
}

// ListSubscriptionsDueForBilling returns subscriptions whose current period
// ends within leadTime of now, for the recurring-billing sweep.
func (s *Store) ListSubscriptionsDueForBilling(ctx context.Context, leadTime time.Duration, now time.Time) ([]*models.Subscription, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, tenant, customer_id, external_subscription_id, plan_id, primary_domain, status, current_period_end, created_at, updated_at
		FROM subscriptions
		WHERE status = $1 AND current_period_end <= $2
	`, models.SubscriptionActive, now.Add(leadTime))
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.ListSubscriptionsDueForBilling", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.ID, &sub.Tenant, &sub.CustomerID, &sub.ExternalSubscriptionID, &sub.PlanID, &sub.PrimaryDomain, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "domainstore.ListSubscriptionsDueForBilling", err)
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

// ListPastDueSubscriptions returns subscriptions past due beyond grace, for
// the suspension sweep.
func (s *Store) ListPastDueSubscriptions(ctx context.Context, graceCutoff time.Time) ([]*models.Subscription, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, tenant, customer_id, external_subscription_id, plan_id, primary_domain, status, current_period_end, created_at, updated_at
		FROM subscriptions
		WHERE status = $1 AND current_period_end <= $2
	`, models.SubscriptionPastDue, graceCutoff)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.ListPastDueSubscriptions", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.ID, &sub.Tenant, &sub.CustomerID, &sub.ExternalSubscriptionID, &sub.PlanID, &sub.PrimaryDomain, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, errs.New(errs.StorageUnavailable, "domainstore.ListPastDueSubscriptions", err)
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

// websiteColumns is the column list shared by every Website SELECT, so the
// scan targets below never drift out of sync with each other.
const websiteColumns = `id, tenant, subscription_id, customer_id, server_id, primary_domain, username, remote_account_id,
	document_root, dns_zone_id, ssl_cert_id, default_mailbox, default_database, status, ssl_expires_at, created_at, updated_at`

func scanWebsite(row pgx.Row) (*models.Website, error) {
	var w models.Website
	err := row.Scan(&w.ID, &w.Tenant, &w.SubscriptionID, &w.CustomerID, &w.ServerID, &w.PrimaryDomain, &w.Username, &w.RemoteAccountID,
		&w.DocumentRoot, &w.DNSZoneID, &w.SSLCertID, &w.DefaultMailbox, &w.DefaultDatabase, &w.Status, &w.SSLExpiresAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWebsite persists the durable record of what account provisioning
// actually created, once the account step succeeds. remoteAccountID is the
// hosting adapter's own identifier for the account, needed later by the
// suspension sweep and by compensation to address the exact remote resource.
// documentRoot is whatever the hosting adapter reports back for the
// account's web root.
func (s *Store) CreateWebsite(ctx context.Context, tenant string, subscriptionID, customerID, serverID uuid.UUID, primaryDomain, username, remoteAccountID, documentRoot string) (*models.Website, error) {
	now := time.Now()
	w := models.Website{
		ID: uuid.New(), Tenant: tenant, SubscriptionID: subscriptionID, CustomerID: customerID, ServerID: serverID,
		PrimaryDomain: primaryDomain, Username: username, RemoteAccountID: remoteAccountID, DocumentRoot: documentRoot,
		Status: models.WebsiteActive, CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO websites (id, tenant, subscription_id, customer_id, server_id, primary_domain, username, remote_account_id, document_root, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (subscription_id) DO NOTHING
	`, w.ID, w.Tenant, w.SubscriptionID, w.CustomerID, w.ServerID, w.PrimaryDomain, w.Username, w.RemoteAccountID, w.DocumentRoot, w.Status, w.CreatedAt)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.CreateWebsite", err)
	}
	return &w, nil
}

// GetWebsiteBySubscription fetches the website a subscription provisioned.
func (s *Store) GetWebsiteBySubscription(ctx context.Context, subscriptionID uuid.UUID) (*models.Website, error) {
	w, err := scanWebsite(s.db.Pool.QueryRow(ctx, `SELECT `+websiteColumns+` FROM websites WHERE subscription_id = $1`, subscriptionID))
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.GetWebsiteBySubscription", err)
	}
	return w, nil
}

// GetWebsite fetches a website by its own id, used by the backup-cleanup
// worker which only has the website id on its job payload.
func (s *Store) GetWebsite(ctx context.Context, id uuid.UUID) (*models.Website, error) {
	w, err := scanWebsite(s.db.Pool.QueryRow(ctx, `SELECT `+websiteColumns+` FROM websites WHERE id = $1`, id))
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.GetWebsite", err)
	}
	return w, nil
}

// SuspendWebsite marks a website suspended and logs the transition.
func (s *Store) SuspendWebsite(ctx context.Context, id uuid.UUID, actor string) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.SuspendWebsite", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	_, err = tx.Exec(ctx, `UPDATE websites SET status = $1, updated_at = $2 WHERE id = $3`, models.WebsiteSuspended, now, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.SuspendWebsite", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO activity_log (id, subject_type, subject_id, actor, action, from_status, to_status, created_at)
		VALUES ($1, 'website', $2, $3, 'suspended', $4, $5, $6)
	`, uuid.New(), id, actor, string(models.WebsiteActive), string(models.WebsiteSuspended), now)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.SuspendWebsite", err)
	}
	return tx.Commit(ctx)
}

// GetServer fetches a server by id, used by the orchestrator to resolve the
// server a task was assigned to before dispatching adapter calls.
func (s *Store) GetServer(ctx context.Context, id uuid.UUID) (*models.Server, error) {
	var srv models.Server
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, tenant, hostname, ip_address, control_panel_kind, admin_token_cipher, status, max_accounts, current_accounts, default_nameservers, created_at, updated_at
		FROM servers WHERE id = $1
	`, id).Scan(&srv.ID, &srv.Tenant, &srv.Hostname, &srv.IPAddress, &srv.ControlPanelKind, &srv.AdminTokenCipher, &srv.Status, &srv.MaxAccounts, &srv.CurrentAccounts, &srv.DefaultNameservers, &srv.CreatedAt, &srv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.ConstraintViolation, "domainstore.GetServer", err)
	}
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.GetServer", err)
	}
	return &srv, nil
}

// UpdateWebsiteSSLExpiry records the certificate id and expiry the SSL step
// obtained, consumed later by the SSL-renewal-reminder sweep and by
// compensation's certificate revocation to address the right remote resource.
func (s *Store) UpdateWebsiteSSLExpiry(ctx context.Context, websiteID uuid.UUID, certID string, expiresAt time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE websites SET ssl_cert_id = $1, ssl_expires_at = $2, updated_at = $3 WHERE id = $4
	`, certID, expiresAt, time.Now(), websiteID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.UpdateWebsiteSSLExpiry", err)
	}
	return nil
}

// UpdateWebsiteDNSZone records the DNS provider's zone id once the DNS step
// creates it, so later steps (and zone teardown during compensation) address
// the zone by id instead of re-deriving it from the domain.
func (s *Store) UpdateWebsiteDNSZone(ctx context.Context, websiteID uuid.UUID, zoneID string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE websites SET dns_zone_id = $1, updated_at = $2 WHERE id = $3
	`, zoneID, time.Now(), websiteID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.UpdateWebsiteDNSZone", err)
	}
	return nil
}

// UpdateWebsiteMailbox records the mail provider's mailbox id the email step
// created.
func (s *Store) UpdateWebsiteMailbox(ctx context.Context, websiteID uuid.UUID, mailboxID string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE websites SET default_mailbox = $1, updated_at = $2 WHERE id = $3
	`, mailboxID, time.Now(), websiteID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.UpdateWebsiteMailbox", err)
	}
	return nil
}

// UpdateWebsiteDatabase records the database name the database step
// provisioned.
func (s *Store) UpdateWebsiteDatabase(ctx context.Context, websiteID uuid.UUID, databaseName string) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE websites SET default_database = $1, updated_at = $2 WHERE id = $3
	`, databaseName, time.Now(), websiteID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.UpdateWebsiteDatabase", err)
	}
	return nil
}

// DeleteWebsite marks a website deleted, the terminal state the
// backup-cleanup sweep later reaps.
func (s *Store) DeleteWebsite(ctx context.Context, id uuid.UUID, actor string) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.DeleteWebsite", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	_, err = tx.Exec(ctx, `UPDATE websites SET status = $1, updated_at = $2 WHERE id = $3`, models.WebsiteDeleted, now, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.DeleteWebsite", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO activity_log (id, subject_type, subject_id, actor, action, from_status, to_status, created_at)
		VALUES ($1, 'website', $2, $3, 'deleted', $4, $5, $6)
	`, uuid.New(), id, actor, string(models.WebsiteActive), string(models.WebsiteDeleted), now)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.DeleteWebsite", err)
	}
	return tx.Commit(ctx)
}

// PurgeWebsite removes a website row for good, once the backup-cleanup
// sweep's retention window has elapsed past DeleteWebsite's soft delete and
// the adapter-side backup data has been terminated. This is the only hard
// delete in the store; every other mutation is a status transition logged
// to activity_log.
func (s *Store) PurgeWebsite(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM websites WHERE id = $1`, id)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "domainstore.PurgeWebsite", err)
	}
	return nil
}

// ListWebsitesWithSSLExpiringBefore supports the SSL-renewal-reminder sweep.
func (s *Store) ListWebsitesWithSSLExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.Website, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+websiteColumns+` FROM websites WHERE status = $1 AND ssl_expires_at IS NOT NULL AND ssl_expires_at <= $2`, models.WebsiteActive, cutoff)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.ListWebsitesWithSSLExpiringBefore", err)
	}
	defer rows.Close()

	var sites []*models.Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, errs.New(errs.StorageUnavailable, "domainstore.ListWebsitesWithSSLExpiringBefore", err)
		}
		sites = append(sites, w)
	}
	return sites, nil
}

// ListDeletedWebsitesOlderThan supports the backup-cleanup sweep.
func (s *Store) ListDeletedWebsitesOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Website, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+websiteColumns+` FROM websites WHERE status = $1 AND updated_at <= $2`, models.WebsiteDeleted, cutoff)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "domainstore.ListDeletedWebsitesOlderThan", err)
	}
	defer rows.Close()

	var sites []*models.Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, errs.New(errs.StorageUnavailable, "domainstore.ListDeletedWebsitesOlderThan", err)
		}
		sites = append(sites, w)
	}
	return sites, nil
}
