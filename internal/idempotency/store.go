// Package idempotency implements the L1 idempotency store: a durable record
// of (scope, external-key) pairs that have already been processed, so a
// retried caller — a replayed webhook, a re-fired sweep tick — is told
// "already done" instead of redoing side effects.
//
// Concurrent callers racing on the same (scope, key) are serialized by a
// Postgres unique constraint on idempotency_records(scope, external_key):
// the loser of the placeholder INSERT ON CONFLICT simply reads back the
// winner's row rather than retrying the side effect itself. This mirrors
// the reserve/finalize dance in the corpus's own webhook dedupe logic, but
// moves the source of truth from a best-effort Redis SETNX into the same
// transactional store as the domain rows it protects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/crosslogic/control-plane/internal/errs"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/jackc/pgx/v5"
)

// ErrAlreadyProcessed is not returned by Produce, which reports an existing
// record through Result.Existed instead; nothing in this module returns it.
var ErrAlreadyProcessed = errors.New("idempotency: already processed")

// Store is the L1 idempotency store, backed by Postgres.
type Store struct {
	db *database.Database
}

// NewStore constructs a Store.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

// Result is what a prior Produce call recorded.
type Result struct {
	Hash    string
	Existed bool
}

// Produce runs fn at most once per (scope, externalKey) within ttl. If a
// record already exists (even from a concurrent caller that is still
// running fn, thanks to the row lock taken below), fn is not called and the
// previously recorded hash is returned. Exactly one caller's fn return value
// is durably recorded; everyone else observes that single outcome.
func (s *Store) Produce(ctx context.Context, scope, externalKey string, ttl time.Duration, fn func(ctx context.Context) (interface{}, error)) (Result, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return Result{}, errs.New(errs.StorageUnavailable, "idempotency.Produce", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	expiresAt := now.Add(ttl)

	var existingHash string
	err = tx.QueryRow(ctx, `
		SELECT result_hash FROM idempotency_records
		WHERE scope = $1 AND external_key = $2 AND expires_at > $3
		FOR UPDATE
	`, scope, externalKey, now).Scan(&existingHash)

	if err == nil {
		// Already processed (or another caller is mid-flight and holds the
		// row lock until it commits/rolls back) — this caller blocks on the
		// FOR UPDATE above until that resolves, then observes the row.
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return Result{}, errs.New(errs.StorageUnavailable, "idempotency.Produce", commitErr)
		}
		return Result{Hash: existingHash, Existed: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, errs.New(errs.StorageUnavailable, "idempotency.Produce", err)
	}

	// No live record yet. Insert a placeholder (or take over an expired one)
	// first so a concurrent caller blocks on our row lock rather than also
	// calling fn.
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_records (scope, external_key, result_hash, created_at, expires_at)
		VALUES ($1, $2, '', $3, $4)
		ON CONFLICT (scope, external_key) DO UPDATE
		SET result_hash = '', created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
	`, scope, externalKey, now, expiresAt)
	if err != nil {
		return Result{}, errs.New(errs.StorageUnavailable, "idempotency.Produce", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent caller inserted a live record first and has committed:
		// observe its outcome instead of calling fn.
		if err := tx.QueryRow(ctx, `
			SELECT result_hash FROM idempotency_records WHERE scope = $1 AND external_key = $2
		`, scope, externalKey).Scan(&existingHash); err != nil {
			return Result{}, errs.New(errs.StorageUnavailable, "idempotency.Produce", err)
		}
		return Result{Hash: existingHash, Existed: true}, nil
	}

	value, fnErr := fn(ctx)
	if fnErr != nil {
		// Don't record a failed attempt as processed; a retry should try
		// again. Roll back the placeholder insert too.
		return Result{}, fnErr
	}

	hash := hashValue(value)
	_, err = tx.Exec(ctx, `
		UPDATE idempotency_records SET result_hash = $1 WHERE scope = $2 AND external_key = $3
	`, hash, scope, externalKey)
	if err != nil {
		return Result{}, errs.New(errs.StorageUnavailable, "idempotency.Produce", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, errs.New(errs.StorageUnavailable, "idempotency.Produce", err)
	}
	return Result{Hash: hash, Existed: false}, nil
}

// Forget deletes a single record by its exact scope and key. It is exposed
// as its own Task Control API operation, separate from task replay: a task
// replay never calls Forget (it only resets the task and its queued job),
// since the checkout or sweep tick that originally produced the task has
// already committed its side effects. Forget exists for the rarer case
// where an operator needs that original event reprocessed from scratch.
func (s *Store) Forget(ctx context.Context, scope, externalKey string) error {
	_, err := s.db.Pool.Exec(ctx, `
		DELETE FROM idempotency_records WHERE scope = $1 AND external_key = $2
	`, scope, externalKey)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "idempotency.Forget", err)
	}
	return nil
}

func hashValue(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
