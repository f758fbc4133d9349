// Package allocator implements the capacity allocator (SPEC_FULL §4.9):
// least-loaded selection over active servers with spare capacity, picking
// the lowest current-accounts and breaking ties by server id for
// determinism. There is no round-robin rotation: with equal loads the same
// server (lowest id) is picked every time.
// MaxAccounts is required on every Server; a server at capacity is skipped
// rather than overflowed, and a subscription that finds no qualifying
// server gets a typed NoCapacityAvailable error rather than silently
// landing on a full server.
package allocator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/control-plane/internal/errs"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NoCapacityAvailable is returned when no active server has spare capacity.
// The provisioning orchestrator treats this as equivalent to an
// AdapterFatal failure of the account step.
type NoCapacityAvailable struct {
	Reason string
}

func (e *NoCapacityAvailable) Error() string {
	return fmt.Sprintf("no capacity available: %s", e.Reason)
}

// Allocator keeps an in-memory view of server capacity refreshed
// periodically from Postgres, the same refresh-loop shape the corpus uses
// for its node pool, repurposed here for hosting servers instead of GPU
// nodes.
type Allocator struct {
	db     *database.Database
	logger *zap.Logger

	mu      sync.RWMutex
	servers map[uuid.UUID]*models.Server
}

// New constructs an Allocator; StartRefreshLoop starts its background
// refresh loop.
func New(db *database.Database, logger *zap.Logger) *Allocator {
	a := &Allocator{
		db:      db,
		logger:  logger,
		servers: make(map[uuid.UUID]*models.Server),
	}
	return a
}

// StartRefreshLoop periodically reloads server state from Postgres so the
// allocator's view converges even if it misses a direct capacity update.
func (a *Allocator) StartRefreshLoop(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		a.refresh()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.refresh()
			}
		}
	}()
}

func (a *Allocator) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := a.db.Pool.Query(ctx, `
		SELECT id, tenant, hostname, ip_address, control_panel_kind, admin_token_cipher, status, max_accounts, current_accounts, default_nameservers, created_at, updated_at
		FROM servers
		WHERE status = $1
	`, models.ServerActive)
	if err != nil {
		a.logger.Error("failed to refresh server pool", zap.Error(err))
		return
	}
	defer rows.Close()

	next := make(map[uuid.UUID]*models.Server)
	for rows.Next() {
		var s models.Server
		if err := rows.Scan(&s.ID, &s.Tenant, &s.Hostname, &s.IPAddress, &s.ControlPanelKind, &s.AdminTokenCipher, &s.Status, &s.MaxAccounts, &s.CurrentAccounts, &s.DefaultNameservers, &s.CreatedAt, &s.UpdatedAt); err != nil {
			a.logger.Warn("failed to scan server", zap.Error(err))
			continue
		}
		next[s.ID] = &s
	}

	a.mu.Lock()
	a.servers = next
	a.mu.Unlock()
}

// Allocate picks the active server with spare capacity that has the fewest
// current accounts, breaking ties by server id. It reserves the slot
// in-memory immediately (so a burst of concurrent allocations fans out
// across servers instead of racing onto the same one) and persists the
// increment to Postgres.
func (a *Allocator) Allocate(ctx context.Context) (*models.Server, error) {
	a.mu.Lock()
	candidates := make([]*models.Server, 0, len(a.servers))
	for _, s := range a.servers {
		if s.HasSpareCapacity() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		a.mu.Unlock()
		return nil, errs.New(errs.AdapterFatal, "allocator.Allocate", &NoCapacityAvailable{Reason: "no active server below max_accounts"})
	}

	sortCandidates(candidates)

	chosen := candidates[0]
	chosen.CurrentAccounts++
	a.mu.Unlock()

	_, err := a.db.Pool.Exec(ctx, `
		UPDATE servers SET current_accounts = current_accounts + 1, updated_at = $1
		WHERE id = $2 AND current_accounts < max_accounts
	`, time.Now(), chosen.ID)
	if err != nil {
		return nil, errs.New(errs.StorageUnavailable, "allocator.Allocate", err)
	}

	if chosen.CurrentAccounts >= chosen.MaxAccounts {
		a.logger.Warn("server reached capacity",
			zap.String("server_id", chosen.ID.String()),
			zap.Int("max_accounts", chosen.MaxAccounts),
		)
	}

	return chosen, nil
}

// Release decrements a server's current-accounts count, used when a
// website is deleted or a task's account step is compensated away.
func (a *Allocator) Release(ctx context.Context, serverID uuid.UUID) error {
	_, err := a.db.Pool.Exec(ctx, `
		UPDATE servers SET current_accounts = GREATEST(current_accounts - 1, 0), updated_at = $1 WHERE id = $2
	`, time.Now(), serverID)
	if err != nil {
		return errs.New(errs.StorageUnavailable, "allocator.Release", err)
	}

	a.mu.Lock()
	if s, ok := a.servers[serverID]; ok && s.CurrentAccounts > 0 {
		s.CurrentAccounts--
	}
	a.mu.Unlock()
	return nil
}

// sortCandidates orders servers by lowest current-accounts first, ties
// broken by server id, so Allocate's choice is deterministic.
func sortCandidates(candidates []*models.Server) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CurrentAccounts != candidates[j].CurrentAccounts {
			return candidates[i].CurrentAccounts < candidates[j].CurrentAccounts
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})
}
