// Package store persists challenge and archive records and keeps the
// queue-position invariant intact.
//
// Every mutating operation runs in a single transaction that ends with a
// full position recomputation, so readers never observe duplicate or
// missing positions. Ordering among positioned rows: approved/scheduled
// first (by scheduled time, id as tiebreak), then pending (by manual
// position, id as tiebreak), renumbered densely from 1.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"challengebot/internal/types"
	"challengebot/pkg/logx"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": Path holds the connection DSN
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the queue orchestrator.
type Store interface {
	// Insert adds a pending challenge at the end of the pending block
	// and returns its id.
	Insert(ctx context.Context, d types.Draft) (int64, error)

	Get(ctx context.Context, id int64) (types.Challenge, error)
	GetByReservation(ctx context.Context, handle string) (types.Challenge, error)
	ListQueue(ctx context.Context, includeUsed bool) ([]types.Challenge, error)
	ListByStatus(ctx context.Context, statuses ...types.Status) ([]types.Challenge, error)
	// FirstByStatus returns the lowest-positioned challenge among the
	// given statuses.
	FirstByStatus(ctx context.Context, statuses ...types.Status) (types.Challenge, error)
	StatusCounts(ctx context.Context) (map[types.Status]int, error)
	// ScheduledTimes returns the delivery epochs held by active rows.
	ScheduledTimes(ctx context.Context) ([]int64, error)

	// Approve marks a challenge approved and clears any schedule metadata.
	Approve(ctx context.Context, id int64) error
	// MarkScheduled binds a reserved slot and handle to an approved row.
	MarkScheduled(ctx context.Context, id int64, postAt time.Time, handle string) error
	// MarkUsed records delivery and removes the row from the ordering domain.
	MarkUsed(ctx context.Context, id int64, deliveredTS string, at time.Time) error
	// Unschedule rolls a row back to pending at the end of the pending block.
	Unschedule(ctx context.Context, id int64) error
	// Reorder moves a pending row to a new slot, shifting only the rows
	// strictly between the old and new position.
	Reorder(ctx context.Context, id int64, newPos int) error
	Delete(ctx context.Context, id int64) error
	// Archive copies the row into the archive table and removes it from
	// the active domain. Archiving an already-archived id is a no-op.
	Archive(ctx context.Context, id int64) error

	// Recalculate reruns the position pass on its own. The mutating
	// methods above already do this; it exists for drift repair.
	Recalculate(ctx context.Context) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
