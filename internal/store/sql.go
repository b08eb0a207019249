package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"challengebot/internal/types"
	"challengebot/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

// Sort key for NULL schedule times / positions: push them past every real value.
const nullsLast = int64(1) << 62

type sqlStore struct {
	db     *sql.DB
	driver string
	log    logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqlStore{db: db, driver: "sqlite", log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(30 * time.Second)

	st := &sqlStore{db: db, driver: "postgres", log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	name := "migrations_sqlite.sql"
	if s.driver == "postgres" {
		name = "migrations_postgres.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rewrites ? placeholders to $n for postgres. Queries here never contain
// a literal question mark.
func (s *sqlStore) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- row mapping ----

const challengeCols = `id, title, description, example, function_stub, difficulty, url,
	status, position, scheduled_post_at, scheduled_message_id, delivered_ts, used_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(r rowScanner) (types.Challenge, error) {
	var (
		c       types.Challenge
		status  string
		diff    string
		pos     sql.NullInt64
		postAt  sql.NullInt64
		resv    sql.NullString
		ts      sql.NullString
		usedAt  sql.NullInt64
		created int64
	)
	err := r.Scan(&c.ID, &c.Title, &c.Description, &c.Example, &c.FunctionStub, &diff, &c.URL,
		&status, &pos, &postAt, &resv, &ts, &usedAt, &created)
	if err != nil {
		return types.Challenge{}, err
	}
	c.Status = types.Status(status)
	c.Difficulty = types.Difficulty(diff)
	if pos.Valid {
		p := int(pos.Int64)
		c.Position = &p
	}
	if postAt.Valid {
		t := time.Unix(postAt.Int64, 0).UTC()
		c.ScheduledAt = &t
	}
	c.ReservationID = resv.String
	c.DeliveredTS = ts.String
	if usedAt.Valid {
		t := time.Unix(usedAt.Int64, 0).UTC()
		c.UsedAt = &t
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	return c, nil
}

// ---- reads ----

func (s *sqlStore) Get(ctx context.Context, id int64) (types.Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+challengeCols+` FROM challenges WHERE id = ?`), id)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Challenge{}, fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
	}
	return c, err
}

func (s *sqlStore) GetByReservation(ctx context.Context, handle string) (types.Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+challengeCols+` FROM challenges WHERE scheduled_message_id = ?`), handle)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Challenge{}, fmt.Errorf("reservation %q: %w", handle, types.ErrNotFound)
	}
	return c, err
}

func (s *sqlStore) ListQueue(ctx context.Context, includeUsed bool) ([]types.Challenge, error) {
	query := `SELECT ` + challengeCols + ` FROM challenges`
	if !includeUsed {
		query += ` WHERE status != 'used'`
	}
	query += fmt.Sprintf(` ORDER BY COALESCE(position, %d), created_at, id`, nullsLast)
	return s.queryChallenges(ctx, query)
}

func (s *sqlStore) ListByStatus(ctx context.Context, statuses ...types.Status) ([]types.Challenge, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + challengeCols + ` FROM challenges WHERE status IN (` +
		statusPlaceholders(len(statuses)) +
		fmt.Sprintf(`) ORDER BY COALESCE(position, %d), id`, nullsLast)
	return s.queryChallenges(ctx, query, statusArgs(statuses)...)
}

func (s *sqlStore) FirstByStatus(ctx context.Context, statuses ...types.Status) (types.Challenge, error) {
	if len(statuses) == 0 {
		return types.Challenge{}, fmt.Errorf("no statuses given: %w", types.ErrNotFound)
	}
	query := `SELECT ` + challengeCols + ` FROM challenges WHERE status IN (` +
		statusPlaceholders(len(statuses)) +
		fmt.Sprintf(`) ORDER BY COALESCE(position, %d), id LIMIT 1`, nullsLast)
	row := s.db.QueryRowContext(ctx, s.q(query), statusArgs(statuses)...)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Challenge{}, fmt.Errorf("queue empty: %w", types.ErrNotFound)
	}
	return c, err
}

func (s *sqlStore) queryChallenges(ctx context.Context, query string, args ...any) ([]types.Challenge, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func statusPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []types.Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func (s *sqlStore) StatusCounts(ctx context.Context) (map[types.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM challenges GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[types.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *sqlStore) ScheduledTimes(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scheduled_post_at FROM challenges
		 WHERE scheduled_post_at IS NOT NULL AND status != 'used'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var epoch int64
		if err := rows.Scan(&epoch); err != nil {
			return nil, err
		}
		out = append(out, epoch)
	}
	return out, rows.Err()
}

// ---- mutations ----

func (s *sqlStore) Insert(ctx context.Context, d types.Draft) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const ins = `INSERT INTO challenges
			(title, description, example, function_stub, difficulty, url, status, position, created_at)
			VALUES (?,?,?,?,?,?, 'pending',
				COALESCE((SELECT MAX(c2.position) FROM challenges c2 WHERE c2.status = 'pending'), 0) + 1, ?)`
		args := []any{d.Title, d.Description, d.Example, d.FunctionStub, string(d.Difficulty), d.URL, time.Now().Unix()}

		if s.driver == "postgres" {
			if err := tx.QueryRowContext(ctx, s.q(ins+` RETURNING id`), args...).Scan(&id); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, ins, args...)
			if err != nil {
				return err
			}
			last, err := res.LastInsertId()
			if err != nil {
				return err
			}
			id = last
		}
		return s.recalcTx(ctx, tx)
	})
	return id, err
}

func (s *sqlStore) Approve(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE challenges
			 SET status = 'approved', scheduled_post_at = NULL, scheduled_message_id = NULL
			 WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
		}
		return s.recalcTx(ctx, tx)
	})
}

func (s *sqlStore) MarkScheduled(ctx context.Context, id int64, postAt time.Time, handle string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE challenges
			 SET status = 'scheduled', scheduled_post_at = ?, scheduled_message_id = ?
			 WHERE id = ?`), postAt.Unix(), handle, id)
		if isUniqueViolation(err) {
			return fmt.Errorf("slot %d already reserved: %w", postAt.Unix(), types.ErrConflict)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
		}
		return s.recalcTx(ctx, tx)
	})
}

func (s *sqlStore) MarkUsed(ctx context.Context, id int64, deliveredTS string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE challenges
			 SET status = 'used', delivered_ts = ?, used_at = ?,
			     position = NULL, scheduled_post_at = NULL, scheduled_message_id = NULL
			 WHERE id = ? AND status != 'used'`), deliveredTS, at.Unix(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var st string
			err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM challenges WHERE id = ?`), id).Scan(&st)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
			}
			if err != nil {
				return err
			}
			// already used: keep the first delivery record
			return nil
		}
		return s.recalcTx(ctx, tx)
	})
}

func (s *sqlStore) Unschedule(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Rolled-back items re-enter at the end of the pending block.
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE challenges
			 SET status = 'pending', scheduled_post_at = NULL, scheduled_message_id = NULL,
			     position = (SELECT COALESCE(MAX(c2.position), 0) FROM challenges c2 WHERE c2.status = 'pending') + 1
			 WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
		}
		return s.recalcTx(ctx, tx)
	})
}

func (s *sqlStore) Reorder(ctx context.Context, id int64, newPos int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var oldPos sql.NullInt64
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT status, position FROM challenges WHERE id = ?`), id).Scan(&status, &oldPos)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if types.Status(status) != types.StatusPending {
			// approved/scheduled order is schedule-derived, not manual.
			return fmt.Errorf("challenge %d is %s: %w", id, status, types.ErrInvalidInput)
		}

		// Clamp the target into the pending block.
		var minPos, maxPos sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MIN(position), MAX(position) FROM challenges
			 WHERE status = 'pending' AND position IS NOT NULL`).Scan(&minPos, &maxPos)
		if err != nil {
			return err
		}
		if minPos.Valid {
			if int64(newPos) < minPos.Int64 {
				newPos = int(minPos.Int64)
			}
			if int64(newPos) > maxPos.Int64 {
				newPos = int(maxPos.Int64)
			}
		}

		switch {
		case !oldPos.Valid:
			// Drifted row without a position: insert-at-target.
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE challenges SET position = position + 1
				 WHERE status = 'pending' AND position IS NOT NULL AND position >= ?`), newPos); err != nil {
				return err
			}
		case int64(newPos) == oldPos.Int64:
			// no-op move
		case int64(newPos) < oldPos.Int64:
			// moving up: shift the displaced neighbors down by one
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE challenges SET position = position + 1
				 WHERE status = 'pending' AND position IS NOT NULL
				   AND position >= ? AND position < ? AND id != ?`), newPos, oldPos.Int64, id); err != nil {
				return err
			}
		default:
			// moving down
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE challenges SET position = position - 1
				 WHERE status = 'pending' AND position IS NOT NULL
				   AND position > ? AND position <= ? AND id != ?`), oldPos.Int64, newPos, id); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE challenges SET position = ? WHERE id = ?`), newPos, id); err != nil {
			return err
		}
		return s.recalcTx(ctx, tx)
	})
}

func (s *sqlStore) Delete(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM challenges WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
		}
		return s.recalcTx(ctx, tx)
	})
}

func (s *sqlStore) Archive(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(
			`SELECT `+challengeCols+` FROM challenges WHERE id = ?`), id)
		c, err := scanChallenge(row)
		if errors.Is(err, sql.ErrNoRows) {
			// A second archive of the same id is a no-op, not an error.
			var n int
			if err := tx.QueryRowContext(ctx, s.q(
				`SELECT COUNT(*) FROM published_challenges WHERE id = ?`), id).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			return fmt.Errorf("challenge %d: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var pos, postAt any
		if c.Position != nil {
			pos = *c.Position
		}
		if c.ScheduledAt != nil {
			postAt = c.ScheduledAt.Unix()
		}
		publishedAt := time.Now().Unix()
		if c.UsedAt != nil {
			publishedAt = c.UsedAt.Unix()
		}

		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO published_challenges
			 (id, title, description, example, function_stub, difficulty, url, status,
			  position, scheduled_post_at, scheduled_message_id, delivered_ts, created_at, published_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT (id) DO NOTHING`),
			c.ID, c.Title, c.Description, c.Example, c.FunctionStub, string(c.Difficulty), c.URL,
			string(c.Status), pos, postAt, nullEmpty(c.ReservationID), nullEmpty(c.DeliveredTS),
			c.CreatedAt.Unix(), publishedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM challenges WHERE id = ?`), id); err != nil {
			return err
		}
		return s.recalcTx(ctx, tx)
	})
}

func (s *sqlStore) Recalculate(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.recalcTx(ctx, tx)
	})
}

// recalcTx restores the contiguity invariant: approved/scheduled rows first
// (by delivery time, then id), pending rows after (by manual position, then
// id), renumbered densely from 1. Idempotent.
func (s *sqlStore) recalcTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE challenges SET position = NULL WHERE status = 'used' AND position IS NOT NULL`); err != nil {
		return err
	}

	collect := func(query string) ([]int64, error) {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	scheduled, err := collect(fmt.Sprintf(
		`SELECT id FROM challenges WHERE status IN ('approved','scheduled')
		 ORDER BY COALESCE(scheduled_post_at, %d), id`, nullsLast))
	if err != nil {
		return err
	}
	pending, err := collect(fmt.Sprintf(
		`SELECT id FROM challenges WHERE status = 'pending'
		 ORDER BY COALESCE(position, %d), id`, nullsLast))
	if err != nil {
		return err
	}

	pos := 1
	for _, id := range append(scheduled, pending...) {
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE challenges SET position = ? WHERE id = ?`), pos, id); err != nil {
			return err
		}
		pos++
	}
	return nil
}

func nullEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
