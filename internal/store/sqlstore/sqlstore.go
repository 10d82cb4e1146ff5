// Package sqlstore is a durable store.Store on SQLite or PostgreSQL.
//
// Every state change runs in a transaction and is guarded by the trigger's
// version column, so concurrent writers from other processes surface as
// store.ErrConflict instead of lost updates. On PostgreSQL acquisition locks
// rows with FOR UPDATE SKIP LOCKED, which lets several engine instances share
// one database.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/store"
	logx "cronkeeper/pkg/logx"
)

//go:embed schema.sql
var schema string

// acquireSlack is how many extra rows an acquisition reads to make up for
// rows skipped by the one-per-exclusive-item rule.
const acquireSlack = 16

// Config selects and tunes the backend.
//
// Driver values:
//   - "sqlite": DSN is a file path (":memory:" is not supported, use the memory store)
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only
	OpTimeout    time.Duration // per operation; 0 means the caller's context only
	MaxOpenConns int           // postgres only
}

type Store struct {
	db   *sql.DB
	d    dialect
	opts store.Options
	log  logx.Logger
	cfg  Config
}

var _ store.Store = (*Store)(nil)

// Open connects, applies the schema and returns the store.
func Open(ctx context.Context, cfg Config, opts store.Options) (*Store, error) {
	opts = opts.WithDefaults()
	var d dialect
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		d = sqliteDialect
	case "postgres", "postgresql", "pg":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unknown sql driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s dsn is required", d.name)
	}

	if d == sqliteDialect {
		if dir := filepath.Dir(cfg.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if d == sqliteDialect {
		// SQLite prefers a single writer; one connection also keeps pragmas in effect.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{db: db, d: d, opts: opts, cfg: cfg, log: opts.Log.With(logx.String("comp", "store."+d.name))}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("store opened", logx.String("driver", d.name))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OpTimeout)
	}
	return ctx, func() {}
}

// tx runs fn in a transaction. Errors from fn are returned as is; errors from
// the database layer are wrapped as store.ErrUnavailable by the helpers.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return unavailable(tx.Commit())
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, q string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	return n, unavailable(err)
}

func (s *Store) queryTriggers(ctx context.Context, q sqlQuerier, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := q.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, scanErr(err)
		}
		out = append(out, t)
	}
	return out, unavailable(rows.Err())
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanErr keeps decode failures (ErrCorrupt) and wraps driver errors.
func scanErr(err error) error {
	if errors.Is(err, store.ErrCorrupt) {
		return err
	}
	return unavailable(err)
}

func (s *Store) orderByKey() string {
	return " ORDER BY t.grp" + s.d.collate + ", t.name" + s.d.collate
}

// ---- work items ----

func (s *Store) StoreWorkItem(ctx context.Context, w domain.WorkItem, replace bool) error {
	if err := w.Validate(); err != nil {
		return err
	}
	args, err := workArgs(&w)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		exists, err := s.exists(ctx, tx, "SELECT 1 FROM ck_work_items WHERE grp = ? AND name = ?"+s.d.rowLock, w.Key.Group, w.Key.Name)
		if err != nil {
			return err
		}
		switch {
		case exists && !replace:
			return fmt.Errorf("work item %s: %w", w.Key, store.ErrAlreadyExists)
		case exists:
			_, err = s.exec(ctx, tx, updateWork, append(args, w.Key.Group, w.Key.Name)...)
		default:
			_, err = s.exec(ctx, tx, insertWork, args...)
		}
		return err
	})
}

func (s *Store) exists(ctx context.Context, tx *sql.Tx, q string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, s.d.rebind(q), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, unavailable(err)
}

func (s *Store) RemoveWorkItem(ctx context.Context, key domain.Key) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, "DELETE FROM ck_work_items WHERE grp = ? AND name = ?", key.Group, key.Name)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("work item %s: %w", key, store.ErrNotFound)
		}
		_, err = s.exec(ctx, tx, "DELETE FROM ck_triggers WHERE work_grp = ? AND work_name = ?", key.Group, key.Name)
		return err
	})
}

func (s *Store) WorkItem(ctx context.Context, key domain.Key) (domain.WorkItem, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	w, err := scanWork(s.db.QueryRowContext(ctx, s.d.rebind(selectWork+" WHERE w.grp = ? AND w.name = ?"), key.Group, key.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return w, fmt.Errorf("work item %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return w, scanErr(err)
	}
	return w, nil
}

func (s *Store) WorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, selectWork+" ORDER BY w.grp"+s.d.collate+", w.name"+s.d.collate)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, scanErr(err)
		}
		out = append(out, w)
	}
	return out, unavailable(rows.Err())
}

// ---- triggers ----

func (s *Store) StoreTrigger(ctx context.Context, t domain.Trigger, replace bool) (domain.Trigger, error) {
	t = t.Clone()
	if err := store.PrepareNew(&t, s.opts.Calendar(t.Calendar)); err != nil {
		return domain.Trigger{}, err
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		workExists, err := s.exists(ctx, tx, "SELECT 1 FROM ck_work_items WHERE grp = ? AND name = ?"+s.d.rowLock, t.WorkKey.Group, t.WorkKey.Name)
		if err != nil {
			return err
		}
		if !workExists {
			return fmt.Errorf("trigger %s: work item %s: %w", t.Key, t.WorkKey, store.ErrNotFound)
		}
		var version int64
		err = tx.QueryRowContext(ctx, s.d.rebind("SELECT version FROM ck_triggers WHERE grp = ? AND name = ?"+s.d.rowLock), t.Key.Group, t.Key.Name).Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			t.Version = 1
			args, err := triggerArgs(&t)
			if err != nil {
				return err
			}
			_, err = s.exec(ctx, tx, insertTrigger, args...)
			return err
		case err != nil:
			return unavailable(err)
		case !replace:
			return fmt.Errorf("trigger %s: %w", t.Key, store.ErrAlreadyExists)
		}
		t.Version = version + 1
		return s.update(ctx, tx, &t, version)
	})
	if err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

// update writes t back if the stored version is still old.
func (s *Store) update(ctx context.Context, tx *sql.Tx, t *domain.Trigger, old int64) error {
	args, err := triggerArgs(t)
	if err != nil {
		return err
	}
	n, err := s.exec(ctx, tx, updateTrigger, append(args, t.Key.Group, t.Key.Name, old)...)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trigger %s: %w", t.Key, store.ErrConflict)
	}
	return nil
}

func (s *Store) RemoveTrigger(ctx context.Context, key domain.Key) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var wg, wn string
		err := tx.QueryRowContext(ctx, s.d.rebind("SELECT work_grp, work_name FROM ck_triggers WHERE grp = ? AND name = ?"+s.d.rowLock), key.Group, key.Name).Scan(&wg, &wn)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trigger %s: %w", key, store.ErrNotFound)
		}
		if err != nil {
			return unavailable(err)
		}
		if _, err := s.exec(ctx, tx, "DELETE FROM ck_triggers WHERE grp = ? AND name = ?", key.Group, key.Name); err != nil {
			return err
		}
		n, err := s.exec(ctx, tx, `DELETE FROM ck_work_items WHERE grp = ? AND name = ? AND durable = 0
			AND NOT EXISTS (SELECT 1 FROM ck_triggers WHERE work_grp = ? AND work_name = ?)`, wg, wn, wg, wn)
		if err == nil && n > 0 {
			s.log.Debug("removed orphaned work item", logx.String("work", domain.Key{Group: wg, Name: wn}.String()))
		}
		return err
	})
}

func (s *Store) Trigger(ctx context.Context, key domain.Key) (domain.Trigger, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	t, err := scanTrigger(s.db.QueryRowContext(ctx, s.d.rebind(selectTrigger+" WHERE t.grp = ? AND t.name = ?"), key.Group, key.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("trigger %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return t, scanErr(err)
	}
	return t, nil
}

func (s *Store) Triggers(ctx context.Context, group string) ([]domain.Trigger, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if group == "" {
		return s.queryTriggers(ctx, s.db, selectTrigger+s.orderByKey())
	}
	return s.queryTriggers(ctx, s.db, selectTrigger+" WHERE t.grp = ?"+s.orderByKey(), group)
}

func (s *Store) TriggersForWorkItem(ctx context.Context, key domain.Key) ([]domain.Trigger, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.queryTriggers(ctx, s.db, selectTrigger+" WHERE t.work_grp = ? AND t.work_name = ?"+s.orderByKey(), key.Group, key.Name)
}

// mutate loads one trigger under a row lock, applies fn and writes it back
// when fn changed the version.
func (s *Store) mutate(ctx context.Context, key domain.Key, fn func(t *domain.Trigger) error) (domain.Trigger, error) {
	var out domain.Trigger
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrigger(tx.QueryRowContext(ctx, s.d.rebind(selectTrigger+" WHERE t.grp = ? AND t.name = ?"+s.d.rowLock), key.Group, key.Name))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trigger %s: %w", key, store.ErrNotFound)
		}
		if err != nil {
			return scanErr(err)
		}
		old := t.Version
		if err := fn(&t); err != nil {
			return err
		}
		out = t
		if t.Version == old {
			return nil
		}
		return s.update(ctx, tx, &t, old)
	})
	return out, err
}

func lockHeld(t *domain.Trigger, fireID string) error {
	if !t.State.Locked() || t.Lock.FireID != fireID {
		return fmt.Errorf("trigger %s: lock %s not held: %w", t.Key, fireID, store.ErrConflict)
	}
	return nil
}

func (s *Store) PauseTrigger(ctx context.Context, key domain.Key) error {
	_, err := s.mutate(ctx, key, func(t *domain.Trigger) error { store.ApplyPause(t); return nil })
	return err
}

func (s *Store) ResumeTrigger(ctx context.Context, key domain.Key) error {
	_, err := s.mutate(ctx, key, func(t *domain.Trigger) error { store.ApplyResume(t); return nil })
	return err
}

func (s *Store) ResetTriggerFromError(ctx context.Context, key domain.Key) error {
	_, err := s.mutate(ctx, key, func(t *domain.Trigger) error { store.ApplyResetFromError(t); return nil })
	return err
}

func (s *Store) MarkFiring(ctx context.Context, key domain.Key, fireID string) error {
	_, err := s.mutate(ctx, key, func(t *domain.Trigger) error {
		if err := lockHeld(t, fireID); err != nil {
			return err
		}
		t.State = domain.StateFiring
		t.Version++
		return nil
	})
	return err
}

func (s *Store) Release(ctx context.Context, key domain.Key, fireID string) error {
	_, err := s.mutate(ctx, key, func(t *domain.Trigger) error {
		if err := lockHeld(t, fireID); err != nil {
			return err
		}
		store.ApplyRelease(t)
		return nil
	})
	return err
}

func (s *Store) CommitFired(ctx context.Context, key domain.Key, fireID string, c store.Commit) (domain.Trigger, error) {
	return s.mutate(ctx, key, func(t *domain.Trigger) error {
		if err := lockHeld(t, fireID); err != nil {
			return err
		}
		store.ApplyCommit(t, c, s.opts.Calendar(t.Calendar))
		return nil
	})
}

func (s *Store) PauseGroup(ctx context.Context, group string) (int, error) {
	return s.eachInGroup(ctx, group, store.ApplyPause)
}

func (s *Store) ResumeGroup(ctx context.Context, group string) (int, error) {
	return s.eachInGroup(ctx, group, store.ApplyResume)
}

func (s *Store) eachInGroup(ctx context.Context, group string, fn func(*domain.Trigger) bool) (int, error) {
	n := 0
	err := s.tx(ctx, func(tx *sql.Tx) error {
		n = 0
		ts, err := s.queryTriggers(ctx, tx, selectTrigger+" WHERE t.grp = ?"+s.d.rowLock, group)
		if err != nil {
			return err
		}
		for i := range ts {
			old := ts[i].Version
			if !fn(&ts[i]) {
				continue
			}
			if err := s.update(ctx, tx, &ts[i], old); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// ---- firing path ----

func (s *Store) excludeClause(keys []domain.Key) (string, []any) {
	if len(keys) == 0 {
		return "", nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k.String()
	}
	return " AND (t.work_grp || '.' || t.work_name) NOT IN (" + placeholders(len(keys)) + ")", args
}

func (s *Store) AcquireDue(ctx context.Context, req store.AcquireRequest) ([]store.Acquired, error) {
	if req.Max <= 0 {
		return nil, nil
	}
	var out []store.Acquired
	err := s.tx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		excl, exclArgs := s.excludeClause(req.ExcludeWork)
		q := "SELECT " + qualified("t", triggerCols) + ", " + qualified("w", workCols) +
			" FROM ck_triggers t JOIN ck_work_items w ON w.grp = t.work_grp AND w.name = t.work_name" +
			" WHERE t.state = ? AND t.next_fire_at IS NOT NULL AND t.next_fire_at <= ?" +
			" AND (w.disallow_concurrent = 0 OR NOT EXISTS (SELECT 1 FROM ck_triggers o" +
			" WHERE o.work_grp = t.work_grp AND o.work_name = t.work_name AND o.state IN (?, ?)))" + excl +
			" ORDER BY t.next_fire_at ASC, t.priority DESC, t.grp" + s.d.collate + " ASC, t.name" + s.d.collate + " ASC" +
			" LIMIT ?" + s.d.skipLocked
		args := []any{
			domain.StateWaiting.String(), req.Now.Add(req.Window).UnixNano(),
			domain.StateAcquired.String(), domain.StateFiring.String(),
		}
		args = append(args, exclArgs...)
		args = append(args, req.Max+acquireSlack)

		candidates, err := s.scanCandidates(ctx, tx, q, args...)
		if err != nil {
			return err
		}

		exclusive := make(map[domain.Key]struct{})
		for _, c := range candidates {
			if len(out) == req.Max {
				break
			}
			if c.Work.DisallowConcurrent {
				if _, taken := exclusive[c.Work.Key]; taken {
					continue
				}
				busy, err := s.workBusy(ctx, tx, c.Work.Key)
				if err != nil {
					return err
				}
				if busy {
					continue
				}
			}
			t := c.Trigger
			old := t.Version
			store.ApplyAcquire(&t, s.opts.NewFireID(), req.Owner, req.Now)
			err := s.update(ctx, tx, &t, old)
			if errors.Is(err, store.ErrConflict) {
				// Taken by another instance since the read.
				continue
			}
			if err != nil {
				return err
			}
			if c.Work.DisallowConcurrent {
				exclusive[c.Work.Key] = struct{}{}
			}
			out = append(out, store.Acquired{Trigger: t, Work: c.Work})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// workBusy locks the work item row and reports whether another trigger of
// it is acquired or firing. The row lock orders instances racing for sibling
// triggers of one exclusive item; the recheck sees what the winner committed.
func (s *Store) workBusy(ctx context.Context, tx *sql.Tx, key domain.Key) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, s.d.rebind("SELECT 1 FROM ck_work_items WHERE grp = ? AND name = ?"+s.d.rowLock),
		key.Group, key.Name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	var n int
	err = tx.QueryRowContext(ctx, s.d.rebind("SELECT COUNT(*) FROM ck_triggers WHERE work_grp = ? AND work_name = ? AND state IN (?, ?)"),
		key.Group, key.Name, domain.StateAcquired.String(), domain.StateFiring.String()).Scan(&n)
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *Store) scanCandidates(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]store.Acquired, error) {
	rows, err := tx.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []store.Acquired
	for rows.Next() {
		var tr triggerRow
		var wr workRow
		if err := rows.Scan(append(tr.dest(), wr.dest()...)...); err != nil {
			return nil, unavailable(err)
		}
		t, err := tr.decode()
		if err != nil {
			return nil, err
		}
		w, err := wr.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, store.Acquired{Trigger: t, Work: w})
	}
	return out, unavailable(rows.Err())
}

func (s *Store) ReleaseStale(ctx context.Context, owner string, olderThan time.Time) (int, error) {
	n := 0
	err := s.tx(ctx, func(tx *sql.Tx) error {
		n = 0
		q := selectTrigger + " WHERE t.state IN (?, ?) AND t.locked_at < ?"
		args := []any{domain.StateAcquired.String(), domain.StateFiring.String(), olderThan.UnixNano()}
		if owner != "" {
			q += " AND t.locked_by = ?"
			args = append(args, owner)
		}
		ts, err := s.queryTriggers(ctx, tx, q+s.d.rowLock, args...)
		if err != nil {
			return err
		}
		for i := range ts {
			if !store.IsStale(&ts[i], owner, olderThan) {
				continue
			}
			old := ts[i].Version
			store.ApplyRelease(&ts[i])
			if err := s.update(ctx, tx, &ts[i], old); err != nil {
				return err
			}
			s.log.Warn("released stale trigger lock",
				logx.Stringer("trigger", ts[i].Key), logx.String("owner", owner))
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) NextFireTime(ctx context.Context, excludeWork []domain.Key) (time.Time, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	excl, exclArgs := s.excludeClause(excludeWork)
	q := "SELECT MIN(t.next_fire_at) FROM ck_triggers t WHERE t.state = ? AND t.next_fire_at IS NOT NULL" + excl
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.d.rebind(q), append([]any{domain.StateWaiting.String()}, exclArgs...)...).Scan(&next)
	if err != nil {
		return time.Time{}, false, unavailable(err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}
