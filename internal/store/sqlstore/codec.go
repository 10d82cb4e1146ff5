package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/recurrence"
	"cronkeeper/internal/store"
)

var triggerCols = []string{
	"grp", "name", "work_grp", "work_name", "description", "recurrence", "start_at", "end_at",
	"priority", "misfire", "calendar", "data", "state", "next_fire_at", "prev_fire_at", "times_fired",
	"pause_pending", "fire_id", "locked_by", "locked_at", "version",
}

var workCols = []string{"grp", "name", "kind", "description", "durable", "disallow_concurrent", "data"}

func qualified(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func assignments(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c + " = ?"
	}
	return strings.Join(out, ", ")
}

var (
	selectTrigger = "SELECT " + qualified("t", triggerCols) + " FROM ck_triggers t"
	insertTrigger = "INSERT INTO ck_triggers (" + strings.Join(triggerCols, ", ") + ") VALUES (" + placeholders(len(triggerCols)) + ")"
	updateTrigger = "UPDATE ck_triggers SET " + assignments(triggerCols) + " WHERE grp = ? AND name = ? AND version = ?"
	selectWork    = "SELECT " + qualified("w", workCols) + " FROM ck_work_items w"
	insertWork    = "INSERT INTO ck_work_items (" + strings.Join(workCols, ", ") + ") VALUES (" + placeholders(len(workCols)) + ")"
	updateWork    = "UPDATE ck_work_items SET " + assignments(workCols) + " WHERE grp = ? AND name = ?"
)

type scanner interface {
	Scan(dest ...any) error
}

// triggerRow holds the raw column values of one trigger.
type triggerRow struct {
	t                          domain.Trigger
	spec, misfire, state, data string
	start, timesFired, version int64
	end, next, prev, lockedAt  sql.NullInt64
	pausePending               int
}

func (r *triggerRow) dest() []any {
	return []any{
		&r.t.Key.Group, &r.t.Key.Name, &r.t.WorkKey.Group, &r.t.WorkKey.Name, &r.t.Description, &r.spec, &r.start, &r.end,
		&r.t.Priority, &r.misfire, &r.t.Calendar, &r.data, &r.state, &r.next, &r.prev, &r.timesFired,
		&r.pausePending, &r.t.Lock.FireID, &r.t.Lock.Owner, &r.lockedAt, &r.version,
	}
}

func (r *triggerRow) decode() (domain.Trigger, error) {
	t := r.t
	var err error
	if t.Recurrence, err = recurrence.Parse(r.spec); err != nil {
		return t, corrupt(t.Key, "recurrence", err)
	}
	if t.Misfire, err = domain.ParseMisfireInstruction(r.misfire); err != nil {
		return t, corrupt(t.Key, "misfire", err)
	}
	if t.State, err = domain.ParseTriggerState(r.state); err != nil {
		return t, corrupt(t.Key, "state", err)
	}
	if t.Data, err = decodeData(r.data); err != nil {
		return t, corrupt(t.Key, "data", err)
	}
	t.StartAt = fromNanos(r.start)
	t.EndAt = nullTime(r.end)
	t.NextFireAt = nullTime(r.next)
	t.PrevFireAt = nullTime(r.prev)
	t.TimesFired = int(r.timesFired)
	t.PausePending = r.pausePending != 0
	if r.lockedAt.Valid {
		t.Lock.At = fromNanos(r.lockedAt.Int64)
	}
	t.Version = r.version
	return t, nil
}

type workRow struct {
	w                  domain.WorkItem
	durable, exclusive int
	data               string
}

func (r *workRow) dest() []any {
	return []any{&r.w.Key.Group, &r.w.Key.Name, &r.w.Kind, &r.w.Description, &r.durable, &r.exclusive, &r.data}
}

func (r *workRow) decode() (domain.WorkItem, error) {
	w := r.w
	var err error
	if w.Data, err = decodeData(r.data); err != nil {
		return w, corrupt(w.Key, "data", err)
	}
	w.Durable = r.durable != 0
	w.DisallowConcurrent = r.exclusive != 0
	return w, nil
}

func scanTrigger(row scanner) (domain.Trigger, error) {
	var r triggerRow
	if err := row.Scan(r.dest()...); err != nil {
		return domain.Trigger{}, err
	}
	return r.decode()
}

func scanWork(row scanner) (domain.WorkItem, error) {
	var r workRow
	if err := row.Scan(r.dest()...); err != nil {
		return domain.WorkItem{}, err
	}
	return r.decode()
}

// triggerArgs returns every column in triggerCols order.
func triggerArgs(t *domain.Trigger) ([]any, error) {
	data, err := encodeData(t.Data)
	if err != nil {
		return nil, err
	}
	var lockedAt any
	if !t.Lock.At.IsZero() {
		lockedAt = t.Lock.At.UnixNano()
	}
	return []any{
		t.Key.Group, t.Key.Name, t.WorkKey.Group, t.WorkKey.Name, t.Description, t.Recurrence.String(),
		t.StartAt.UnixNano(), nanos(t.EndAt), t.Priority, t.Misfire.String(), t.Calendar, data,
		t.State.String(), nanos(t.NextFireAt), nanos(t.PrevFireAt), int64(t.TimesFired),
		boolInt(t.PausePending), t.Lock.FireID, t.Lock.Owner, lockedAt, t.Version,
	}, nil
}

func workArgs(w *domain.WorkItem) ([]any, error) {
	data, err := encodeData(w.Data)
	if err != nil {
		return nil, err
	}
	return []any{w.Key.Group, w.Key.Name, w.Kind, w.Description, boolInt(w.Durable), boolInt(w.DisallowConcurrent), data}, nil
}

func encodeData(m domain.DataMap) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeData(s string) (domain.DataMap, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m domain.DataMap
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func corrupt(key domain.Key, field string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", store.ErrCorrupt, key, field, err)
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
