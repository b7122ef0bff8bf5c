package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"leadflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
// Timestamps are unix milliseconds so comparisons and ordering stay numeric.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  query TEXT NOT NULL,
  target_count INTEGER NOT NULL DEFAULT 25,
  verify INTEGER NOT NULL DEFAULT 0,
  interval_seconds INTEGER NOT NULL DEFAULT 86400,
  cron_expr TEXT NOT NULL DEFAULT '',
  next_run INTEGER NOT NULL,
  last_run INTEGER,
  enabled INTEGER NOT NULL DEFAULT 1,
  integrations_json TEXT NOT NULL DEFAULT '[]',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
CREATE TABLE IF NOT EXISTS queue (
  id TEXT PRIMARY KEY,
  query TEXT NOT NULL,
  target_count INTEGER NOT NULL,
  verify INTEGER NOT NULL DEFAULT 0,
  priority INTEGER NOT NULL DEFAULT 5,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','error','cancelled')) DEFAULT 'pending',
  schedule_id TEXT,
  scheduled_time INTEGER,
  attempt INTEGER NOT NULL DEFAULT 0,
  parent_id TEXT,
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER,
  result_handle TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue(status, priority DESC, created_at);
CREATE TABLE IF NOT EXISTS history (
  id TEXT PRIMARY KEY,
  schedule_id TEXT,
  queue_id TEXT NOT NULL,
  query TEXT NOT NULL,
  found_count INTEGER NOT NULL DEFAULT 0,
  raw_count INTEGER NOT NULL DEFAULT 0,
  result_handle TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_schedule ON history(schedule_id, started_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// OpenSQLite opens the database file at path and applies the schema.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const scheduleCols = `id,name,query,target_count,verify,interval_seconds,cron_expr,next_run,last_run,enabled,integrations_json,created_at,updated_at`

const queueCols = `id,query,target_count,verify,priority,status,schedule_id,scheduled_time,attempt,parent_id,created_at,started_at,completed_at,result_handle,error_message`

const historyCols = `id,schedule_id,queue_id,query,found_count,raw_count,result_handle,status,error_message,started_at,completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s            domain.Schedule
		intervalSec  int64
		nextRun      int64
		lastRun      sql.NullInt64
		integrations string
		created      int64
		updated      int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Query, &s.TargetCount, &s.Verify, &intervalSec, &s.CronExpr,
		&nextRun, &lastRun, &s.Enabled, &integrations, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	s.Interval = time.Duration(intervalSec) * time.Second
	s.NextRun = fromMillis(nextRun)
	if lastRun.Valid {
		t := fromMillis(lastRun.Int64)
		s.LastRun = &t
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	if err := json.Unmarshal([]byte(integrations), &s.Integrations); err != nil {
		return domain.Schedule{}, fmt.Errorf("decode integrations of %s: %w", s.ID, err)
	}
	if s.Integrations == nil {
		s.Integrations = []domain.Integration{}
	}
	return s, nil
}

func scanItem(row scanner) (domain.QueueItem, error) {
	var (
		it            domain.QueueItem
		scheduleID    sql.NullString
		scheduledTime sql.NullInt64
		parentID      sql.NullString
		created       int64
		started       sql.NullInt64
		completed     sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.Query, &it.TargetCount, &it.Verify, &it.Priority, &it.Status, &scheduleID,
		&scheduledTime, &it.Attempt, &parentID, &created, &started, &completed, &it.ResultHandle, &it.ErrorMessage); err != nil {
		return domain.QueueItem{}, err
	}
	it.ScheduleID = nullStringPtr(scheduleID)
	it.ParentID = nullStringPtr(parentID)
	it.ScheduledTime = nullTimePtr(scheduledTime)
	it.CreatedAt = fromMillis(created)
	it.StartedAt = nullTimePtr(started)
	it.CompletedAt = nullTimePtr(completed)
	return it, nil
}

func scanHistory(row scanner) (domain.HistoryRecord, error) {
	var (
		h          domain.HistoryRecord
		scheduleID sql.NullString
		started    int64
		completed  int64
	)
	if err := row.Scan(&h.ID, &scheduleID, &h.QueueID, &h.Query, &h.FoundCount, &h.RawCount, &h.ResultHandle,
		&h.Status, &h.ErrorMessage, &started, &completed); err != nil {
		return domain.HistoryRecord{}, err
	}
	h.ScheduleID = nullStringPtr(scheduleID)
	h.StartedAt = fromMillis(started)
	h.CompletedAt = fromMillis(completed)
	return h, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	now := time.Now()
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if err := normalizeSchedule(&s, now); err != nil {
		return "", err
	}
	integrations, err := json.Marshal(s.Integrations)
	if err != nil {
		return "", fmt.Errorf("encode integrations: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, s.Name, s.Query, s.TargetCount, s.Verify, int64(s.Interval/time.Second), s.CronExpr,
		millis(s.NextRun), optMillis(s.LastRun), s.Enabled, string(integrations), millis(now), millis(now))
	if err != nil {
		return "", storeErr("create schedule", err)
	}
	return id, nil
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, id string, p domain.SchedulePatch) (bool, error) {
	if p.Empty() {
		return false, nil
	}
	sets, args, err := patchClauses(p, func(int) string { return "?" }, func(t time.Time) any { return millis(t) })
	if err != nil {
		return false, err
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, millis(time.Now()), id)
	res, err := r.db.ExecContext(ctx, "UPDATE schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return false, storeErr("update schedule", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// patchClauses builds the SET list of a schedule update. ph renders the
// placeholder for the n-th argument (1-based) and ts encodes a timestamp.
func patchClauses(p domain.SchedulePatch, ph func(n int) string, ts func(time.Time) any) ([]string, []any, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Query != nil {
		add("query", *p.Query)
	}
	if p.TargetCount != nil {
		add("target_count", *p.TargetCount)
	}
	if p.Verify != nil {
		add("verify", *p.Verify)
	}
	if p.Interval != nil {
		if err := checkInterval(*p.Interval); err != nil {
			return nil, nil, err
		}
		add("interval_seconds", int64(*p.Interval/time.Second))
	}
	if p.CronExpr != nil {
		add("cron_expr", *p.CronExpr)
	}
	if p.NextRun != nil {
		add("next_run", ts(*p.NextRun))
	}
	if p.Enabled != nil {
		add("enabled", *p.Enabled)
	}
	if p.Integrations != nil {
		integrations := *p.Integrations
		if integrations == nil {
			integrations = []domain.Integration{}
		}
		b, err := json.Marshal(integrations)
		if err != nil {
			return nil, nil, fmt.Errorf("encode integrations: %w", err)
		}
		add("integrations_json", string(b))
	}
	return sets, args, nil
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return false, storeErr("delete schedule", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled=1`
	}
	q += ` ORDER BY next_run, rowid`
	return r.querySchedules(ctx, "list schedules", q)
}

func (r *sqliteRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, "due schedules", `
SELECT `+scheduleCols+`
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run, rowid`, millis(now))
}

func (r *sqliteRepo) querySchedules(ctx context.Context, op, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		schedules = append(schedules, s)
	}
	return schedules, storeErr(op, rows.Err())
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, storeErr("get schedule", err)
	}
	return s, nil
}

func (r *sqliteRepo) AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, millis(lastRun), millis(nextRun), millis(time.Now()), id)
	if err != nil {
		return storeErr("advance schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) FireSchedule(ctx context.Context, scheduleID string, item domain.QueueItem, lastRun, nextRun time.Time) (id string, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeErr("fire schedule", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	item.ScheduleID = &scheduleID
	id, err = insertItem(ctx, tx, item)
	if err != nil {
		return "", storeErr("fire schedule", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=? AND enabled=1`, millis(lastRun), millis(nextRun), millis(time.Now()), scheduleID)
	if err != nil {
		return "", storeErr("fire schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", storeErr("fire schedule", err)
	}
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertItem(ctx context.Context, db execer, it domain.QueueItem) (string, error) {
	id := it.ID
	if id == "" {
		id = "q_" + uuid.NewString()
	}
	normalizeItem(&it)
	_, err := db.ExecContext(ctx, `
INSERT INTO queue (id,query,target_count,verify,priority,status,schedule_id,scheduled_time,attempt,parent_id,created_at)
VALUES (?,?,?,?,?,'pending',?,?,?,?,?)
`, id, it.Query, it.TargetCount, it.Verify, it.Priority, optString(it.ScheduleID), optMillis(it.ScheduledTime),
		it.Attempt, optString(it.ParentID), millis(time.Now()))
	return id, err
}

func (r *sqliteRepo) Enqueue(ctx context.Context, it domain.QueueItem) (string, error) {
	id, err := insertItem(ctx, r.db, it)
	if err != nil {
		return "", storeErr("enqueue", err)
	}
	return id, nil
}

// DequeueNextReady claims the next item with a single UPDATE ... RETURNING so
// that two callers can never select the same row.
func (r *sqliteRepo) DequeueNextReady(ctx context.Context, now time.Time) (domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE queue SET status='processing', started_at=?
WHERE status='pending' AND id = (
  SELECT id FROM queue
  WHERE status='pending' AND (scheduled_time IS NULL OR scheduled_time <= ?)
  ORDER BY priority DESC, created_at ASC, rowid ASC
  LIMIT 1
)
RETURNING `+queueCols, millis(now), millis(now))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, ErrEmpty
	}
	if err != nil {
		return domain.QueueItem{}, storeErr("dequeue", err)
	}
	return it, nil
}

func (r *sqliteRepo) CompleteItem(ctx context.Context, id, resultHandle string) (bool, error) {
	return r.finish(ctx, "complete item", id, `
UPDATE queue SET status='completed', completed_at=?, result_handle=? WHERE id=? AND status='processing'`,
		millis(time.Now()), resultHandle, id)
}

func (r *sqliteRepo) FailItem(ctx context.Context, id, errMsg string) (bool, error) {
	return r.finish(ctx, "fail item", id, `
UPDATE queue SET status='error', completed_at=?, error_message=? WHERE id=? AND status='processing'`,
		millis(time.Now()), errMsg, id)
}

func (r *sqliteRepo) CancelItem(ctx context.Context, id string) (bool, error) {
	return r.finish(ctx, "cancel item", id, `
UPDATE queue SET status='cancelled', completed_at=? WHERE id=? AND status IN ('pending','processing')`,
		millis(time.Now()), id)
}

// finish runs a terminal transition. It reports false when the item was
// already terminal and ErrNotFound when it does not exist.
func (r *sqliteRepo) finish(ctx context.Context, op, id, q string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, storeErr(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := r.GetItem(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *sqliteRepo) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	it, err := scanItem(r.db.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queue WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, storeErr("get item", err)
	}
	return it, nil
}

func (r *sqliteRepo) ListQueue(ctx context.Context, status string, limit int) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+queueCols+` FROM queue
WHERE (? = '' OR status = ?)
ORDER BY priority DESC, created_at ASC, rowid ASC
LIMIT ?`, status, status, defaultLimit(limit))
	if err != nil {
		return nil, storeErr("list queue", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, storeErr("list queue", err)
		}
		items = append(items, it)
	}
	return items, storeErr("list queue", rows.Err())
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE queue SET status='pending', started_at=NULL
WHERE status='processing' AND started_at <= ?`, millis(now.Add(-olderThan)))
	if err != nil {
		return 0, storeErr("recover stale", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) ClearPending(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE queue SET status='cancelled', completed_at=? WHERE status='pending'`, millis(time.Now()))
	if err != nil {
		return 0, storeErr("clear pending", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) PurgeQueue(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM queue WHERE status IN ('completed','error','cancelled') AND completed_at < ?`, millis(before))
	if err != nil {
		return 0, storeErr("purge queue", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) RecordHistory(ctx context.Context, h domain.HistoryRecord) (string, error) {
	id := h.ID
	if id == "" {
		id = "hist_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO history (`+historyCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, id, optString(h.ScheduleID), h.QueueID, h.Query, h.FoundCount, h.RawCount, h.ResultHandle, h.Status,
		h.ErrorMessage, millis(h.StartedAt), millis(h.CompletedAt))
	if err != nil {
		return "", storeErr("record history", err)
	}
	return id, nil
}

func (r *sqliteRepo) ListHistory(ctx context.Context, scheduleID string, limit int) ([]domain.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+historyCols+` FROM history
WHERE (? = '' OR schedule_id = ?)
ORDER BY started_at DESC, rowid DESC
LIMIT ?`, scheduleID, scheduleID, defaultLimit(limit))
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, storeErr("list history", err)
		}
		out = append(out, h)
	}
	return out, storeErr("list history", rows.Err())
}
