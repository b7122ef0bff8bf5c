package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadflow/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  query TEXT NOT NULL,
  target_count INTEGER NOT NULL DEFAULT 25,
  verify BOOLEAN NOT NULL DEFAULT false,
  interval_seconds BIGINT NOT NULL DEFAULT 86400,
  cron_expr TEXT NOT NULL DEFAULT '',
  next_run TIMESTAMPTZ NOT NULL,
  last_run TIMESTAMPTZ,
  enabled BOOLEAN NOT NULL DEFAULT true,
  integrations_json JSONB NOT NULL DEFAULT '[]',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
CREATE TABLE IF NOT EXISTS queue (
  seq BIGSERIAL,
  id TEXT PRIMARY KEY,
  query TEXT NOT NULL,
  target_count INTEGER NOT NULL,
  verify BOOLEAN NOT NULL DEFAULT false,
  priority INTEGER NOT NULL DEFAULT 5,
  status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','completed','error','cancelled')),
  schedule_id TEXT,
  scheduled_time TIMESTAMPTZ,
  attempt INTEGER NOT NULL DEFAULT 0,
  parent_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ,
  result_handle TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue(status, priority DESC, created_at);
CREATE TABLE IF NOT EXISTS history (
  seq BIGSERIAL,
  id TEXT PRIMARY KEY,
  schedule_id TEXT,
  queue_id TEXT NOT NULL,
  query TEXT NOT NULL,
  found_count INTEGER NOT NULL DEFAULT 0,
  raw_count INTEGER NOT NULL DEFAULT 0,
  result_handle TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  started_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_schedule ON history(schedule_id, started_at DESC);
`

// NewPool connects to PostgreSQL and applies the schema.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return pool, nil
}

// pgRepo is the multi-instance backend: claims use FOR UPDATE SKIP LOCKED.
type pgRepo struct{ pool *pgxpool.Pool }

func NewPostgresRepo(pool *pgxpool.Pool) Repository { return &pgRepo{pool: pool} }

func pgScanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s            domain.Schedule
		intervalSec  int64
		integrations []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Query, &s.TargetCount, &s.Verify, &intervalSec, &s.CronExpr,
		&s.NextRun, &s.LastRun, &s.Enabled, &integrations, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	s.Interval = time.Duration(intervalSec) * time.Second
	if err := json.Unmarshal(integrations, &s.Integrations); err != nil {
		return domain.Schedule{}, fmt.Errorf("decode integrations of %s: %w", s.ID, err)
	}
	if s.Integrations == nil {
		s.Integrations = []domain.Integration{}
	}
	return s, nil
}

func pgScanItem(row scanner) (domain.QueueItem, error) {
	var it domain.QueueItem
	err := row.Scan(&it.ID, &it.Query, &it.TargetCount, &it.Verify, &it.Priority, &it.Status, &it.ScheduleID,
		&it.ScheduledTime, &it.Attempt, &it.ParentID, &it.CreatedAt, &it.StartedAt, &it.CompletedAt,
		&it.ResultHandle, &it.ErrorMessage)
	return it, err
}

func pgScanHistory(row scanner) (domain.HistoryRecord, error) {
	var h domain.HistoryRecord
	err := row.Scan(&h.ID, &h.ScheduleID, &h.QueueID, &h.Query, &h.FoundCount, &h.RawCount, &h.ResultHandle,
		&h.Status, &h.ErrorMessage, &h.StartedAt, &h.CompletedAt)
	return h, err
}

func (r *pgRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
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
	_, err = r.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, id, s.Name, s.Query, s.TargetCount, s.Verify, int64(s.Interval/time.Second), s.CronExpr,
		s.NextRun, s.LastRun, s.Enabled, integrations, now)
	if err != nil {
		return "", storeErr("create schedule", err)
	}
	return id, nil
}

func (r *pgRepo) UpdateSchedule(ctx context.Context, id string, p domain.SchedulePatch) (bool, error) {
	if p.Empty() {
		return false, nil
	}
	ph := func(n int) string { return "$" + strconv.Itoa(n) }
	sets, args, err := patchClauses(p, ph, func(t time.Time) any { return t })
	if err != nil {
		return false, err
	}
	args = append(args, time.Now())
	sets = append(sets, "updated_at = "+ph(len(args)))
	args = append(args, id)
	tag, err := r.pool.Exec(ctx, "UPDATE schedules SET "+strings.Join(sets, ", ")+" WHERE id = "+ph(len(args)), args...)
	if err != nil {
		return false, storeErr("update schedule", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRepo) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return false, storeErr("delete schedule", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRepo) ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, "list schedules", `
		SELECT `+scheduleCols+` FROM schedules
		WHERE (NOT $1 OR enabled)
		ORDER BY next_run, created_at`, enabledOnly)
}

func (r *pgRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, "due schedules", `
		SELECT `+scheduleCols+` FROM schedules
		WHERE enabled AND next_run <= $1
		ORDER BY next_run, created_at`, now)
}

func (r *pgRepo) querySchedules(ctx context.Context, op, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := pgScanSchedule(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		schedules = append(schedules, s)
	}
	return schedules, storeErr(op, rows.Err())
}

func (r *pgRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := pgScanSchedule(r.pool.QueryRow(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, storeErr("get schedule", err)
	}
	return s, nil
}

func (r *pgRepo) AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules SET last_run = $2, next_run = $3, updated_at = NOW() WHERE id = $1
	`, id, lastRun, nextRun)
	if err != nil {
		return storeErr("advance schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) FireSchedule(ctx context.Context, scheduleID string, item domain.QueueItem, lastRun, nextRun time.Time) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", storeErr("fire schedule", err)
	}
	defer tx.Rollback(ctx)

	item.ScheduleID = &scheduleID
	id, err := pgInsertItem(ctx, tx, item)
	if err != nil {
		return "", storeErr("fire schedule", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE schedules SET last_run = $2, next_run = $3, updated_at = NOW() WHERE id = $1 AND enabled
	`, scheduleID, lastRun, nextRun)
	if err != nil {
		return "", storeErr("fire schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return "", storeErr("fire schedule", err)
	}
	return id, nil
}

// pgExec is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExec interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func pgInsertItem(ctx context.Context, db pgExec, it domain.QueueItem) (string, error) {
	id := it.ID
	if id == "" {
		id = "q_" + uuid.NewString()
	}
	normalizeItem(&it)
	_, err := db.Exec(ctx, `
		INSERT INTO queue (id, query, target_count, verify, priority, status, schedule_id, scheduled_time, attempt, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9, clock_timestamp())
	`, id, it.Query, it.TargetCount, it.Verify, it.Priority, optString(it.ScheduleID), it.ScheduledTime,
		it.Attempt, optString(it.ParentID))
	return id, err
}

func (r *pgRepo) Enqueue(ctx context.Context, it domain.QueueItem) (string, error) {
	id, err := pgInsertItem(ctx, r.pool, it)
	if err != nil {
		return "", storeErr("enqueue", err)
	}
	return id, nil
}

func (r *pgRepo) DequeueNextReady(ctx context.Context, now time.Time) (domain.QueueItem, error) {
	it, err := pgScanItem(r.pool.QueryRow(ctx, `
		UPDATE queue SET status = 'processing', started_at = $1
		WHERE id = (
		  SELECT id FROM queue
		  WHERE status = 'pending' AND (scheduled_time IS NULL OR scheduled_time <= $1)
		  ORDER BY priority DESC, created_at ASC, seq ASC
		  LIMIT 1
		  FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueCols, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, ErrEmpty
	}
	if err != nil {
		return domain.QueueItem{}, storeErr("dequeue", err)
	}
	return it, nil
}

func (r *pgRepo) CompleteItem(ctx context.Context, id, resultHandle string) (bool, error) {
	return r.finish(ctx, "complete item", id, `
		UPDATE queue SET status = 'completed', completed_at = NOW(), result_handle = $2
		WHERE id = $1 AND status = 'processing'`, id, resultHandle)
}

func (r *pgRepo) FailItem(ctx context.Context, id, errMsg string) (bool, error) {
	return r.finish(ctx, "fail item", id, `
		UPDATE queue SET status = 'error', completed_at = NOW(), error_message = $2
		WHERE id = $1 AND status = 'processing'`, id, errMsg)
}

func (r *pgRepo) CancelItem(ctx context.Context, id string) (bool, error) {
	return r.finish(ctx, "cancel item", id, `
		UPDATE queue SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
}

func (r *pgRepo) finish(ctx context.Context, op, id, q string, args ...any) (bool, error) {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, storeErr(op, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetItem(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *pgRepo) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	it, err := pgScanItem(r.pool.QueryRow(ctx, `SELECT `+queueCols+` FROM queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, storeErr("get item", err)
	}
	return it, nil
}

func (r *pgRepo) ListQueue(ctx context.Context, status string, limit int) ([]domain.QueueItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+queueCols+` FROM queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT $2`, status, defaultLimit(limit))
	if err != nil {
		return nil, storeErr("list queue", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		it, err := pgScanItem(rows)
		if err != nil {
			return nil, storeErr("list queue", err)
		}
		items = append(items, it)
	}
	return items, storeErr("list queue", rows.Err())
}

func (r *pgRepo) RecoverStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at <= $1`, now.Add(-olderThan))
	if err != nil {
		return 0, storeErr("recover stale", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgRepo) ClearPending(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue SET status = 'cancelled', completed_at = NOW() WHERE status = 'pending'`)
	if err != nil {
		return 0, storeErr("clear pending", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgRepo) PurgeQueue(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM queue WHERE status IN ('completed', 'error', 'cancelled') AND completed_at < $1`, before)
	if err != nil {
		return 0, storeErr("purge queue", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgRepo) RecordHistory(ctx context.Context, h domain.HistoryRecord) (string, error) {
	id := h.ID
	if id == "" {
		id = "hist_" + uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO history (`+historyCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, id, optString(h.ScheduleID), h.QueueID, h.Query, h.FoundCount, h.RawCount, h.ResultHandle, h.Status,
		h.ErrorMessage, h.StartedAt, h.CompletedAt)
	if err != nil {
		return "", storeErr("record history", err)
	}
	return id, nil
}

func (r *pgRepo) ListHistory(ctx context.Context, scheduleID string, limit int) ([]domain.HistoryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+historyCols+` FROM history
		WHERE ($1 = '' OR schedule_id = $1)
		ORDER BY started_at DESC, seq DESC
		LIMIT $2`, scheduleID, defaultLimit(limit))
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		h, err := pgScanHistory(rows)
		if err != nil {
			return nil, storeErr("list history", err)
		}
		out = append(out, h)
	}
	return out, storeErr("list history", rows.Err())
}
