package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"leadflow/internal/domain"
)

var (
	// ErrEmpty is returned by DequeueNextReady when no pending item is eligible.
	ErrEmpty = errors.New("no queue items ready")
	// ErrNotFound is returned when a schedule or queue item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrFractionalInterval is returned for intervals that are not whole
	// seconds; the store keeps intervals in seconds.
	ErrFractionalInterval = errors.New("interval must be a whole number of seconds")
)

// StoreError marks a failure of the persistence layer itself. Callers treat it
// as fatal for the scheduler process.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err (or anything it wraps) is a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Repository is the durable state shared by the detector, the processor and
// the admin API. Every method is atomic on its own.
type Repository interface {
	// Schedules
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	UpdateSchedule(ctx context.Context, id string, patch domain.SchedulePatch) (bool, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error
	// FireSchedule enqueues item for the schedule and advances the schedule's
	// run times in one transaction.
	FireSchedule(ctx context.Context, scheduleID string, item domain.QueueItem, lastRun, nextRun time.Time) (string, error)

	// Queue
	Enqueue(ctx context.Context, item domain.QueueItem) (string, error)
	DequeueNextReady(ctx context.Context, now time.Time) (domain.QueueItem, error)
	CompleteItem(ctx context.Context, id, resultHandle string) (bool, error)
	FailItem(ctx context.Context, id, errMsg string) (bool, error)
	CancelItem(ctx context.Context, id string) (bool, error)
	GetItem(ctx context.Context, id string) (domain.QueueItem, error)
	ListQueue(ctx context.Context, status string, limit int) ([]domain.QueueItem, error)
	RecoverStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error)
	ClearPending(ctx context.Context) (int, error)
	PurgeQueue(ctx context.Context, before time.Time) (int, error)

	// History
	RecordHistory(ctx context.Context, h domain.HistoryRecord) (string, error)
	ListHistory(ctx context.Context, scheduleID string, limit int) ([]domain.HistoryRecord, error)
}

func normalizeItem(it *domain.QueueItem) {
	if it.TargetCount <= 0 {
		it.TargetCount = 25
	}
}

func normalizeSchedule(s *domain.Schedule, now time.Time) error {
	if s.TargetCount <= 0 {
		s.TargetCount = 25
	}
	if s.Interval <= 0 && s.CronExpr == "" {
		s.Interval = 24 * time.Hour
	}
	if err := checkInterval(s.Interval); err != nil {
		return err
	}
	if s.NextRun.IsZero() {
		if s.CronExpr != "" {
			sched, err := cron.ParseStandard(s.CronExpr)
			if err != nil {
				return fmt.Errorf("parse cron expression %q: %w", s.CronExpr, err)
			}
			s.NextRun = sched.Next(now)
		} else {
			s.NextRun = now.Add(s.Interval)
		}
	}
	if s.Integrations == nil {
		s.Integrations = []domain.Integration{}
	}
	return nil
}

func checkInterval(d time.Duration) error {
	if d%time.Second != 0 {
		return ErrFractionalInterval
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func optString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
