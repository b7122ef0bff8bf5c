package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
	"leadflow/internal/queue"
)

// Service is the due-schedule detector. It only talks to the repository.
type Service struct {
	repo     queue.Repository
	stop     chan struct{}
	interval time.Duration
	now      func() time.Time
}

func NewService(repo queue.Repository, checkInterval time.Duration) *Service {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Service{
		repo:     repo,
		stop:     make(chan struct{}),
		interval: checkInterval,
		now:      time.Now,
	}
}

// Start ticks until ctx is cancelled or Stop is called. It returns early only
// on a store failure.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	if _, err := s.Tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick enqueues every enabled schedule whose next_run has elapsed, oldest
// first, and returns how many were enqueued. Failures of one schedule do not
// block the others; a store failure aborts the tick.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.now()
	schedules, err := s.repo.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return 0, err
	}

	fired := 0
	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			if queue.IsStoreError(err) {
				return fired, err
			}
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
			continue
		}
		fired++
	}
	return fired, nil
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	nextRun, err := NextRun(schedule, now)
	if err != nil {
		return err
	}

	// Enqueue and advance commit together, so a failed enqueue never skips a run.
	item := domain.QueueItem{
		Query:       schedule.Query,
		TargetCount: schedule.TargetCount,
		Verify:      schedule.Verify,
		Priority:    domain.PriorityScheduled,
	}
	itemID, err := s.repo.FireSchedule(ctx, schedule.ID, item, now, nextRun)
	if errors.Is(err, queue.ErrNotFound) {
		log.Warn().Str("schedule_id", schedule.ID).Msg("schedule removed or disabled before firing")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to enqueue scheduled search")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("queue_id", itemID).
		Time("next_run", nextRun).
		Msg("scheduled search enqueued")

	return nil
}

// Advance sets last_run to now and next_run to the schedule's next occurrence.
func (s *Service) Advance(ctx context.Context, id string) (time.Time, error) {
	schedule, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	now := s.now()
	next, err := NextRun(schedule, now)
	if err != nil {
		return time.Time{}, err
	}
	return next, s.repo.AdvanceSchedule(ctx, id, now, next)
}

// NextRun returns the first run time after from: the cron expression's next
// activation when one is set, otherwise from plus the interval.
func NextRun(s domain.Schedule, from time.Time) (time.Time, error) {
	if s.CronExpr != "" {
		return NextRunTime(s.CronExpr, from)
	}
	if s.Interval <= 0 {
		return time.Time{}, fmt.Errorf("schedule %s has neither cron_expr nor interval", s.ID)
	}
	return from.Add(s.Interval), nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return cronSchedule.Next(from), nil
}
