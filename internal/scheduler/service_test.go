package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"leadflow/internal/domain"
	"leadflow/internal/queue"
)

func openTestRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return queue.NewSQLiteRepo(db)
}

func newTestService(repo queue.Repository, now time.Time) *Service {
	s := NewService(repo, time.Minute)
	s.now = func() time.Time { return now }
	return s
}

func createAfterLastRun(t *testing.T, repo queue.Repository, name string, interval time.Duration, lastRun time.Time, enabled bool) string {
	t.Helper()
	id, err := repo.CreateSchedule(context.Background(), domain.Schedule{
		Name:        name,
		Query:       name + " query",
		TargetCount: 10,
		Interval:    interval,
		LastRun:     &lastRun,
		NextRun:     lastRun.Add(interval),
		Enabled:     enabled,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return id
}

func TestTick_DueByInterval(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	due := createAfterLastRun(t, repo, "due", 24*time.Hour, now.Add(-25*time.Hour), true)
	createAfterLastRun(t, repo, "not-due", 24*time.Hour, now.Add(-23*time.Hour), true)
	createAfterLastRun(t, repo, "disabled", 24*time.Hour, now.Add(-48*time.Hour), false)

	n, err := newTestService(repo, now).Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("fired: got %d, want 1", n)
	}

	items, _ := repo.ListQueue(ctx, domain.StatusPending, 0)
	if len(items) != 1 {
		t.Fatalf("queue: got %d items", len(items))
	}
	it := items[0]
	if it.ScheduleID == nil || *it.ScheduleID != due {
		t.Errorf("queue item not linked to schedule: %+v", it)
	}
	if it.Priority != domain.PriorityScheduled || it.Query != "due query" || it.TargetCount != 10 {
		t.Errorf("queue item fields: %+v", it)
	}

	s, _ := repo.GetSchedule(ctx, due)
	if s.LastRun == nil || s.LastRun.UnixMilli() != now.UnixMilli() {
		t.Errorf("last_run: got %v, want %v", s.LastRun, now)
	}
	if want := now.Add(24 * time.Hour); s.NextRun.UnixMilli() != want.UnixMilli() {
		t.Errorf("next_run: got %v, want %v", s.NextRun, want)
	}
	if s.NextRun.Before(*s.LastRun) {
		t.Error("next_run must not precede last_run")
	}

	n, _ = newTestService(repo, now).Tick(ctx)
	if n != 0 {
		t.Errorf("second tick should find nothing due, fired %d", n)
	}
}

func TestTick_MultipleDueShareElevatedPriority(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	older := createAfterLastRun(t, repo, "older", time.Hour, now.Add(-3*time.Hour), true)
	newer := createAfterLastRun(t, repo, "newer", time.Hour, now.Add(-90*time.Minute), true)

	if n, err := newTestService(repo, now).Tick(ctx); err != nil || n != 2 {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}

	items, _ := repo.ListQueue(ctx, "", 0)
	if len(items) != 2 {
		t.Fatalf("queue: got %d", len(items))
	}
	if *items[0].ScheduleID != older || *items[1].ScheduleID != newer {
		t.Errorf("enqueue order should follow next_run ascending")
	}
	for _, it := range items {
		if it.Priority != domain.PriorityScheduled {
			t.Errorf("priority: got %d", it.Priority)
		}
	}
}

func TestTick_InvalidCronSkipsOnlyThatSchedule(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	repo.CreateSchedule(ctx, domain.Schedule{Name: "broken", Query: "q", CronExpr: "not a cron", Enabled: true, NextRun: now.Add(-time.Minute)})
	createAfterLastRun(t, repo, "ok", time.Hour, now.Add(-2*time.Hour), true)

	n, err := newTestService(repo, now).Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Errorf("fired: got %d, want 1", n)
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	got, err := NextRun(domain.Schedule{Interval: 6 * time.Hour}, from)
	if err != nil || !got.Equal(from.Add(6*time.Hour)) {
		t.Errorf("interval: got %v err=%v", got, err)
	}

	got, err = NextRun(domain.Schedule{CronExpr: "0 9 * * *", Interval: time.Hour}, from)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("cron: got %v, want %v", got, want)
	}

	if _, err := NextRun(domain.Schedule{ID: "x"}, from); err == nil {
		t.Error("schedule without cron or interval should error")
	}
	if err := ValidateCronExpression("*/5 * * * *"); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
}

func TestAdvance(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	id := createAfterLastRun(t, repo, "s", 2*time.Hour, now.Add(-time.Hour), true)
	next, err := newTestService(repo, now).Advance(ctx, id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !next.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("next: got %v", next)
	}
	s, _ := repo.GetSchedule(ctx, id)
	if s.NextRun.UnixMilli() != next.UnixMilli() || s.LastRun.UnixMilli() != now.UnixMilli() {
		t.Errorf("stored times: last=%v next=%v", s.LastRun, s.NextRun)
	}
}

func TestStart_FiresOnStartAndStops(t *testing.T) {
	repo := openTestRepo(t)
	now := time.Now()
	createAfterLastRun(t, repo, "boot", time.Hour, now.Add(-2*time.Hour), true)

	s := NewService(repo, time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		items, _ := repo.ListQueue(context.Background(), domain.StatusPending, 0)
		if len(items) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("due schedule was not fired on start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
