package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"leadflow/internal/domain"
	"leadflow/internal/queue"
	"leadflow/internal/scheduler"
)

// scheduleResp renders the interval as a duration string.
type scheduleResp struct {
	domain.Schedule
	Interval string `json:"interval,omitempty"`
}

func toScheduleResp(s domain.Schedule) scheduleResp {
	out := scheduleResp{Schedule: s}
	if s.Interval > 0 {
		out.Interval = s.Interval.String()
	}
	return out
}

type createScheduleReq struct {
	Name         string               `json:"name"`
	Query        string               `json:"query"`
	TargetCount  int                  `json:"target_count"`
	Verify       bool                 `json:"verify"`
	Interval     string               `json:"interval"`
	CronExpr     string               `json:"cron_expr"`
	Enabled      *bool                `json:"enabled"`
	Integrations []domain.Integration `json:"integrations"`
}

type createScheduleResp struct {
	ID      string    `json:"id"`
	NextRun time.Time `json:"next_run"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", 400)
		return
	}
	if req.TargetCount < 0 {
		http.Error(w, "target_count must be positive", 400)
		return
	}

	schedule := domain.Schedule{
		Name:         req.Name,
		Query:        req.Query,
		TargetCount:  req.TargetCount,
		Verify:       req.Verify,
		CronExpr:     req.CronExpr,
		Enabled:      req.Enabled == nil || *req.Enabled,
		Integrations: req.Integrations,
	}
	if req.Interval != "" {
		d, err := parseInterval(req.Interval)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		schedule.Interval = d
	}
	if schedule.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(schedule.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
	} else if schedule.Interval == 0 {
		schedule.Interval = 24 * time.Hour
	}
	if err := validateIntegrations(schedule.Integrations); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	nextRun, err := scheduler.NextRun(schedule, s.now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}
	schedule.NextRun = nextRun

	id, err := s.repo.CreateSchedule(r.Context(), schedule)
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id, NextRun: nextRun})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		storeFailure(w, err)
		return
	}
	out := make([]scheduleResp, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, toScheduleResp(sc))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, 200, toScheduleResp(schedule))
}

type updateScheduleReq struct {
	Name         *string               `json:"name"`
	Query        *string               `json:"query"`
	TargetCount  *int                  `json:"target_count"`
	Verify       *bool                 `json:"verify"`
	Interval     *string               `json:"interval"`
	CronExpr     *string               `json:"cron_expr"`
	Enabled      *bool                 `json:"enabled"`
	Integrations *[]domain.Integration `json:"integrations"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	schedule, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		storeFailure(w, err)
		return
	}

	var req updateScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	patch := domain.SchedulePatch{
		Name:         req.Name,
		Query:        req.Query,
		TargetCount:  req.TargetCount,
		Verify:       req.Verify,
		CronExpr:     req.CronExpr,
		Enabled:      req.Enabled,
		Integrations: req.Integrations,
	}
	if req.TargetCount != nil && *req.TargetCount <= 0 {
		http.Error(w, "target_count must be positive", 400)
		return
	}
	if req.Integrations != nil {
		if err := validateIntegrations(*req.Integrations); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}

	// A timing change recomputes next_run from now.
	if req.Interval != nil || req.CronExpr != nil {
		if req.Interval != nil {
			d, err := parseInterval(*req.Interval)
			if err != nil {
				http.Error(w, err.Error(), 400)
				return
			}
			schedule.Interval = d
			patch.Interval = &d
		}
		if req.CronExpr != nil {
			if *req.CronExpr != "" {
				if err := scheduler.ValidateCronExpression(*req.CronExpr); err != nil {
					http.Error(w, "invalid cron expression: "+err.Error(), 400)
					return
				}
			}
			schedule.CronExpr = *req.CronExpr
		}
		nextRun, err := scheduler.NextRun(schedule, s.now())
		if err != nil {
			http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
			return
		}
		patch.NextRun = &nextRun
	}

	if patch.Empty() {
		http.Error(w, "no fields to update", 400)
		return
	}
	if _, err := s.repo.UpdateSchedule(r.Context(), id, patch); err != nil {
		storeFailure(w, err)
		return
	}

	updated, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, 200, toScheduleResp(updated))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	ok, err := s.repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeFailure(w, err)
		return
	}
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runSchedule enqueues the schedule's search now without moving next_run.
func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeFailure(w, err)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), domain.QueueItem{
		Query:       schedule.Query,
		TargetCount: schedule.TargetCount,
		Verify:      schedule.Verify,
		Priority:    domain.PriorityScheduled,
		ScheduleID:  &schedule.ID,
	})
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

type advanceResp struct {
	NextRun time.Time `json:"next_run"`
}

// advanceSchedule skips the pending run: last_run becomes now and next_run the
// following occurrence.
func (s *Server) advanceSchedule(w http.ResponseWriter, r *http.Request) {
	next, err := s.sched.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) || queue.IsStoreError(err) {
			storeFailure(w, err)
			return
		}
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, 200, advanceResp{NextRun: next})
}

func (s *Server) scheduleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetSchedule(r.Context(), id); err != nil {
		storeFailure(w, err)
		return
	}
	s.writeHistory(w, r, id)
}

func parseInterval(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < time.Minute {
		return 0, errIntervalTooShort
	}
	if d%time.Second != 0 {
		return 0, queue.ErrFractionalInterval
	}
	return d, nil
}
