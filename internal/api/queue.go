package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"leadflow/internal/domain"
)

var errIntervalTooShort = errors.New("interval must be at least 1m")

const maxBulk = 500

type enqueueReq struct {
	Query         string     `json:"query"`
	TargetCount   int        `json:"target_count"`
	Verify        bool       `json:"verify"`
	Priority      *int       `json:"priority"`
	ScheduledTime *time.Time `json:"scheduled_time"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

type bulkReq struct {
	Items []enqueueReq `json:"items"`
}

type bulkResp struct {
	IDs []string `json:"ids"`
}

type countResp struct {
	Count int `json:"count"`
}

func (req enqueueReq) item() (domain.QueueItem, error) {
	if req.Query == "" {
		return domain.QueueItem{}, errors.New("query is required")
	}
	if req.TargetCount < 0 {
		return domain.QueueItem{}, errors.New("target_count must be positive")
	}
	priority := domain.PriorityDefault
	if req.Priority != nil {
		if *req.Priority < 0 {
			return domain.QueueItem{}, errors.New("priority must not be negative")
		}
		priority = *req.Priority
	}
	return domain.QueueItem{
		Query:         req.Query,
		TargetCount:   req.TargetCount,
		Verify:        req.Verify,
		Priority:      priority,
		ScheduledTime: req.ScheduledTime,
	}, nil
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	item, err := req.item()
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), item)
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

// enqueueBulk validates every item before enqueueing any of them.
func (s *Server) enqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items is required", 400)
		return
	}
	if len(req.Items) > maxBulk {
		http.Error(w, fmt.Sprintf("at most %d items per request", maxBulk), 400)
		return
	}
	items := make([]domain.QueueItem, 0, len(req.Items))
	for i, in := range req.Items {
		item, err := in.item()
		if err != nil {
			http.Error(w, fmt.Sprintf("items[%d]: %v", i, err), 400)
			return
		}
		items = append(items, item)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := s.repo.Enqueue(r.Context(), item)
		if err != nil {
			storeFailure(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusAccepted, bulkResp{IDs: ids})
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusError, domain.StatusCancelled:
	default:
		http.Error(w, "unknown status "+status, 400)
		return
	}
	items, err := s.repo.ListQueue(r.Context(), status, queryLimit(r))
	if err != nil {
		storeFailure(w, err)
		return
	}
	if items == nil {
		items = []domain.QueueItem{}
	}
	writeJSON(w, 200, items)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.repo.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, 200, item)
}

// cancelItem answers 409 when the item already reached a final status.
func (s *Server) cancelItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.repo.CancelItem(r.Context(), id)
	if err != nil {
		storeFailure(w, err)
		return
	}
	if !ok {
		http.Error(w, "item already finished", http.StatusConflict)
		return
	}
	item, err := s.repo.GetItem(r.Context(), id)
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, 200, item)
}

func (s *Server) clearPending(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.ClearPending(r.Context())
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, 200, countResp{Count: n})
}

// purgeQueue deletes finished items older than older_than (default 7 days).
func (s *Server) purgeQueue(w http.ResponseWriter, r *http.Request) {
	age := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "invalid older_than", 400)
			return
		}
		age = d
	}
	n, err := s.repo.PurgeQueue(r.Context(), s.now().Add(-age))
	if err != nil {
		storeFailure(w, err)
		return
	}
	writeJSON(w, 200, countResp{Count: n})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, r.URL.Query().Get("schedule_id"))
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, scheduleID string) {
	hs, err := s.repo.ListHistory(r.Context(), scheduleID, queryLimit(r))
	if err != nil {
		storeFailure(w, err)
		return
	}
	if hs == nil {
		hs = []domain.HistoryRecord{}
	}
	writeJSON(w, 200, hs)
}

func validateIntegrations(ins []domain.Integration) error {
	for i, in := range ins {
		if in.Type == "" {
			return fmt.Errorf("integrations[%d]: type is required", i)
		}
		if len(in.Params) > 0 {
			var obj map[string]any
			if err := json.Unmarshal(in.Params, &obj); err != nil {
				return fmt.Errorf("integrations[%d]: parameters must be an object", i)
			}
		}
	}
	return nil
}
