// Package api exposes the scheduler store operations over HTTP for operators.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"leadflow/internal/queue"
	"leadflow/internal/scheduler"
)

type Server struct {
	r     *chi.Mux
	repo  queue.Repository
	sched *scheduler.Service
	now   func() time.Time
}

func NewServer(repo queue.Repository) http.Handler {
	return NewServerWithDebug(repo, false)
}

func NewServerWithDebug(repo queue.Repository, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, sched: scheduler.NewService(repo, 0), now: time.Now}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/schedules", func(r chi.Router) {
		r.Post("/", s.createSchedule)
		r.Get("/", s.listSchedules)
		r.Get("/{id}", s.getSchedule)
		r.Patch("/{id}", s.updateSchedule)
		r.Delete("/{id}", s.deleteSchedule)
		r.Post("/{id}/run", s.runSchedule)
		r.Post("/{id}/advance", s.advanceSchedule)
		r.Get("/{id}/history", s.scheduleHistory)
	})

	r.Route("/api/queue", func(r chi.Router) {
		r.Post("/", s.enqueue)
		r.Post("/bulk", s.enqueueBulk)
		r.Get("/", s.listQueue)
		r.Delete("/", s.clearPending)
		r.Post("/purge", s.purgeQueue)
		r.Get("/{id}", s.getItem)
		r.Post("/{id}/cancel", s.cancelItem)
	})

	r.Get("/api/history", s.listHistory)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if _, err := s.repo.ListQueue(r.Context(), "", 1); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// storeFailure maps repository errors to a response.
func storeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log.Error().Err(err).Msg("store operation failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
