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

	"relayq/internal/beat"
	"relayq/internal/domain"
	"relayq/internal/producer"
	"relayq/internal/result"
	"relayq/internal/task"
)

type Server struct {
	r         *chi.Mux
	producer  *producer.Producer
	results   result.Store
	schedules beat.Store
	registry  *task.Registry
}

func NewServer(p *producer.Producer, results result.Store, schedules beat.Store, registry *task.Registry) http.Handler {
	return NewServerWithDebug(p, results, schedules, registry, false)
}

func NewServerWithDebug(p *producer.Producer, results result.Store, schedules beat.Store, registry *task.Registry, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, producer: p, results: results, schedules: schedules, registry: registry}

	r.Get("/health", s.health)
	r.Get("/api/registry", s.listRegistered)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/revoke", s.revokeTask)
	r.Post("/api/queues/{queue}/purge", s.purgeQueue)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{key}", s.getSchedule)
	r.Put("/api/schedules/{key}", s.updateSchedule)
	r.Delete("/api/schedules/{key}", s.deleteSchedule)

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
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listRegistered(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{"tasks": s.registry.Names()})
}

type submitReq struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	Queue  string         `json:"queue"`
	// Priority is 1 (lowest) to 9 (highest); 0 means default.
	Priority    int               `json:"priority"`
	TaskID      string            `json:"task_id"`
	CountdownMs int64             `json:"countdown_ms"`
	ETA         *time.Time        `json:"eta"`
	ExpiresSec  int64             `json:"expires_sec"`
	Headers     map[string]string `json:"headers"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}

	sig := domain.Signature{Name: req.Name, Args: req.Args, Kwargs: req.Kwargs}
	sig.Options.Queue = req.Queue
	sig.Options.Priority = req.Priority
	sig.Options.TaskID = req.TaskID
	sig.Options.Headers = req.Headers
	if req.ExpiresSec > 0 {
		exp := time.Now().Add(time.Duration(req.ExpiresSec) * time.Second)
		sig.Options.ExpiresAt = &exp
	}

	var id string
	var err error
	switch {
	case req.ETA != nil:
		id, err = s.producer.EnqueueAt(r.Context(), sig, *req.ETA)
	case req.CountdownMs > 0:
		id, err = s.producer.EnqueueAfter(r.Context(), sig, time.Duration(req.CountdownMs)*time.Millisecond)
	default:
		id, err = s.producer.Enqueue(r.Context(), sig)
	}
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.results.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, result.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, res)
}

// listTasks is only served by rich-query result backends; the pure
// key-value cache answers 501.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q, ok := s.results.(result.Querier)
	if !ok {
		http.Error(w, "result backend does not support listing", http.StatusNotImplemented)
		return
	}

	var status domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = domain.Status(raw)
		if !status.Valid() {
			http.Error(w, "unknown status "+raw, 400)
			return
		}
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", 400)
			return
		}
		since = t
	}

	list, err := q.List(r.Context(), status, since, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if list == nil {
		list = []domain.TaskResult{}
	}
	writeJSON(w, 200, list)
}

type revokeReq struct {
	Terminate bool `json:"terminate"`
}

func (s *Server) revokeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req revokeReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if err := s.producer.Revoke(r.Context(), id, req.Terminate); err != nil {
		if errors.Is(err, result.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		// already terminal
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purgeQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	n, err := s.producer.Purge(r.Context(), queue)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"queue": queue, "purged": n})
}

type scheduleReq struct {
	Key        string         `json:"key"`
	Name       string         `json:"name"`
	Spec       string         `json:"spec"`
	TaskName   string         `json:"task_name"`
	Args       []any          `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
	Queue      string         `json:"queue"`
	Priority   int            `json:"priority"`
	ExpiresSec int64          `json:"expires_sec"`
	Enabled    *bool          `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "scheduler is disabled", http.StatusNotImplemented)
		return
	}
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Key == "" {
		http.Error(w, "key is required", 400)
		return
	}
	if req.TaskName == "" {
		http.Error(w, "task_name is required", 400)
		return
	}
	if err := beat.ValidateSpec(req.Spec); err != nil {
		http.Error(w, "invalid spec: "+err.Error(), 400)
		return
	}
	nextRun, err := beat.NextFire(req.Spec, time.Now())
	if err != nil {
		http.Error(w, "invalid spec: "+err.Error(), 400)
		return
	}

	entry := domain.ScheduleEntry{
		Key:      req.Key,
		Name:     req.Name,
		Spec:     req.Spec,
		TaskName: req.TaskName,
		Args:     req.Args,
		Kwargs:   req.Kwargs,
		Queue:    req.Queue,
		Priority: req.Priority,
		Expires:  time.Duration(req.ExpiresSec) * time.Second,
		Enabled:  req.Enabled == nil || *req.Enabled,
		NextRun:  nextRun,
	}
	if err := s.schedules.Create(r.Context(), entry); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": entry.Key, "next_run": entry.NextRun})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "scheduler is disabled", http.StatusNotImplemented)
		return
	}
	list, err := s.schedules.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if list == nil {
		list = []domain.ScheduleEntry{}
	}
	writeJSON(w, 200, list)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "scheduler is disabled", http.StatusNotImplemented)
		return
	}
	entry, err := s.schedules.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		if errors.Is(err, beat.ErrEntryNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, entry)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "scheduler is disabled", http.StatusNotImplemented)
		return
	}
	key := chi.URLParam(r, "key")
	entry, err := s.schedules.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, beat.ErrEntryNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		entry.Name = req.Name
	}
	if req.TaskName != "" {
		entry.TaskName = req.TaskName
	}
	if req.Spec != "" && req.Spec != entry.Spec {
		if err := beat.ValidateSpec(req.Spec); err != nil {
			http.Error(w, "invalid spec: "+err.Error(), 400)
			return
		}
		nextRun, err := beat.NextFire(req.Spec, time.Now())
		if err != nil {
			http.Error(w, "invalid spec: "+err.Error(), 400)
			return
		}
		entry.Spec = req.Spec
		entry.NextRun = nextRun
	}
	if req.Args != nil {
		entry.Args = req.Args
	}
	if req.Kwargs != nil {
		entry.Kwargs = req.Kwargs
	}
	if req.Queue != "" {
		entry.Queue = req.Queue
	}
	if req.Priority != 0 {
		entry.Priority = req.Priority
	}
	if req.ExpiresSec > 0 {
		entry.Expires = time.Duration(req.ExpiresSec) * time.Second
	}
	if req.Enabled != nil {
		entry.Enabled = *req.Enabled
	}

	if err := s.schedules.Update(r.Context(), entry); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, entry)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "scheduler is disabled", http.StatusNotImplemented)
		return
	}
	if err := s.schedules.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		if errors.Is(err, beat.ErrEntryNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
