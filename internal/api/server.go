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
	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/recurrence"
	"tickflow/internal/scheduler"
	"tickflow/internal/store"
)

const maxPreview = 100

type Server struct {
	r       *chi.Mux
	svc     *scheduler.Service
	metrics http.Handler
	now     func() time.Time
}

type Options struct {
	// Metrics serves /metrics; nil disables the route.
	Metrics     http.Handler
	EnableDebug bool
}

func NewServer(svc *scheduler.Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, svc: svc, metrics: opts.Metrics, now: time.Now}

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/pause", s.pauseSchedule)
		r.Post("/schedules/{id}/resume", s.resumeSchedule)
		r.Post("/schedules/{id}/cancel", s.cancelSchedule)
		r.Get("/schedules/{id}/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Post("/tick", s.tick)
		r.Get("/preview", s.preview)
	})

	if opts.EnableDebug {
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

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduler.NewSchedule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sch, err := s.svc.CreateSchedule(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.svc.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.svc.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.svc.Runs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.svc.TickOnce(r.Context(), s.now(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type previewResp struct {
	Kind     domain.RecurrenceKind `json:"kind"`
	Value    string                `json:"value"`
	Timezone string                `json:"timezone"`
	From     time.Time             `json:"from"`
	Next     []string              `json:"next"`
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := intParam(r, "count", 5)
	if err != nil || count < 1 || count > maxPreview {
		http.Error(w, "count must be between 1 and 100", http.StatusBadRequest)
		return
	}
	from := s.now()
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	kind := domain.RecurrenceKind(q.Get("kind"))
	tz := q.Get("tz")
	if tz == "" {
		tz = "UTC"
	}
	times, err := recurrence.Preview(kind, q.Get("value"), tz, from, count)
	if err != nil {
		writeError(w, err)
		return
	}
	loc, _ := recurrence.LoadLocation(tz)
	next := make([]string, len(times))
	for i, t := range times {
		next[i] = t.In(loc).Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, previewResp{Kind: kind, Value: q.Get("value"), Timezone: tz, From: from.UTC(), Next: next})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, recurrence.ErrMalformed),
		errors.Is(err, recurrence.ErrNoMatch):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrInvalidState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
