// Package api exposes the job queue and server registry over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"deployd/internal/domain"
	"deployd/internal/store"
	"deployd/internal/worker"
)

type Store interface {
	CreateJob(ctx context.Context, j domain.Job) (domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]domain.Job, error)
	UpdateJob(ctx context.Context, id string, u store.JobUpdate) error

	CreateServer(ctx context.Context, s domain.Server) (domain.Server, error)
	GetServer(ctx context.Context, id string) (domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	SetServerStatus(ctx context.Context, id string, status domain.ServerStatus) error
	ReserveServerPort(ctx context.Context, id string) (int, error)

	ListCertificates(ctx context.Context, domainName string) ([]domain.Certificate, error)
}

// StatsSource reports worker counters for /metrics.
type StatsSource interface {
	Stats() worker.Stats
}

type Options struct {
	ServerDomain string
	Worker       StatsSource
	Debug        bool
}

type Server struct {
	r     *chi.Mux
	store Store
	opts  Options
}

func NewServer(st Store, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: requestLog{}, NoColor: true}),
		middleware.Recoverer,
	)

	s := &Server{r: r, store: st, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Put("/{id}", s.updateJob)
	})
	r.Route("/api/servers", func(r chi.Router) {
		r.Post("/", s.registerServer)
		r.Get("/", s.listServers)
		r.Get("/{id}", s.getServer)
		r.Post("/{id}/ready", s.serverReady)
		r.Post("/{id}/ports", s.reservePort)
		r.Get("/{id}/certificates", s.listCertificates)
	})

	if opts.Debug {
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
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "deployd_up 1")
	if s.opts.Worker == nil {
		return
	}
	st := s.opts.Worker.Stats()
	running := 0
	if st.Running {
		running = 1
	}
	fmt.Fprintf(w, "deployd_worker_ticks_total %d\n", st.Ticks)
	fmt.Fprintf(w, "deployd_worker_skipped_ticks_total %d\n", st.Skipped)
	fmt.Fprintf(w, "deployd_jobs_finished_total{status=\"done\"} %d\n", st.Done)
	fmt.Fprintf(w, "deployd_jobs_finished_total{status=\"failed\"} %d\n", st.Failed)
	fmt.Fprintf(w, "deployd_jobs_finished_total{status=\"cancelled\"} %d\n", st.Cancelled)
	fmt.Fprintf(w, "deployd_worker_running %d\n", running)
}

// storeError maps store sentinels to HTTP status codes.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error().Err(err).Msg("store request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLog feeds chi's request logger into zerolog.
type requestLog struct{}

func (requestLog) Print(v ...interface{}) {
	log.Info().Str("component", "http").Msg(fmt.Sprint(v...))
}
