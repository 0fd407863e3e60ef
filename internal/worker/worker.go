// Package worker runs queued jobs one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"deployd/internal/domain"
	"deployd/internal/store"
)

const (
	DefaultPollEvery    = 5 * time.Second
	DefaultRetryBackoff = 10 * time.Second
)

const noHandlerNote = "no job handler for this type of a job"

type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Store is the part of the job store the worker needs.
type Store interface {
	ListJobs(ctx context.Context, f store.JobFilter) ([]domain.Job, error)
	UpdateJob(ctx context.Context, id string, u store.JobUpdate) error
}

type Config struct {
	Scope        string
	PollEvery    time.Duration
	RetryBackoff time.Duration
}

type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Stats are cumulative counters since start.
type Stats struct {
	Ticks     uint64 `json:"ticks"`
	Skipped   uint64 `json:"skipped"`
	Done      uint64 `json:"done"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Running   bool   `json:"running"`
}

// Worker polls the store and runs at most one job at a time. The slot is a
// weighted semaphore of size one; a tick that cannot take it does nothing.
type Worker struct {
	store    Store
	handlers map[domain.JobType]Handler
	cfg      Config
	now      func() time.Time
	slot     *semaphore.Weighted

	mu      sync.Mutex
	current string

	ticks, skipped, done, failed, cancelled atomic.Uint64
}

func New(s Store, handlers map[domain.JobType]Handler, cfg Config, opts ...Option) *Worker {
	if cfg.Scope == "" {
		cfg.Scope = domain.ScopeServer
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = DefaultPollEvery
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	w := &Worker{
		store:    s,
		handlers: handlers,
		cfg:      cfg,
		now:      time.Now,
		slot:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run ticks every PollEvery until ctx is done, then waits for the running
// job to return.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.PollEvery)
	defer t.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	log.Info().Dur("interval", w.cfg.PollEvery).Str("scope", w.cfg.Scope).Msg("job worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("job worker stopping")
			return
		case <-t.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Tick(ctx)
			}()
		}
	}
}

// Tick runs the newest eligible job, if the slot is free and there is one.
// It reports whether a job was dispatched to its handler or cancelled for
// lacking one.
func (w *Worker) Tick(ctx context.Context) bool {
	if !w.slot.TryAcquire(1) {
		w.skipped.Add(1)
		return false
	}
	defer w.slot.Release(1)
	w.ticks.Add(1)

	job, ok := w.next(ctx)
	if !ok {
		return false
	}
	return w.process(ctx, job)
}

// Current returns the id of the job being run, or "".
func (w *Worker) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Worker) Stats() Stats {
	return Stats{
		Ticks:     w.ticks.Load(),
		Skipped:   w.skipped.Load(),
		Done:      w.done.Load(),
		Failed:    w.failed.Load(),
		Cancelled: w.cancelled.Load(),
		Running:   w.Current() != "",
	}
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
}

// next picks the first eligible job of the newest-first listing. Older
// eligible jobs wait for later ticks.
func (w *Worker) next(ctx context.Context) (domain.Job, bool) {
	jobs, err := w.store.ListJobs(ctx, store.JobFilter{
		Statuses: []domain.Status{domain.StatusNew, domain.StatusFailed},
		Scope:    w.cfg.Scope,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to list jobs")
		return domain.Job{}, false
	}
	now := w.now()
	for _, j := range jobs {
		if j.Eligible(now) {
			return j, true
		}
	}
	return domain.Job{}, false
}

func (w *Worker) process(ctx context.Context, job domain.Job) bool {
	logger := log.With().Str("job_id", job.ID).Str("job_type", string(job.Type)).Logger()
	ctx = logger.WithContext(ctx)

	w.setCurrent(job.ID)
	defer w.setCurrent("")

	// A failed claim is tolerated unless the job was finished or removed
	// after it was listed.
	if err := w.store.UpdateJob(ctx, job.ID, store.JobUpdate{Status: domain.StatusInProgress}); err != nil {
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
			logger.Warn().Err(err).Msg("job changed before it could be claimed, skipping")
			return false
		}
		logger.Error().Err(err).Msg("failed to mark job in progress")
	}

	var u store.JobUpdate
	h, ok := w.handlers[job.Type]
	if !ok {
		note := noHandlerNote
		u = store.JobUpdate{Status: domain.StatusCancelled, Notes: &note}
	} else {
		logger.Info().Msg("run job")
		started := w.now()
		err := w.invoke(ctx, h, job)
		u = w.outcome(err)
		ev := logger.Info()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("status", string(u.Status)).Dur("took", w.now().Sub(started)).Msg("job finished")
	}

	switch u.Status {
	case domain.StatusDone:
		w.done.Add(1)
	case domain.StatusFailed:
		w.failed.Add(1)
	case domain.StatusCancelled:
		w.cancelled.Add(1)
	}

	// The outcome is written even when ctx was cancelled mid-job.
	if err := w.store.UpdateJob(context.WithoutCancel(ctx), job.ID, u); err != nil {
		logger.Error().Err(err).Str("status", string(u.Status)).Msg("failed to save job outcome")
	}
	return true
}

func (w *Worker) invoke(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msgf("job handler panic: %v", r)
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (w *Worker) outcome(err error) store.JobUpdate {
	if err == nil {
		return store.JobUpdate{Status: domain.StatusDone, ClearStartAfter: true}
	}
	notes := err.Error()
	if errors.Is(err, domain.ErrInvalidTask) {
		return store.JobUpdate{Status: domain.StatusCancelled, Notes: &notes}
	}
	next := w.now().Add(w.cfg.RetryBackoff)
	return store.JobUpdate{Status: domain.StatusFailed, Notes: &notes, StartAfter: &next}
}
