// Package scheduler runs periodic maintenance next to the job worker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TaskFunc is one maintenance run.
type TaskFunc func(ctx context.Context) error

type Service struct {
	cron *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

func NewService() *Service {
	l := cronLogger{log.With().Str("component", "scheduler").Logger()}
	return &Service{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx: context.Background(),
	}
}

// Every registers fn to run every interval. A run that is still going when
// the next one is due makes the next one skip.
func (s *Service) Every(name string, interval time.Duration, fn TaskFunc) error {
	if interval < time.Second {
		return fmt.Errorf("task %s: interval %s is below one second", name, interval)
	}
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.run(name, fn)
	})
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	log.Info().Str("task", name).Dur("interval", interval).Msg("maintenance task registered")
	return nil
}

// Start runs the registered tasks until ctx is done and waits for running
// tasks to return.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Int("tasks", len(s.cron.Entries())).Msg("schedule service started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
}

func (s *Service) run(name string, fn TaskFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("task", name).Msg("maintenance task failed")
		return
	}
	log.Debug().Str("task", name).Dur("took", time.Since(started)).Msg("maintenance task done")
}

// cronLogger sends cron's own messages to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
