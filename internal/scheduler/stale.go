package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type StaleStore interface {
	ResetStale(ctx context.Context, olderThan time.Time, exclude ...string) (int, error)
}

// Running reports the job currently owned by the worker.
type Running interface {
	Current() string
}

// ResetStale returns a task that puts in_progress jobs untouched for longer
// than after back into the retry cycle. The worker's own job is left alone.
func ResetStale(st StaleStore, w Running, after time.Duration, now func() time.Time) TaskFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		var exclude []string
		if w != nil {
			if id := w.Current(); id != "" {
				exclude = append(exclude, id)
			}
		}
		n, err := st.ResetStale(ctx, now().Add(-after), exclude...)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Warn().Int("jobs", n).Dur("stale_after", after).Msg("reset stale in_progress jobs")
		}
		return nil
	}
}
