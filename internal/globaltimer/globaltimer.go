// Package globaltimer implements the Manager's global timer: the
// single worker that fires the Manager's own periodic housekeeping
// (e.g. re-pushing naming bindings after a backend restart), kept
// deliberately separate from the per-component
// PeriodicExecutionContext tick loop, which needs kHz rates gocron
// cannot sustain.
package globaltimer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"rtcd/internal/logging"
)

// Timer runs registered callbacks one at a time, in isolation from
// each other, on gocron's own worker.
type Timer struct {
	log       *slog.Logger
	scheduler gocron.Scheduler
}

// New creates a Timer. Call Start to begin firing registered jobs.
func New(logger *slog.Logger) (*Timer, error) {
	s, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait))
	if err != nil {
		return nil, fmt.Errorf("globaltimer: create scheduler: %w", err)
	}
	return &Timer{
		log:       logging.Default(logger).With("component", "globaltimer"),
		scheduler: s,
	}, nil
}

// AddInterval registers fn to run every interval. name labels the job
// for logging; it need not be unique.
func (t *Timer) AddInterval(name string, interval time.Duration, fn func()) error {
	_, err := t.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("globaltimer: add job %s: %w", name, err)
	}
	return nil
}

// Start begins firing registered jobs.
func (t *Timer) Start() { t.scheduler.Start() }

// Stop halts the timer, waiting for any in-flight callback to finish.
func (t *Timer) Stop() error {
	if err := t.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("globaltimer: shutdown: %w", err)
	}
	return nil
}
