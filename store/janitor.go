package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger removes job descriptions stored before a point in time.
type Purger interface {
	PurgeDescriptions(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically purges stale job descriptions.
type Janitor struct {
	cron   *cron.Cron
	purger Purger
	ttl    time.Duration
	logger *slog.Logger

	// OnPurge, if set, runs after every successful purge.
	OnPurge func(removed int64)
}

// NewJanitor schedules purges on a standard cron spec (descriptors such as
// "@hourly" are accepted). Call Start to begin.
func NewJanitor(schedule string, ttl time.Duration, purger Purger, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	j := &Janitor{
		cron:   cron.New(),
		purger: purger,
		ttl:    ttl,
		logger: logger,
	}

	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}

	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop stops the schedule and waits for a running purge to return.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Purge removes descriptions older than the janitor's ttl.
func (j *Janitor) Purge(ctx context.Context) (int64, error) {
	return j.purger.PurgeDescriptions(ctx, time.Now().Add(-j.ttl))
}

func (j *Janitor) run() {
	l := j.logger.With("Fn", "Janitor.run")

	removed, err := j.Purge(context.Background())
	if err != nil {
		l.Error("purge failed", "error", err)
		return
	}

	l.Debug("purged stale descriptions", "removed", removed)

	if j.OnPurge != nil {
		j.OnPurge(removed)
	}
}
