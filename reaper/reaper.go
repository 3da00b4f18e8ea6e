package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// Source is the scheduler surface the reaper needs: listing running
// jobs and pushing state updates. *bidscore.Scheduler satisfies it.
type Source interface {
	List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error)
	Update(ctx context.Context, jobID id.JobID, mut job.Mutation) (*job.Job, error)
}

// Reaper periodically fails running jobs that have gone quiet. An
// engine touches each of its jobs on every heartbeat, so a running job
// whose modified stamp is older than the deadline belongs to an engine
// that died without reporting.
type Reaper struct {
	source   Source
	clock    clockwork.Clock
	logger   *slog.Logger
	deadline time.Duration
	interval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithDeadline sets how long a running job may go without activity
// before it is considered orphaned.
func WithDeadline(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.deadline = d
		}
	}
}

// WithInterval sets the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock sets the clock used for cutoffs and sweep ticks.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Reaper) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the structured logger for the reaper.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Reaper that sweeps the given source. Defaults match
// bidscore.DefaultConfig: a five-minute deadline checked every minute.
func New(source Source, opts ...Option) *Reaper {
	cfg := bidscore.DefaultConfig()
	r := &Reaper{
		source:   source,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		deadline: cfg.OrphanDeadline,
		interval: cfg.ReapInterval,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep loop. It returns immediately.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	r.logger.Info("reaper starting",
		slog.Duration("deadline", r.deadline),
		slog.Duration("interval", r.interval),
	)

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop signals the sweep loop to stop and waits for it to finish.
func (r *Reaper) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("reaper stopped")
	return nil
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			if _, err := r.Sweep(context.Background()); err != nil {
				r.logger.Error("orphan sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep fails every running job whose modified stamp is older than the
// deadline and returns how many jobs it reaped. Jobs that move on
// between the listing and the update are skipped; an engine heartbeat
// or a final report winning that race means the job was never orphaned.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().UTC().Add(-r.deadline)

	stale, err := r.source.List(ctx, job.ListOpts{
		State:          job.StateRunning,
		ModifiedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	reaped := 0
	for _, j := range stale {
		mut := job.Mutation{
			State:   job.StateFailed,
			Failure: fmt.Sprintf("orphaned: last active %s", j.Modified.UTC().Format(time.RFC3339)),
		}
		if _, err := r.source.Update(ctx, j.ID, mut); err != nil {
			switch {
			case errors.Is(err, bidscore.ErrUpdateConflict),
				errors.Is(err, bidscore.ErrJobNotMutable),
				errors.Is(err, bidscore.ErrJobNotFound):
				r.logger.Debug("job no longer orphaned, skipping",
					slog.String("job_id", j.ID.String()),
				)
			default:
				r.logger.Error("failed to reap job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		reaped++
		r.logger.Warn("reaped orphaned job",
			slog.String("job_id", j.ID.String()),
			slog.Time("last_active", j.Modified),
		)
	}
	return reaped, nil
}
