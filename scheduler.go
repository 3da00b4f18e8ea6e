package bidscore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// Option configures a Scheduler.
type Option func(*Scheduler) error

// Scheduler is the gateway for all job state changes. Every submission,
// claim, and update flows through it: the Scheduler validates transitions
// against the state machine defined in the job package, stamps timestamps
// from its clock, and delegates the atomic storage operations to the
// configured store.
//
// Create one with New() and functional options. A Scheduler is safe for
// concurrent use by multiple goroutines.
type Scheduler struct {
	store  job.Store
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a Scheduler backed by the given store.
func New(store job.Store, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	s := &Scheduler{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithClock sets the clock used to stamp job timestamps.
// Tests inject a fake clock to make timing deterministic.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) error {
		s.clock = c
		return nil
	}
}

// WithLogger sets the structured logger for the scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = l
		return nil
	}
}

// Submit creates a new pending job carrying the given payload and
// persists it. The payload is opaque to the scheduler; engines decide
// how to interpret it.
func (s *Scheduler) Submit(ctx context.Context, payload json.RawMessage) (*job.Job, error) {
	now := s.clock.Now().UTC()
	j := &job.Job{
		ID:       id.NewJobID(),
		State:    job.StatePending,
		Payload:  payload,
		Created:  now,
		Modified: now,
	}

	if err := s.store.InsertJob(ctx, j); err != nil {
		return nil, err
	}

	s.logger.Debug("job submitted", slog.String("job_id", j.ID.String()))
	return j, nil
}

// Get returns the job with the given id, or ErrJobNotFound.
func (s *Scheduler) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Next claims the next pending job for execution. Among pending jobs the
// most recently modified one is chosen; ties go to the lowest id. The
// claim flips the job to running and stamps modified in one atomic store
// operation, so no two callers ever claim the same job.
//
// ok is false when no pending work exists. That is not an error.
func (s *Scheduler) Next(ctx context.Context) (*job.Job, bool, error) {
	j, ok, err := s.store.ClaimJob(ctx, s.clock.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	s.logger.Debug("job claimed",
		slog.String("job_id", j.ID.String()),
		slog.Time("modified", j.Modified),
	)
	return j, true, nil
}

// Update applies a mutation to a job and returns the updated record.
//
// The current record is read first. Jobs in a terminal state reject all
// mutations with ErrJobNotMutable. A state change must be a legal
// transition from the observed state or the update fails with
// ErrInvalidTransition. The write itself is conditional on the observed
// state: if another writer moved the job in between, the store reports
// ErrUpdateConflict and nothing is applied.
//
// An empty mutation is a heartbeat: it passes the gates above and bumps
// the job's modified timestamp without changing anything else.
func (s *Scheduler) Update(ctx context.Context, jobID id.JobID, mut job.Mutation) (*job.Job, error) {
	current, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !current.State.Mutable() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotMutable, jobID, current.State)
	}
	if mut.HasState() && !job.ValidTransition(current.State, mut.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, mut.State)
	}

	updated, err := s.store.CompareAndSwapJob(ctx, jobID, current.State, mut, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Debug("job updated",
		slog.String("job_id", jobID.String()),
		slog.String("state", string(updated.State)),
	)
	return updated, nil
}

// List returns jobs matching the given filters, newest first.
func (s *Scheduler) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return s.store.ListJobs(ctx, opts)
}

// Count returns the number of jobs matching the given filters.
func (s *Scheduler) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	return s.store.CountJobs(ctx, opts)
}
