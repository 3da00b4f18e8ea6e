package job

import (
	"context"
	"time"

	"github.com/nellh/bids-core/id"
)

// ListOpts controls filtering and pagination for job list queries.
type ListOpts struct {
	// State filters by lifecycle state. Empty means all states.
	State State
	// ModifiedBefore, when non-zero, restricts results to jobs whose
	// Modified stamp is strictly older than the given time. The reaper
	// combines it with StateRunning to find orphans.
	ModifiedBefore time.Time
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by lifecycle state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs. The scheduler's
// correctness under contention rests entirely on ClaimJob and
// CompareAndSwapJob being atomic per record; neither may be implemented
// as separate read and write round trips.
//
// Implementations return the bidscore sentinel errors named below so
// callers can match with errors.Is regardless of backend.
type Store interface {
	// InsertJob persists a new job record exactly as given. It returns
	// bidscore.ErrJobExists if the id is already present.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID, or bidscore.ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimJob atomically selects the pending job with the most recent
	// Modified stamp (ties broken by ascending id), marks it running,
	// sets Modified to at, and returns the post-transition record. The
	// match and the write are a single indivisible step, so no two
	// callers ever claim the same job. ok is false when nothing is
	// pending; that is the normal idle result, not an error.
	ClaimJob(ctx context.Context, at time.Time) (j *Job, ok bool, err error)

	// CompareAndSwapJob applies mut to the identified job only if its
	// stored state still equals expected, stamping Modified with at and
	// returning the updated record. It returns bidscore.ErrJobNotFound
	// if the id is absent and bidscore.ErrUpdateConflict if the stored
	// state no longer matches expected.
	CompareAndSwapJob(ctx context.Context, jobID id.JobID, expected State, mut Mutation, at time.Time) (*Job, error)

	// ListJobs returns jobs matching opts, newest Created first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
