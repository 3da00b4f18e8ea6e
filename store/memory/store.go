// Package memory provides an in-memory job store for development and
// testing. The mutex stands in for the conditional-update primitives the
// database backends rely on, so claim and compare-and-swap behave
// identically here and in production.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// Ensure Store implements job.Store at compile time.
var _ job.Store = (*Store)(nil)

// Store is a fully in-memory implementation of the job store.
// Safe for concurrent access.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// InsertJob persists a new job record.
func (m *Store) InsertJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return bidscore.ErrJobExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, bidscore.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ClaimJob atomically selects the best pending job and marks it running.
// Holding the write lock for the whole select-and-flip makes the claim a
// single indivisible step.
func (m *Store) ClaimJob(_ context.Context, at time.Time) (*job.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *job.Job
	for _, j := range m.jobs {
		if j.State != job.StatePending {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, false, nil
	}

	best.State = job.StateRunning
	best.Modified = at

	// Return a copy so callers can mutate without racing with the store.
	cp := *best
	return &cp, true, nil
}

// claimBefore reports whether a is claimed ahead of b: most recent
// Modified first, ties broken by ascending id.
func claimBefore(a, b *job.Job) bool {
	if !a.Modified.Equal(b.Modified) {
		return a.Modified.After(b.Modified)
	}
	return a.ID.String() < b.ID.String()
}

// CompareAndSwapJob applies mut to the identified job only if its stored
// state still equals expected.
func (m *Store) CompareAndSwapJob(_ context.Context, jobID id.JobID, expected job.State, mut job.Mutation, at time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		return nil, bidscore.ErrJobNotFound
	}
	if j.State != expected {
		return nil, bidscore.ErrUpdateConflict
	}

	cp := *j
	mut.Apply(&cp)
	cp.Modified = at
	m.jobs[key] = &cp

	out := cp
	return &out, nil
}

// ListJobs returns jobs matching opts, newest Created first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if !opts.ModifiedBefore.IsZero() && !j.Modified.Before(opts.ModifiedBefore) {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort newest first, id as the deterministic tie-break.
	sort.Slice(result, func(i, k int) bool {
		if !result[i].Created.Equal(result[k].Created) {
			return result[i].Created.After(result[k].Created)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}
