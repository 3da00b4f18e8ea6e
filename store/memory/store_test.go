package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newJob(state job.State, modified time.Time) *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		State:    state,
		Payload:  json.RawMessage(`{"kind":"test"}`),
		Created:  modified,
		Modified: modified,
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Insert / Get
// ──────────────────────────────────────────────────

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob(job.StatePending, base)

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "insert new job",
			fn:      func() error { return s.InsertJob(ctx, j) },
			wantErr: nil,
		},
		{
			name:    "insert duplicate job",
			fn:      func() error { return s.InsertJob(ctx, j) },
			wantErr: bidscore.ErrJobExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Verify Get returns an independent copy.
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StatePending {
		t.Fatalf("got state %q, want %q", got.State, job.StatePending)
	}
	got.State = job.StateFailed
	again, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if again.State != job.StatePending {
		t.Fatal("mutating a returned job leaked into the store")
	}

	// Get non-existent.
	_, err = s.GetJob(ctx, id.NewJobID())
	if !errors.Is(err, bidscore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Claim
// ──────────────────────────────────────────────────

func TestClaimEmpty(t *testing.T) {
	t.Parallel()
	s := New()

	j, ok, err := s.ClaimJob(context.Background(), base)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if ok || j != nil {
		t.Fatalf("expected no work, got %+v", j)
	}
}

func TestClaimOrder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	older := newJob(job.StatePending, base)
	newer := newJob(job.StatePending, base.Add(2*time.Second))
	running := newJob(job.StateRunning, base.Add(time.Hour))
	done := newJob(job.StateComplete, base.Add(time.Hour))

	for _, j := range []*job.Job{older, newer, running, done} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	at := base.Add(time.Minute)
	got, ok, err := s.ClaimJob(ctx, at)
	if err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}

	// Most recently modified pending job wins; running and terminal jobs
	// are never considered.
	if got.ID != newer.ID {
		t.Fatalf("claimed %s, want %s", got.ID, newer.ID)
	}
	if got.State != job.StateRunning {
		t.Fatalf("claimed job state = %q, want running", got.State)
	}
	if !got.Modified.Equal(at) {
		t.Fatalf("claimed job modified = %v, want %v", got.Modified, at)
	}

	// Second claim takes the older job; third finds nothing.
	got2, ok, err := s.ClaimJob(ctx, at)
	if err != nil || !ok {
		t.Fatalf("second ClaimJob: ok=%v err=%v", ok, err)
	}
	if got2.ID != older.ID {
		t.Fatalf("claimed %s, want %s", got2.ID, older.ID)
	}
	if _, ok, _ := s.ClaimJob(ctx, at); ok {
		t.Fatal("third claim should find no pending work")
	}
}

func TestClaimTieBreak(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	// Same Modified stamp: the lowest id wins, deterministically.
	a := newJob(job.StatePending, base)
	b := newJob(job.StatePending, base)
	for _, j := range []*job.Job{a, b} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	want := a.ID
	if b.ID.String() < a.ID.String() {
		want = b.ID
	}

	got, ok, err := s.ClaimJob(ctx, base.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}
	if got.ID != want {
		t.Fatalf("claimed %s, want %s", got.ID, want)
	}
}

func TestClaimConcurrent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.InsertJob(ctx, newJob(job.StatePending, base)); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		idle    int
	)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimJob(ctx, base.Add(time.Second))
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			mu.Lock()
			if ok {
				claimed++
			} else {
				idle++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if claimed != 1 || idle != n-1 {
		t.Fatalf("claimed=%d idle=%d, want 1 and %d", claimed, idle, n-1)
	}
}

// ──────────────────────────────────────────────────
// Compare-and-swap
// ──────────────────────────────────────────────────

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob(job.StateRunning, base)
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	at := base.Add(time.Minute)
	mut := job.Mutation{State: job.StateComplete, Result: json.RawMessage(`{"ok":true}`)}

	got, err := s.CompareAndSwapJob(ctx, j.ID, job.StateRunning, mut, at)
	if err != nil {
		t.Fatalf("CompareAndSwapJob: %v", err)
	}
	if got.State != job.StateComplete {
		t.Fatalf("state = %q, want complete", got.State)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", got.Result)
	}
	if !got.Modified.Equal(at) {
		t.Fatalf("modified = %v, want %v", got.Modified, at)
	}

	// A second swap against the stale expected state must conflict.
	_, err = s.CompareAndSwapJob(ctx, j.ID, job.StateRunning, job.Mutation{State: job.StateFailed}, at)
	if !errors.Is(err, bidscore.ErrUpdateConflict) {
		t.Fatalf("expected ErrUpdateConflict, got %v", err)
	}

	// Unknown id.
	_, err = s.CompareAndSwapJob(ctx, id.NewJobID(), job.StateRunning, job.Mutation{}, at)
	if !errors.Is(err, bidscore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCompareAndSwapConcurrent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob(job.StateRunning, base)
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	// Two writers race the same observed state; exactly one wins.
	muts := []job.Mutation{
		{State: job.StateFailed, Failure: "engine a gave up"},
		{State: job.StateComplete, Result: json.RawMessage(`{"ok":true}`)},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(muts))
	wg.Add(len(muts))
	for i, mut := range muts {
		go func() {
			defer wg.Done()
			_, errs[i] = s.CompareAndSwapJob(ctx, j.ID, job.StateRunning, mut, base.Add(time.Minute))
		}()
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, bidscore.ErrUpdateConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.State.Terminal() {
		t.Fatalf("state = %q, want a terminal state", got.State)
	}
}

// ──────────────────────────────────────────────────
// List / Count
// ──────────────────────────────────────────────────

func TestListAndCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	pending1 := newJob(job.StatePending, base)
	pending2 := newJob(job.StatePending, base.Add(time.Second))
	stale := newJob(job.StateRunning, base.Add(-time.Hour))
	fresh := newJob(job.StateRunning, base.Add(2*time.Second))

	for _, j := range []*job.Job{pending1, pending2, stale, fresh} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	tests := []struct {
		name string
		opts job.ListOpts
		want int
	}{
		{"all", job.ListOpts{}, 4},
		{"pending only", job.ListOpts{State: job.StatePending}, 2},
		{"running only", job.ListOpts{State: job.StateRunning}, 2},
		{"stale running", job.ListOpts{State: job.StateRunning, ModifiedBefore: base}, 1},
		{"limit", job.ListOpts{Limit: 3}, 3},
		{"offset past end", job.ListOpts{Offset: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d jobs, want %d", len(got), tt.want)
			}
		})
	}

	// Newest first.
	all, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Created.After(all[i-1].Created) {
			t.Fatal("ListJobs not sorted newest first")
		}
	}

	counts := []struct {
		name string
		opts job.CountOpts
		want int64
	}{
		{"total", job.CountOpts{}, 4},
		{"pending", job.CountOpts{State: job.StatePending}, 2},
		{"failed", job.CountOpts{State: job.StateFailed}, 0},
	}

	for _, tt := range counts {
		t.Run("count "+tt.name, func(t *testing.T) {
			got, err := s.CountJobs(ctx, tt.opts)
			if err != nil {
				t.Fatalf("CountJobs: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}
