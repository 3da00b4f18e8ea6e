package reaper_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
	"github.com/nellh/bids-core/reaper"
	"github.com/nellh/bids-core/store/memory"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newFixture returns a scheduler on a fresh in-memory store, with a
// fake clock shared by the scheduler and the returned handle.
func newFixture(t *testing.T) (*bidscore.Scheduler, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(t0)
	s, err := bidscore.New(memory.New(), bidscore.WithClock(clock))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, clock
}

// claimOne submits a job and claims it, returning the running record.
func claimOne(t *testing.T, s *bidscore.Scheduler) *job.Job {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Submit(ctx, json.RawMessage(`{"kind":"convert"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, ok, err := s.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return j
}

func TestSweep_FailsOrphanedJob(t *testing.T) {
	t.Parallel()

	s, clock := newFixture(t)
	ctx := context.Background()

	j := claimOne(t, s)

	r := reaper.New(s,
		reaper.WithClock(clock),
		reaper.WithDeadline(5*time.Minute),
	)

	// No heartbeat for well over the deadline.
	clock.Advance(10 * time.Minute)

	reaped, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped job, got %d", reaped)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if !strings.Contains(got.Failure, "orphaned") {
		t.Fatalf("expected orphan note in failure, got %q", got.Failure)
	}
	if !got.Modified.After(j.Modified) {
		t.Fatalf("expected modified to advance, got %v", got.Modified)
	}
}

func TestSweep_KeepsHeartbeatedJob(t *testing.T) {
	t.Parallel()

	s, clock := newFixture(t)
	ctx := context.Background()

	j := claimOne(t, s)

	r := reaper.New(s,
		reaper.WithClock(clock),
		reaper.WithDeadline(5*time.Minute),
	)

	// Heartbeat four minutes in, sweep two minutes later: the job was
	// active within the deadline and must survive.
	clock.Advance(4 * time.Minute)
	if _, err := s.Update(ctx, j.ID, job.Mutation{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.Advance(2 * time.Minute)

	reaped, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("expected no reaped jobs, got %d", reaped)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateRunning {
		t.Fatalf("expected running, got %s", got.State)
	}
}

func TestSweep_IgnoresPendingJobs(t *testing.T) {
	t.Parallel()

	s, clock := newFixture(t)
	ctx := context.Background()

	// A pending job can sit in the queue arbitrarily long; only running
	// jobs have an engine that owes heartbeats.
	submitted, err := s.Submit(ctx, json.RawMessage(`{"kind":"convert"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := reaper.New(s,
		reaper.WithClock(clock),
		reaper.WithDeadline(time.Minute),
	)
	clock.Advance(24 * time.Hour)

	reaped, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("expected no reaped jobs, got %d", reaped)
	}

	got, err := s.Get(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StatePending {
		t.Fatalf("expected pending, got %s", got.State)
	}
}

// stubSource hands Sweep a canned listing and a canned update outcome.
type stubSource struct {
	jobs      []*job.Job
	listErr   error
	updateErr error
	updates   int
}

func (s *stubSource) List(context.Context, job.ListOpts) ([]*job.Job, error) {
	return s.jobs, s.listErr
}

func (s *stubSource) Update(context.Context, id.JobID, job.Mutation) (*job.Job, error) {
	s.updates++
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &job.Job{}, nil
}

func TestSweep_LosingTheRaceIsNotAnError(t *testing.T) {
	t.Parallel()

	stale := &job.Job{ID: id.NewJobID(), State: job.StateRunning, Modified: t0}

	// Any of these rejections means another writer got there first.
	rejections := []error{
		bidscore.ErrUpdateConflict,
		bidscore.ErrJobNotMutable,
		bidscore.ErrJobNotFound,
	}
	for _, rejection := range rejections {
		src := &stubSource{jobs: []*job.Job{stale}, updateErr: rejection}
		r := reaper.New(src)

		reaped, err := r.Sweep(context.Background())
		if err != nil {
			t.Fatalf("%v: sweep returned error: %v", rejection, err)
		}
		if reaped != 0 {
			t.Fatalf("%v: expected 0 reaped, got %d", rejection, reaped)
		}
		if src.updates != 1 {
			t.Fatalf("%v: expected 1 update attempt, got %d", rejection, src.updates)
		}
	}
}

func TestSweep_ListErrorPropagates(t *testing.T) {
	t.Parallel()

	src := &stubSource{listErr: errors.New("store down")}
	r := reaper.New(src)

	if _, err := r.Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep to surface the list error")
	}
}

func TestStartStop_SweepsOnTicks(t *testing.T) {
	t.Parallel()

	s, _ := newFixture(t)
	ctx := context.Background()

	j := claimOne(t, s)

	// The scheduler stamps with a fake clock pinned to the past, so on
	// the reaper's real clock the job is long overdue.
	r := reaper.New(s,
		reaper.WithDeadline(20*time.Millisecond),
		reaper.WithInterval(10*time.Millisecond),
	)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	defer r.Stop(ctx) //nolint:errcheck // best-effort cleanup

	deadline := time.After(2 * time.Second)
	for {
		got, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State == job.StateFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never reaped, still %s", got.State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
