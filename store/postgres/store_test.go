//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
	"github.com/nellh/bids-core/store/postgres"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// setupTestStore starts a Postgres container and returns a migrated store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("bidscore_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := postgres.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	if migErr := s.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return s
}

func newJob(state job.State, modified time.Time) *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		State:    state,
		Payload:  json.RawMessage(`{"kind":"convert"}`),
		Created:  base,
		Modified: modified,
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second migrate should be a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job store tests
// ──────────────────────────────────────────────────

func TestJobStore_InsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newJob(job.StatePending, base)
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if dupErr := s.InsertJob(ctx, j); !errors.Is(dupErr, bidscore.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got: %v", dupErr)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != j.ID {
		t.Fatalf("expected id %s, got %s", j.ID, got.ID)
	}
	if string(got.Payload) != `{"kind":"convert"}` {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}

	if _, getErr := s.GetJob(ctx, id.NewJobID()); !errors.Is(getErr, bidscore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got: %v", getErr)
	}
}

func TestJobStore_ClaimOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	oldest := newJob(job.StatePending, base)
	newest := newJob(job.StatePending, base.Add(time.Minute))
	for _, j := range []*job.Job{oldest, newest} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	claimed, ok, err := s.ClaimJob(ctx, base.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.ID != newest.ID {
		t.Fatalf("expected newest job %s, got %s", newest.ID, claimed.ID)
	}
	if claimed.State != job.StateRunning {
		t.Fatalf("expected running, got %s", claimed.State)
	}

	second, ok, err := s.ClaimJob(ctx, base.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
	if second.ID != oldest.ID {
		t.Fatalf("expected oldest job %s, got %s", oldest.ID, second.ID)
	}

	if _, ok, err := s.ClaimJob(ctx, base.Add(time.Hour)); err != nil || ok {
		t.Fatalf("expected drained queue, got ok=%v err=%v", ok, err)
	}
}

func TestJobStore_ClaimSkipLocked(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.InsertJob(ctx, newJob(job.StatePending, base)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Hammer the single pending job from many connections; SKIP LOCKED
	// must hand it to exactly one claimer.
	const claimers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimJob(ctx, base.Add(time.Minute))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
}

func TestJobStore_CompareAndSwap(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newJob(job.StateRunning, base)
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	at := base.Add(time.Minute)
	mut := job.Mutation{State: job.StateComplete, Result: json.RawMessage(`{"files":3}`)}
	got, err := s.CompareAndSwapJob(ctx, j.ID, job.StateRunning, mut, at)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if got.State != job.StateComplete {
		t.Fatalf("expected complete, got %s", got.State)
	}
	if !got.Modified.Equal(at) {
		t.Fatalf("expected modified %v, got %v", at, got.Modified)
	}

	_, err = s.CompareAndSwapJob(ctx, j.ID, job.StateRunning, mut, at.Add(time.Second))
	if !errors.Is(err, bidscore.ErrUpdateConflict) {
		t.Fatalf("expected ErrUpdateConflict, got: %v", err)
	}

	_, err = s.CompareAndSwapJob(ctx, id.NewJobID(), job.StateRunning, mut, at)
	if !errors.Is(err, bidscore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got: %v", err)
	}
}

func TestJobStore_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		j := newJob(job.StatePending, base.Add(time.Duration(i)*time.Minute))
		j.Created = base.Add(time.Duration(i) * time.Second)
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	done := newJob(job.StateComplete, base.Add(time.Hour))
	if err := s.InsertJob(ctx, done); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pending, err := s.ListJobs(ctx, job.ListOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}

	// The cutoff is strict, so only strictly older entries match.
	stale, err := s.ListJobs(ctx, job.ListOpts{
		State:          job.StatePending,
		ModifiedBefore: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale job, got %d", len(stale))
	}

	total, err := s.CountJobs(ctx, job.CountOpts{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4 total, got %d", total)
	}
}
