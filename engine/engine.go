package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/backoff"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
	"github.com/nellh/bids-core/middleware"
)

// Source is where an engine gets work and reports outcomes. It is the
// claim-and-update slice of the scheduler surface: *bidscore.Scheduler
// satisfies it for in-process engines, *client.Client for engines
// talking to a remote scheduler daemon.
type Source interface {
	Next(ctx context.Context) (*job.Job, bool, error)
	Update(ctx context.Context, jobID id.JobID, mut job.Mutation) (*job.Job, error)
}

// Engine polls a Source for pending jobs and runs them through
// registered handlers. Each claimed job is executed under the
// middleware chain; the outcome is reported back as a state update
// (complete with a result, or failed with a failure note).
type Engine struct {
	source   Source
	registry *Registry
	mws      []middleware.Middleware
	chain    middleware.Middleware

	concurrency       int
	idle              backoff.Strategy
	heartbeatInterval time.Duration
	handlerTimeout    time.Duration
	limiter           *rate.Limiter
	engineID          id.EngineID
	logger            *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency sets the number of concurrent run loops.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithIdleBackoff sets the strategy for spacing out polls while the
// scheduler has no pending work.
func WithIdleBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.idle = s }
}

// WithHeartbeatInterval sets how often the engine touches its running
// jobs so the reaper can tell them apart from orphans. A zero value
// disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Engine) { e.heartbeatInterval = d }
}

// WithHandlerTimeout caps how long a single handler may run.
// A zero value leaves handlers unbounded.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Engine) { e.handlerTimeout = d }
}

// WithClaimRate throttles claim attempts to perSecond with the given
// burst, shared across all run loops.
func WithClaimRate(perSecond float64, burst int) Option {
	return func(e *Engine) {
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMiddleware appends middleware to the engine's chain, after the
// built-in recover, tracing, metrics, and logging layers.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, mws...) }
}

// WithLogger sets the structured logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine that pulls work from the given source.
// The source must be non-nil.
func New(source Source, opts ...Option) *Engine {
	e := &Engine{
		source:            source,
		registry:          NewRegistry(),
		concurrency:       4,
		idle:              backoff.DefaultStrategy(),
		heartbeatInterval: 10 * time.Second,
		engineID:          id.NewEngineID(),
		logger:            slog.Default(),
		stopCh:            make(chan struct{}),
		active:            make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}

	mws := []middleware.Middleware{
		middleware.Recover(e.logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(e.logger),
	}
	if e.handlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(e.handlerTimeout))
	}
	mws = append(mws, e.mws...)
	e.chain = middleware.Chain(mws...)

	return e
}

// ID returns the engine's unique identifier.
func (e *Engine) ID() id.EngineID { return e.engineID }

// RegisterHandler registers a raw handler for the given payload kind.
// Typed registration via the package-level Register function is usually
// more convenient.
func (e *Engine) RegisterHandler(kind string, h Handler) {
	e.registry.Register(kind, h)
}

// Start launches the run loops. It returns immediately.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	e.running = true

	e.logger.Info("engine starting",
		slog.String("engine_id", e.engineID.String()),
		slog.Int("concurrency", e.concurrency),
		slog.Any("kinds", e.registry.Kinds()),
	)

	for range e.concurrency {
		e.wg.Add(1)
		go e.runLoop()
	}

	if e.heartbeatInterval > 0 {
		e.wg.Add(1)
		go e.heartbeatLoop()
	}

	return nil
}

// Stop signals all run loops to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("engine stopping", slog.String("engine_id", e.engineID.String()))

	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped gracefully")
	case <-ctx.Done():
		e.logger.Warn("engine shutdown timed out, cancelling active jobs")
		e.cancelActiveJobs()
		e.wg.Wait()
	}

	return nil
}

// runLoop is run by each engine goroutine. It claims one job at a time
// and backs off while the scheduler is idle.
func (e *Engine) runLoop() {
	defer e.wg.Done()

	idle := 0
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if e.limiter != nil && !e.limiter.Allow() {
			e.sleep(e.idle.Delay(1))
			continue
		}

		j, ok, err := e.source.Next(context.Background())
		if err != nil {
			e.logger.Error("claim error", slog.String("error", err.Error()))
			idle++
			e.sleep(e.idle.Delay(idle))
			continue
		}
		if !ok {
			idle++
			e.sleep(e.idle.Delay(idle))
			continue
		}

		idle = 0
		e.execute(j)
	}
}

// execute runs one claimed job through the middleware chain and the
// registered handler, then reports the outcome.
func (e *Engine) execute(j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	e.trackJob(j.ID.String(), cancel)
	defer func() {
		e.untrackJob(j.ID.String())
		cancel()
	}()

	kind := Kind(j)
	handler, ok := e.registry.Get(kind)
	if !ok {
		e.report(ctx, j, nil, fmt.Errorf("no handler registered for kind %q", kind))
		return
	}

	ctx = middleware.WithKind(ctx, kind)

	var result json.RawMessage
	terminal := func(ctx context.Context) error {
		res, handlerErr := handler(ctx, j)
		if handlerErr != nil {
			return handlerErr
		}
		result = res
		return nil
	}

	execErr := e.chain(ctx, j, terminal)
	e.report(ctx, j, result, execErr)
}

// report records the job outcome with the source. A rejected update
// means another writer moved the job first (usually the reaper after a
// missed heartbeat); the outcome is dropped in that case.
func (e *Engine) report(ctx context.Context, j *job.Job, result json.RawMessage, execErr error) {
	mut := job.Mutation{State: job.StateComplete, Result: result}
	if execErr != nil {
		mut = job.Mutation{State: job.StateFailed, Failure: execErr.Error()}
	}

	if _, err := e.source.Update(ctx, j.ID, mut); err != nil {
		switch {
		case errors.Is(err, bidscore.ErrUpdateConflict),
			errors.Is(err, bidscore.ErrJobNotMutable),
			errors.Is(err, bidscore.ErrJobNotFound):
			e.logger.Warn("job no longer claimable, dropping outcome",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		default:
			e.logger.Error("failed to report job outcome",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// heartbeatLoop periodically touches all active jobs.
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sendHeartbeats()
		}
	}
}

// sendHeartbeats bumps the modified timestamp of every active job with
// an empty mutation. A rejected heartbeat means the job was moved to a
// terminal state elsewhere, so the local execution is cancelled.
func (e *Engine) sendHeartbeats() {
	e.activeMu.Lock()
	jobIDs := make([]string, 0, len(e.active))
	for jobID := range e.active {
		jobIDs = append(jobIDs, jobID)
	}
	e.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			e.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		_, err := e.source.Update(context.Background(), parsedID, job.Mutation{})
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, bidscore.ErrJobNotMutable),
			errors.Is(err, bidscore.ErrUpdateConflict),
			errors.Is(err, bidscore.ErrJobNotFound):
			e.logger.Warn("heartbeat rejected, cancelling local execution",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
			e.cancelJob(jobIDStr)
		default:
			e.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-e.stopCh:
	}
}

func (e *Engine) trackJob(jobID string, cancel context.CancelFunc) {
	e.activeMu.Lock()
	e.active[jobID] = cancel
	e.activeMu.Unlock()
}

func (e *Engine) untrackJob(jobID string) {
	e.activeMu.Lock()
	delete(e.active, jobID)
	e.activeMu.Unlock()
}

func (e *Engine) cancelJob(jobID string) {
	e.activeMu.Lock()
	cancel, ok := e.active[jobID]
	e.activeMu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) cancelActiveJobs() {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	for jobID, cancel := range e.active {
		e.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
