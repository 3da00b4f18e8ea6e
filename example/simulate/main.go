// Command simulate runs the whole jobs subsystem in one process: a few
// submitted jobs, an engine with registered handlers, and the orphan
// reaper, all over the in-memory store.
//
// Usage:
//
//	go run ./example/simulate
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/backoff"
	"github.com/nellh/bids-core/engine"
	"github.com/nellh/bids-core/job"
	"github.com/nellh/bids-core/reaper"
	"github.com/nellh/bids-core/store/memory"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	ctx := context.Background()

	scheduler, err := bidscore.New(memory.New(), bidscore.WithLogger(logger))
	if err != nil {
		logger.Error("create scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ──────────────────────────────────────────────────
	// Engine with two handlers
	// ──────────────────────────────────────────────────

	eng := engine.New(scheduler,
		engine.WithConcurrency(2),
		engine.WithIdleBackoff(backoff.NewConstant(50*time.Millisecond)),
		engine.WithHeartbeatInterval(time.Second),
		engine.WithLogger(logger),
	)

	engine.Register(eng, "convert", func(_ context.Context, p struct {
		Path string `json:"path"`
	}) (json.RawMessage, error) {
		logger.Info("converting dataset", slog.String("path", p.Path))
		time.Sleep(200 * time.Millisecond) // simulate work
		return json.RawMessage(fmt.Sprintf(`{"converted":%q}`, p.Path)), nil
	})

	engine.Register(eng, "validate", func(_ context.Context, p struct {
		Path   string `json:"path"`
		Strict bool   `json:"strict"`
	}) (json.RawMessage, error) {
		logger.Info("validating dataset", slog.String("path", p.Path), slog.Bool("strict", p.Strict))
		if p.Strict {
			return nil, errors.New("strict validation found 3 errors")
		}
		return json.RawMessage(`{"valid":true}`), nil
	})

	if err := eng.Start(ctx); err != nil {
		logger.Error("start engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The reaper is idle here since the engine heartbeats, but it shows
	// the full wiring a deployment runs.
	sweeper := reaper.New(scheduler,
		reaper.WithDeadline(10*time.Second),
		reaper.WithInterval(2*time.Second),
		reaper.WithLogger(logger),
	)
	if err := sweeper.Start(ctx); err != nil {
		logger.Error("start reaper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ──────────────────────────────────────────────────
	// Submit work
	// ──────────────────────────────────────────────────

	payloads := []string{
		`{"kind":"convert","path":"/data/sub-01"}`,
		`{"kind":"convert","path":"/data/sub-02"}`,
		`{"kind":"validate","path":"/data/sub-01","strict":false}`,
		`{"kind":"validate","path":"/data/sub-02","strict":true}`,
		`{"kind":"unknown-kind"}`,
	}
	for _, p := range payloads {
		j, err := scheduler.Submit(ctx, json.RawMessage(p))
		if err != nil {
			logger.Error("submit", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("submitted", slog.String("job_id", j.ID.String()))
	}

	// Wait for everything to reach a terminal state.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ := scheduler.Count(ctx, job.CountOpts{State: job.StatePending})   //nolint:errcheck // memory store
		running, _ := scheduler.Count(ctx, job.CountOpts{State: job.StateRunning})   //nolint:errcheck // memory store
		if pending == 0 && running == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = eng.Stop(stopCtx)     //nolint:errcheck // demo shutdown
	_ = sweeper.Stop(stopCtx) //nolint:errcheck // demo shutdown

	// ──────────────────────────────────────────────────
	// Report
	// ──────────────────────────────────────────────────

	jobs, err := scheduler.List(ctx, job.ListOpts{})
	if err != nil {
		logger.Error("list", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fmt.Println()
	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-8s", j.ID, j.State)
		if len(j.Result) > 0 {
			line += "  result=" + string(j.Result)
		}
		if j.Failure != "" {
			line += "  failure=" + j.Failure
		}
		fmt.Println(line)
	}
}
