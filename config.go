package bidscore

import "time"

// Config holds runtime settings for the jobs subsystem components. The
// Scheduler itself needs none of these; they tune the engine runner, the
// reaper, and the server binary built on top of it.
type Config struct {
	// Concurrency is the maximum number of jobs an engine executes
	// concurrently.
	Concurrency int

	// PollInterval is how often an idle engine asks for new work.
	PollInterval time.Duration

	// MaxIdleInterval caps the backed-off poll interval after a run of
	// empty claims.
	MaxIdleInterval time.Duration

	// HeartbeatInterval is how often an engine touches its in-flight
	// jobs so their Modified stamp keeps advancing.
	HeartbeatInterval time.Duration

	// OrphanDeadline is how long a running job may go untouched before
	// the reaper forces it to failed.
	OrphanDeadline time.Duration

	// ReapInterval is how often the reaper sweeps for orphaned jobs.
	ReapInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		PollInterval:      1 * time.Second,
		MaxIdleInterval:   15 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		OrphanDeadline:    5 * time.Minute,
		ReapInterval:      1 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}
