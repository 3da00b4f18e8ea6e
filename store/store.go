package store

import (
	"context"

	"github.com/nellh/bids-core/job"
)

// Store is the full contract a backend implements: the job persistence
// operations plus lifecycle. The scheduler itself depends only on
// job.Store; the lifecycle methods exist for wiring code that owns the
// backend connection.
type Store interface {
	job.Store

	// Migrate creates or updates the backend schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
