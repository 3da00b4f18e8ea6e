package bidscore

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("bidscore: no store configured")
	ErrStoreUnavailable = errors.New("bidscore: store unavailable")

	// Not found errors.
	ErrJobNotFound = errors.New("bidscore: job not found")

	// Conflict errors.
	ErrJobExists      = errors.New("bidscore: job already exists")
	ErrUpdateConflict = errors.New("bidscore: conflicting update")

	// State errors.
	ErrJobNotMutable     = errors.New("bidscore: job not mutable")
	ErrInvalidTransition = errors.New("bidscore: invalid state transition")
)
