package job

import (
	"encoding/json"
	"time"

	"github.com/nellh/bids-core/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be claimed by an engine.
	StatePending State = "pending"
	// StateRunning means an engine has claimed the job and is executing it.
	StateRunning State = "running"
	// StateFailed means the job ended unsuccessfully. Terminal.
	StateFailed State = "failed"
	// StateComplete means the job finished successfully. Terminal.
	StateComplete State = "complete"
)

// States lists every defined lifecycle state.
var States = []State{StatePending, StateRunning, StateFailed, StateComplete}

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateFailed, StateComplete:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateComplete
}

// Mutable reports whether a job in s may still accept writes.
func (s State) Mutable() bool {
	return s == StatePending || s == StateRunning
}

// Transition is a directed edge in the job state machine.
type Transition struct {
	From State
	To   State
}

// Transitions is the exhaustive set of permitted state changes. Any pair
// not listed here is rejected, including self-transitions and anything
// leaving a terminal state.
var Transitions = []Transition{
	{From: StatePending, To: StateRunning},
	{From: StateRunning, To: StateFailed},
	{From: StateRunning, To: StateComplete},
}

// ValidTransition reports whether moving a job from one state to another
// is permitted. It consults only the transition table and performs no I/O.
func ValidTransition(from, to State) bool {
	for _, t := range Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Job is a unit of asynchronous work tracked by the scheduling core.
type Job struct {
	// ID uniquely identifies the job. Assigned at submission, immutable.
	ID id.JobID `json:"id"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Payload describes the work to perform. The core stores and returns
	// it untouched; only engines interpret it.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Result is the outcome document reported by the engine that ran the
	// job. Empty until the job completes.
	Result json.RawMessage `json:"result,omitempty"`

	// Progress is the engine's most recent free-form progress note.
	Progress string `json:"progress,omitempty"`

	// Failure records why the job ended in StateFailed, whether reported
	// by an engine or stamped by the reaper.
	Failure string `json:"failure,omitempty"`

	// Created is when the job was submitted. Immutable.
	Created time.Time `json:"created"`

	// Modified is when the job last accepted a write. Every accepted
	// write stamps it, so for running jobs it doubles as the liveness
	// signal the reaper reads.
	Modified time.Time `json:"modified"`
}
