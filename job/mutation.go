package job

import "encoding/json"

// Mutation is a partial-field change applied to a job through the
// mutation gateway. Zero-valued fields are "not supplied" and leave the
// record untouched. A Mutation carrying nothing at all is still a valid
// write: it passes the mutability gate and stamps Modified, which is how
// engines heartbeat the jobs they hold.
type Mutation struct {
	// State, when non-empty, requests a state transition. The gateway
	// validates it against the transition table using the job's current
	// stored state, not the caller's belief of it.
	State State `json:"state,omitempty"`

	// Result replaces the job's result document when non-nil.
	Result json.RawMessage `json:"result,omitempty"`

	// Progress replaces the job's progress note when non-empty.
	Progress string `json:"progress,omitempty"`

	// Failure replaces the job's failure detail when non-empty.
	Failure string `json:"failure,omitempty"`
}

// HasState reports whether the mutation requests a state change.
func (m Mutation) HasState() bool { return m.State != "" }

// IsZero reports whether the mutation supplies no fields at all.
func (m Mutation) IsZero() bool {
	return m.State == "" && m.Result == nil && m.Progress == "" && m.Failure == ""
}

// Apply merges the supplied fields into j. Modified is not stamped here;
// stores stamp it as part of the conditional write so the timestamp and
// the field merge land atomically.
func (m Mutation) Apply(j *Job) {
	if m.State != "" {
		j.State = m.State
	}
	if m.Result != nil {
		j.Result = m.Result
	}
	if m.Progress != "" {
		j.Progress = m.Progress
	}
	if m.Failure != "" {
		j.Failure = m.Failure
	}
}
