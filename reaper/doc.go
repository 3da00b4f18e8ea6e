// Package reaper recovers jobs stranded by dead engines.
//
// An engine heartbeats every job it is executing, which keeps the
// job's modified stamp fresh. When an engine crashes, its running jobs
// stop receiving heartbeats and their stamps go stale. The reaper
// sweeps on an interval, fails any running job untouched for longer
// than the deadline, and records when the job was last seen alive in
// the failure note.
//
// Sweeps are safe to run alongside live engines and other reapers.
// Updates go through the same conditional write as every other state
// change, so a reaper that loses the race to a late heartbeat or a
// final report simply skips that job.
package reaper
