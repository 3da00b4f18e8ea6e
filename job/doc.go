// Package job defines the job record, its state machine, and the store
// contract every backend implements.
//
// # Job Record
//
// A [Job] is the sole entity of the scheduling core. It carries an opaque
// JSON payload (interpreted by engines, never by the core) and progresses
// through a four-state machine:
//
//	pending → running → complete
//	pending → running → failed
//
// failed and complete are terminal: a job that reaches either is
// immutable forever after, which is what makes the record trustworthy as
// history. pending and running are the only states in which a write is
// accepted at all.
//
// # Mutations
//
// Writes after submission go through [Mutation], a partial-field change.
// A Mutation may request a state transition, report a result document, or
// carry nothing at all; the empty Mutation still stamps Modified and is
// how engines heartbeat the jobs they hold.
//
// # Store Contract
//
// [Store] is the capability interface the scheduler depends on. Its two
// load-bearing operations are ClaimJob, the atomic
// find-one-pending-and-mark-running primitive, and CompareAndSwapJob, a
// conditional write keyed on the state the caller last observed. Both
// must be indivisible per record with respect to concurrent writers;
// every guarantee the scheduler makes is delegated to them.
package job
