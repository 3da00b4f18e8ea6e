// Package bidscore implements the job scheduling core of the BIDS
// research-data platform: the state machine governing asynchronous
// processing jobs and the claim protocol by which independent engine
// processes safely take work from a shared queue.
//
// The surrounding platform (the project/session/acquisition hierarchy,
// permissions, file storage) is a separate concern. This module consumes
// only a durable job record store and assumes the caller has already been
// authorized.
//
// # Quick Start
//
//	st := memory.New()
//	s, err := bidscore.New(st)
//	if err != nil { ... }
//
//	j, err := s.Submit(ctx, payload)          // insert a pending job
//	claimed, ok, err := s.Next(ctx)           // atomically claim work
//	_, err = s.Update(ctx, claimed.ID, job.Mutation{
//	    State:  job.StateComplete,
//	    Result: result,
//	})
//
// # Architecture
//
// The Scheduler is the single write path for job records. Next claims the
// most recently modified pending job in one atomic store operation, so
// any number of engines may poll concurrently without coordination.
// Update re-reads the record, validates the requested transition against
// the state machine in package job, and writes through a compare-and-set
// keyed on the observed state; a lost race surfaces as ErrUpdateConflict
// rather than a silent overwrite.
//
// Storage backends live under store/ (memory, mongo, postgres, redis,
// sqlite) and all implement the job.Store capability interface. The
// worker-side runner lives in engine, orphan sweeping in reaper, and the
// HTTP surface in api with a matching Go client in client.
//
// All job IDs use TypeID: type-prefixed, K-sortable, URL-safe
// identifiers.
package bidscore
