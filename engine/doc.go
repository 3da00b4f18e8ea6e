// Package engine runs claimed jobs through registered handlers.
//
// An Engine polls a [Source] for pending work, selects a handler by the
// payload's "kind" field, and reports each outcome back as a state
// update. The source can be an in-process *bidscore.Scheduler or a
// *client.Client pointed at a remote scheduler daemon; the engine does
// not care which.
//
// # Building an Engine
//
//	sched, err := bidscore.New(store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := engine.New(sched,
//	    engine.WithConcurrency(8),
//	    engine.WithHeartbeatInterval(10*time.Second),
//	    engine.WithClaimRate(50, 5),
//	)
//
// # Registering Work
//
//	type convertInput struct {
//	    Kind string `json:"kind"`
//	    Path string `json:"path"`
//	}
//
//	engine.Register(eng, "convert", func(ctx context.Context, in convertInput) (json.RawMessage, error) {
//	    return convert(ctx, in.Path)
//	})
//
// # Heartbeats
//
// While a job runs, the engine periodically applies an empty mutation to
// it, bumping its modified timestamp. The reaper uses that timestamp to
// tell live jobs from orphans whose engine died. A rejected heartbeat
// means the job was already moved to a terminal state elsewhere, and the
// engine cancels the local execution in response.
//
// # Options
//
//   - [WithConcurrency] — number of concurrent run loops
//   - [WithIdleBackoff] — poll spacing while the scheduler is idle
//   - [WithHeartbeatInterval] — how often running jobs are touched
//   - [WithHandlerTimeout] — per-handler execution deadline
//   - [WithClaimRate] — token-bucket throttle on claim attempts
//   - [WithMiddleware] — extra middleware after the built-in chain
package engine
