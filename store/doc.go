// Package store defines the full persistence contract for job records.
//
// The scheduling core depends only on job.Store; the composite [Store]
// adds the lifecycle methods (Migrate, Ping, Close) that deployment
// wiring needs. Every backend implements Store.
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/mongo — MongoDB backend using mongo-driver/v2
//   - store/postgres — PostgreSQL backend using pgx/v5
//   - store/redis — Redis backend using go-redis/v9
//   - store/sqlite — SQLite backend using database/sql + mattn/go-sqlite3
//
// # Usage
//
//	import "github.com/nellh/bids-core/store/mongo"
//
//	s, err := mongo.New(ctx, "mongodb://localhost:27017/bids")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	sched, err := bidscore.New(s)
//
// # Migrations
//
// Call Migrate once at startup to create or update the schema or
// indexes:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Claim Atomicity
//
// Each backend implements the claim with its engine's native
// conditional-update primitive: findOneAndUpdate on MongoDB, UPDATE with
// FOR UPDATE SKIP LOCKED on PostgreSQL, a Lua script on Redis, a
// single-statement UPDATE on SQLite, and a mutex in memory. The
// scheduler never needs to know which one it is talking to.
package store
