// Package redis provides a Redis-backed job store.
//
// Every job is stored as a hash under bidscore:job:<id>. Two indexes
// sit beside the hashes: a set of all job ids for listing and
// counting, and a sorted set of pending ids scored by modified stamp
// for claiming. Stamps are stored in unix milliseconds, which keeps
// them well inside the precision of sorted set scores.
//
// Claims and conditional updates execute as Lua scripts. Redis runs a
// script as one atomic unit, so a claim can pop the newest pending
// entry and flip it to running without a competing claimer seeing the
// job in between, and a conditional update can check the expected
// state and write the mutation without a lost-update window.
//
// The store is safe for concurrent use; the underlying go-redis client
// pools connections.
package redis
