// Package sqlite provides a SQLite-backed job store.
//
// It suits single-node deployments that want durable jobs without an
// external database server. The whole state lives in one file (or in
// memory when opened with ":memory:").
//
// A claim is a single UPDATE with a nested SELECT picking the newest
// pending row, lowest id among ties. SQLite serializes writers, so the
// statement is atomic without explicit locking. Timestamps are stored
// as unix nanoseconds in INTEGER columns; the store pins the pool to
// one connection since SQLite permits a single writer at a time.
package sqlite
