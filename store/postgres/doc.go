// Package postgres implements the job store using pgx/v5 with raw SQL.
// Claims use FOR UPDATE SKIP LOCKED, conditional updates key on the
// observed state, and the schema ships as embedded SQL migrations.
package postgres
