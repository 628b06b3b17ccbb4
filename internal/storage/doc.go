// Package storage is the durable timer store.
//
// It owns the timers table and its schema evolution, and exposes the three
// operations the dispatch loop relies on (Insert, FetchDue, MarkHandled) plus
// a few read helpers used by commands and ops endpoints.
//
// Drivers:
//   - "sqlite": single file, single connection (default)
//   - "postgres": pgx pool against a DSN
package storage
