// Package storage is the durable persistence layer behind the schedule
// registry and the task queue.
//
// Drivers:
//   - "sqlite": single-file SQLite database (modernc.org/sqlite, no cgo)
//   - "memory": in-process store for tests and ephemeral runs
//
// All task state transitions exposed by Store are atomic with respect to
// each other; callers rely on that for lease exclusivity.
package storage
