// Package storage persists tag subscriptions and the delivery audit log.
//
// Drivers:
//   - "memory": process-local, the default
//   - "file": JSON Lines journal + snapshot, no external dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
