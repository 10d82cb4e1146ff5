// Package storage selects and opens the configured trigger store backend.
//
// It currently supports:
//   - "memory": volatile, for tests and single-shot runs
//   - "sqlite": a local database file
//   - "postgres": a shared database, safe for several engine instances
package storage
