// Package storage keeps an append-only history of delivery runs.
//
// Backends:
//   - "file": JSON Lines next to the configured path
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//
// History is written for operators. Nothing reads it back to resume a run.
package storage
