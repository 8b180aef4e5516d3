// Package storage is chainwatch's key-value persistence layer.
//
// Keys are '/'-separated strings; values are opaque bytes. Drivers:
//   - memory: process-local map (tests, ephemeral runs)
//   - file: JSON Lines journal compacted into a snapshot
//   - sqlite: single-table SQLite database (modernc, no cgo)
//   - badger: embedded LSM store
package storage
