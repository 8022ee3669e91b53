// Package storage defines the contract the replication engine uses to
// persist committed versions, and two implementations of it.
//
// The contract (Engine) is deliberately thin: spec §4.4's five methods (Get,
// Put, Overwrite, Delete, and MarkAcked) plus HighWaterMark, which lets the
// identifier generator resume, and Close. The replication
// engine calls it only when the head of a key-state's committable queue has
// been acked (§4.2, §4.7); how a backend achieves durability is opaque to the
// engine, which only assumes that Put/Overwrite/Delete do not return until
// the write is durable, and that the (region, sequence_id) stamped on each
// write survives a restart so the identifier generator (internal/idgen) can
// resume.
//
// MemoryEngine is a non-durable adapter, used by the tests, the loopback
// scenario harness, and cmd/hyperdexd when no --data-dir is given.
// SQLiteEngine is the durable adapter cmd/hyperdexd uses under --data-dir, built on
// github.com/ncruces/go-sqlite3 (a cgo-free SQLite driver), storing one row
// per (region, key) plus a per-region high-water mark table.
package storage
