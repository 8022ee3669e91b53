// Package idgen implements the per-region identifier generator and collector
// described in spec §4.5: a monotonic counter that hands out sequence ids for
// outbound storage writes, and a companion collector that tracks the lowest
// id not yet committed so the storage engine can reclaim log prefixes.
//
// Both types are safe for concurrent use from many key-state goroutines at
// once. Generator keeps one atomic counter per region (its region map is
// locked only to look up or create a counter), and Collector guards each
// region's state with that region's own mutex, so contention on region A
// does not block progress on region B.
package idgen
