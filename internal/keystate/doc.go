// Package keystate implements the per-key ordering state machine described in
// spec §3–§4.2 and §4.7: the core of the replication engine.
//
// A KeyState owns every in-flight operation against one (region, key) pair,
// split across three version-ordered queues — deferred, blocked, committable
// — plus a snapshot of the last durably-persisted value. Exactly one
// goroutine drives a given KeyState's queues at a time (the "work bit"
// discipline in §5); every other goroutine that enqueues work for the same
// key either becomes that driver (if no one currently holds the bit) or sets
// a needs-work flag and returns immediately, trusting the current driver to
// notice it before relinquishing ownership.
//
// KeyStateTable is the concurrent map from (region, key) to KeyState
// described in spec §4.1: lazy creation, reference-counted acquisition, and
// atomic garbage collection of any KeyState that has both emptied its queues
// and lost its last holder. Each entry carries a garbage bit and a mutex, and
// the removal itself is sync.Map's CompareAndDelete ("delete this entry iff
// it still holds this precise value"), so no lock covers the whole table.
package keystate
