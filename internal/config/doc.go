// Package config models the cluster configuration that the coordinator service
// pushes to every daemon: the set of spaces, their subspaces, the regions each
// subspace is partitioned into, and the virtual servers that replicate each
// region as a value-dependent chain.
//
// A Configuration is immutable once constructed. Reconfiguration means building
// a new Configuration and swapping it in under the replication manager's
// pointer; nothing in this package mutates a Configuration in place, which
// keeps the region-id lookups used on the hot path lock-free.
//
// Region and virtual server identity is deliberately represented as plain
// integer ids (RegionID, ServerID, VirtualID), never as pointers into a
// Configuration, so that key-state records referencing "my predecessor" or "my
// upstream neighbor" stay valid across a reconfiguration swap without dangling
// — validity is re-derived by looking the id up in whatever Configuration is
// current, exactly as described for cyclic back-references in the design
// notes.
package config
