// Package transport sends and receives internal/wire frames between virtual
// servers. Two implementations share one interface: Loopback, an in-process
// registry used by tests and single-process scenario runs, and TCP, a real
// net.Listener-based transport for a running cluster.
//
// Neither implementation interprets frame contents; routing decisions live
// in internal/keystate and internal/replication. A Transport's only job is
// to get a Header and payload from one address to another and hand it to
// the receiving side's Handler.
package transport
