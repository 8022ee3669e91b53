// Package retransmit hosts the two periodic maintenance tasks that run
// alongside a live Manager: retransmission of chain sends that a
// reconfiguration may have stranded mid-flight, and the checkpoint
// quiescence handshake the coordinator uses to take a consistent backup.
//
// Neither task touches the wire directly. Both drive a Manager purely
// through the same keystate primitives client and chain traffic already
// use (KeyState.Retransmit, KeyState.CommittableEmpty, KeyStateTable.Range),
// so a retransmit pass or a quiescence poll can never race the drain loop
// that owns a key's actual state transitions.
package retransmit
