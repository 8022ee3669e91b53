// Package wire implements the on-the-wire framing and value encoding the
// replication engine exchanges with clients and with its chain neighbors.
//
// Framing follows a fixed header shape: server-to-server messages carry
// [msg-type:u8][flags:u8][config-version:u64][virtual-to:u64][virtual-from:u64],
// client-to-server messages omit flags/config-version/virtual-to and carry
// only [msg-type:u8][virtual-from:u64] in their place, where virtual-from
// identifies the client's own nonce-bearing connection rather than a chain
// position. Every frame is length-prefixed so a receiver can read exactly one
// message off a stream socket without parsing its payload first.
//
// Value encoding (EncodeSortKey) is independent of framing: it produces the
// same memcmp-comparable byte string regardless of transport, used for CAS
// comparisons and to compute the hashes that the hyperspace function
// (outside this package) maps onto regions. Message payloads carry values in
// the separate self-describing encoding of EncodeValues.
package wire
