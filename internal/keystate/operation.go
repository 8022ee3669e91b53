package keystate

import (
	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/wire"
)

// Origin identifies where a KeyOperation entered the replication engine,
// which in turn determines how its outcome is reported once it finishes:
// client-originated operations call Respond, chain-originated operations
// send a CHAIN_ACK to Upstream.
type Origin int

const (
	// OriginClient is a REQ_ATOMIC this virtual server received directly
	// from a client connection. It is always fresh relative to this
	// engine's view: the version is assigned here, from the latest
	// visible value (spec §4.2 step 1).
	OriginClient Origin = iota
	// OriginChainOp is a CHAIN_OP forwarded from the predecessor in this
	// key's own region chain, or from the tail of the previous subspace.
	OriginChainOp
	// OriginChainSubspace is a CHAIN_SUBSPACE message carrying explicit
	// region ids, bypassing this engine's local re-hash (spec §4.2, §9).
	OriginChainSubspace
)

// KeyOperation is one logical version of a key, matching the fields in spec
// §3 exactly. Each operation is owned exclusively by its KeyState; there are
// no shared pointers into an operation from outside the queue that holds it.
type KeyOperation struct {
	// Key is the primary-key bytes this operation applies to, copied in by
	// the owning KeyState at enqueue time so Hooks methods (Persist,
	// SendChainOp, SendAck) never need a side channel back to it.
	Key []byte

	PrevVersion uint64
	ThisVersion uint64
	Fresh       bool // no prior version existed
	HasValue    bool // false encodes a delete
	Value       []model.Value

	// Region ids describing this version's position in the value-dependent
	// chain. For continuous-path operations these are computed locally by
	// re-hashing (RegionsExplicit false); for subspace-transfer operations
	// they arrive explicitly in the CHAIN_SUBSPACE payload and are never
	// recomputed (RegionsExplicit true) — see spec §9.
	PrevRegion      config.RegionID
	ThisOldRegion   config.RegionID
	ThisNewRegion   config.RegionID
	NextRegion      config.RegionID
	RegionsExplicit bool

	Origin      Origin
	Upstream    config.VirtualID // valid when Origin != OriginClient
	ArrivedConfigVersion uint64  // configuration epoch this op arrived in

	ClientNonce uint64
	Respond     func(status wire.Status)

	Downstream    config.VirtualID
	HasDownstream bool
	Sent          bool
	SentConfigVersion uint64

	Acked      bool
	SequenceID uint64
}

// duplicateOf reports whether op and other represent the same logical
// version arriving twice (spec §4.2 edge cases: "if the same this_version
// arrives twice, ignore the duplicate").
func (op *KeyOperation) duplicateOf(other *KeyOperation) bool {
	return op.ThisVersion == other.ThisVersion
}
