package keystate

import (
	"github.com/rescrv/hyperdex/internal/config"
)

// DetermineDownstream resolves spec §4.3's routing table for one operation
// arriving at vs, including the subspace-transfer case left as an Open
// Question by spec §9.
//
// The continuous path (no subspace transfer pending, or this op's old and
// new region in the next subspace coincide) is unchanged from plain chain
// replication: forward to the next virtual server in vs's own region
// chain; only once vs is the tail does routing look ahead, either crossing
// into the next subspace (when ThisOldRegion/ThisNewRegion describe that
// boundary and vs's region is neither of them yet — this op has not entered
// the next subspace at all) or consulting NextRegion for the subspace after
// that (when vs's region already *is* one of them — this op is already
// inside the next subspace and NextRegion describes the one beyond),
// terminating (ack upstream, no downstream) if there is none.
//
// The discontinuous path (vs's region equals ThisOldRegion or ThisNewRegion,
// and they differ) applies only at the boundary between the donor and
// recipient regions within that subspace: the donor region's tail forwards
// — carrying the full explicit region ids, unchanged — to the head of the
// recipient region (this is the one place routing crosses regions without
// consulting NextRegion). From the recipient's head onward, the operation
// behaves exactly like the continuous case: it walks the recipient chain,
// and the recipient's tail consults NextRegion exactly as any other tail
// would. Both paths converge at the recipient tail, satisfying Testable
// Property 6 (delete on the old region, put on the new region, same
// new_version, chain continues identically from that point on).
//
// Only the crossing into the immediately next subspace gets the donor/
// recipient split; a key operation reaching into a third subspace forwards
// via plain NextRegion continuation with no further split.
func DetermineDownstream(cfg *config.Configuration, vs config.VirtualID, op *KeyOperation) (downstream config.VirtualID, has bool, transfer bool) {
	ownRegion, ok := cfg.RegionOf(vs)
	if !ok {
		return 0, false, false
	}

	enteredNextSubspace := op.RegionsExplicit && (ownRegion == op.ThisOldRegion || ownRegion == op.ThisNewRegion)
	transferring := enteredNextSubspace && op.ThisOldRegion != op.ThisNewRegion

	if !transferring {
		if !cfg.IsTailOfRegion(vs) {
			if next, ok := cfg.NextInRegion(vs); ok {
				return next, true, false
			}
			return 0, false, false
		}
		if op.RegionsExplicit && !enteredNextSubspace {
			return crossSubspaceBoundary(cfg, op)
		}
		return nextRegionHead(cfg, op)
	}

	switch ownRegion {
	case op.ThisOldRegion:
		if !cfg.IsTailOfRegion(vs) {
			if next, ok := cfg.NextInRegion(vs); ok {
				return next, true, false
			}
			return 0, false, false
		}
		// Donor tail: hand off to the recipient region's head, carrying the
		// explicit region ids unchanged.
		if head, ok := cfg.HeadOfRegion(op.ThisNewRegion); ok {
			return head, true, true
		}
		return 0, false, false

	case op.ThisNewRegion:
		if !cfg.IsTailOfRegion(vs) {
			if next, ok := cfg.NextInRegion(vs); ok {
				return next, true, false
			}
			return 0, false, false
		}
		// Recipient tail: behaves exactly like the non-transfer tail case.
		return nextRegionHead(cfg, op)

	default:
		return 0, false, false
	}
}

func nextRegionHead(cfg *config.Configuration, op *KeyOperation) (config.VirtualID, bool, bool) {
	if op.NextRegion == 0 {
		return 0, false, false
	}
	if head, ok := cfg.HeadOfRegion(op.NextRegion); ok {
		return head, true, false
	}
	return 0, false, false
}

// crossSubspaceBoundary resolves the first hop into the next subspace, at
// the tail of the region this op's own subspace assigned it to. ThisOldRegion
// and ThisNewRegion describe where the pre- and post-update tuple hash in
// that next subspace (spec §4.3, §9); a real move (they differ, and an old
// copy actually exists) routes through the donor region first so it can
// delete its copy before the recipient region puts the new one, per
// Testable Property 6. A pure delete with nothing ahead (ThisNewRegion
// zero) or a fresh key with nothing behind (ThisOldRegion zero) routes
// directly to whichever side is real.
func crossSubspaceBoundary(cfg *config.Configuration, op *KeyOperation) (config.VirtualID, bool, bool) {
	if op.ThisOldRegion != 0 && op.ThisOldRegion != op.ThisNewRegion {
		if head, ok := cfg.HeadOfRegion(op.ThisOldRegion); ok {
			return head, true, true
		}
		return 0, false, false
	}
	if op.ThisNewRegion != 0 {
		if head, ok := cfg.HeadOfRegion(op.ThisNewRegion); ok {
			return head, true, true
		}
	}
	return 0, false, false
}
