package keystate

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/wire"
)

// Hooks decouples KeyState from the concrete storage, transport, and
// identifier-generation dependencies a real engine needs. A KeyState never
// touches disk or a socket directly; it calls back into Hooks while holding
// its own mutex, trusting the implementation (internal/replication.Manager)
// not to call back into the same KeyState and deadlock.
//
// This is callback injection: KeyState is handed the reactions it needs as
// an interface rather than importing the subsystems that implement them, so
// KeyState can be unit-tested against a fake.
type Hooks interface {
	// Config returns the currently installed configuration, used to resolve
	// routing for the operation at the head of the committable queue.
	Config() *config.Configuration

	// GenerateSequenceID issues the next durable-log sequence number for
	// region, used as the SequenceID passed to storage on persistence.
	GenerateSequenceID(region config.RegionID) uint64

	// Persist durably applies op's effect for region, choosing
	// Put/Overwrite/Delete per the donor/recipient classification described
	// on storage.Engine and in spec §4.4.
	Persist(region config.RegionID, op *KeyOperation) error

	// SendChainOp forwards op downstream to vs as a CHAIN_OP or
	// CHAIN_SUBSPACE message (transfer indicates which), stamped with the
	// given configuration version.
	SendChainOp(vs config.VirtualID, configVersion uint64, transfer bool, op *KeyOperation) error

	// SendAck notifies vs (the operation's Upstream) that op has committed.
	SendAck(vs config.VirtualID, op *KeyOperation) error

	// MarkAcked is a hint that every earlier sequence id for region is now
	// committed and may be reclaimed from the durable log.
	MarkAcked(region config.RegionID, sequenceID uint64) error

	Logger() *logrus.Entry
}

// KeyState owns every in-flight operation against one (region, key) pair.
// See the package doc for the queue and work-bit discipline.
type KeyState struct {
	mu sync.Mutex

	region config.RegionID
	vs     config.VirtualID // the virtual server this daemon embodies for region
	key    []byte

	hasOldValue bool
	oldVersion  uint64
	oldValue    []byte

	// nextVersion is the next version number EnqueueClient will hand out.
	// It advances the instant a client operation is admitted, not when it
	// commits, so that concurrent EnqueueClient calls never assign the same
	// version twice even while earlier versions are still draining.
	nextVersion uint64

	deferred    []*KeyOperation // ThisVersion known but PrevVersion not yet seen as committable
	blocked     []*KeyOperation // chained on PrevVersion, waiting for predecessor to commit
	committable []*KeyOperation // ready to apply in ThisVersion order, head first

	working   bool
	needsWork bool

	hooks Hooks
	log   *logrus.Entry
}

// NewKeyState constructs an empty KeyState for (region, key). A fresh
// KeyState has all three queues empty, so Finished reports true until the
// first operation is enqueued, matching the "a newly constructed T(K) must
// return true for finished()" invariant.
func NewKeyState(region config.RegionID, vs config.VirtualID, key []byte, hooks Hooks) *KeyState {
	return &KeyState{
		region: region,
		vs:     vs,
		key:    append([]byte(nil), key...),
		hooks:  hooks,
		log:    hooks.Logger().WithField("region", region).WithField("key", string(key)),
	}
}

// Finished reports whether this key-state has no outstanding work: every
// queue is empty. A finished KeyState is eligible for garbage collection by
// its owning KeyStateTable once it also has no outstanding acquirers.
func (ks *KeyState) Finished() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.finishedLocked()
}

func (ks *KeyState) finishedLocked() bool {
	return len(ks.deferred) == 0 && len(ks.blocked) == 0 && len(ks.committable) == 0
}

// CommittableEmpty reports whether this key-state's committable queue has
// fully drained, the condition spec §4.6's checkpoint quiescence waits for
// on every key-state: deferred and blocked may still hold chain traffic
// for versions not yet ready to apply, but nothing is left to persist or
// acknowledge.
func (ks *KeyState) CommittableEmpty() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.committable) == 0
}

// DebugDump renders this key-state's queue shape as a single line: the key,
// the durable tail version, and the length of each of the three queues in
// pipeline order. Used by the admin server's /debug/keystates endpoint and
// by tests asserting queue shape after a scenario, matching the original
// engine's debug_dump().
func (ks *KeyState) DebugDump() string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return fmt.Sprintf("key=%q old_version=%d deferred=%d blocked=%d committable=%d",
		ks.key, ks.oldVersion, len(ks.deferred), len(ks.blocked), len(ks.committable))
}

// Retransmit re-sends the committable head if it was last sent under a
// configuration epoch older than current, per spec §4.5: reconfiguration
// can silently drop a CHAIN_OP in flight to an address that no longer
// names the right peer, so the committable head's send is treated as
// unconfirmed until the head operation is acked, and gets retried here on
// every retransmitter wake.
func (ks *KeyState) Retransmit(current uint64) {
	ks.mu.Lock()
	if len(ks.committable) > 0 {
		head := ks.committable[0]
		if head.Sent && head.SentConfigVersion < current {
			head.Sent = false
		}
	}
	ks.lockedEnqueueFinish()
}

// Latest returns the version and value this key-state would answer a read
// with: the tail of the committable queue if non-empty, else the durable
// snapshot, matching spec §12's get_latest resolution order (blocked
// operations are never visible to reads, since they have not yet been proven
// ordered relative to what precedes them).
func (ks *KeyState) Latest() (version uint64, value []byte, hasValue bool, found bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if n := len(ks.committable); n > 0 {
		tail := ks.committable[n-1]
		var v []byte
		if tail.HasValue {
			v = append([]byte(nil), wire.EncodeValues(tail.Value)...)
		}
		return tail.ThisVersion, v, tail.HasValue, true
	}
	if ks.hasOldValue {
		return ks.oldVersion, append([]byte(nil), ks.oldValue...), true, true
	}
	return 0, nil, false, false
}

// EnqueueClient admits a client-originated operation. Per spec §4.2 step 1,
// the version is assigned here: PrevVersion is the last version handed out
// to any client operation on this key (0 if none yet), ThisVersion is one
// past it, and Fresh is set only for the very first version ever assigned.
// Assignment happens unconditionally under mu, so two client operations
// racing into EnqueueClient can never receive the same version even though
// neither has committed yet.
func (ks *KeyState) EnqueueClient(op *KeyOperation) {
	ks.mu.Lock()
	op.Key = ks.key
	prevVersion := ks.nextVersion
	op.PrevVersion = prevVersion
	op.Fresh = prevVersion == 0
	op.ThisVersion = prevVersion + 1
	ks.nextVersion = op.ThisVersion
	if !op.RegionsExplicit {
		op.ThisOldRegion = ks.region
		op.ThisNewRegion = ks.region
	}
	ks.insertLocked(op)
	ks.lockedEnqueueFinish()
}

// EnqueueChain admits a CHAIN_OP or CHAIN_SUBSPACE operation arriving from
// upstream. Its version fields are already set by the sender.
func (ks *KeyState) EnqueueChain(op *KeyOperation) {
	ks.mu.Lock()
	op.Key = ks.key
	if op.ThisVersion > ks.nextVersion {
		ks.nextVersion = op.ThisVersion
	}
	ks.insertLocked(op)
	ks.lockedEnqueueFinish()
}

// EnqueueAck records that a downstream CHAIN_ACK has arrived for the
// operation with the given version, at the head of the committable queue.
func (ks *KeyState) EnqueueAck(version uint64) {
	ks.mu.Lock()
	for _, op := range ks.committable {
		if op.ThisVersion == version {
			op.Acked = true
			break
		}
	}
	ks.lockedEnqueueFinish()
}

// lockedEnqueueFinish must be called with mu held; it either starts draining
// (if nobody currently owns this key-state's work) or marks that the current
// owner has more to do, then releases mu.
func (ks *KeyState) lockedEnqueueFinish() {
	if ks.working {
		ks.needsWork = true
		ks.mu.Unlock()
		return
	}
	ks.working = true
	ks.mu.Unlock()
	ks.runDrainLoop()
}

// latestLocked must be called with mu held.
func (ks *KeyState) latestLocked() (version uint64, value []byte, hasValue bool, found bool) {
	if n := len(ks.committable); n > 0 {
		tail := ks.committable[n-1]
		var v []byte
		if tail.HasValue {
			v = wire.EncodeValues(tail.Value)
		}
		return tail.ThisVersion, v, tail.HasValue, true
	}
	if ks.hasOldValue {
		return ks.oldVersion, ks.oldValue, true, true
	}
	return 0, nil, false, false
}

// insertLocked inserts op into deferred in ThisVersion order, dropping exact
// duplicates per spec §4.2's edge case ("if the same this_version arrives
// twice, ignore the duplicate"). A version already folded into the durable
// snapshot or the committable tail is a duplicate too, even though no
// in-flight operation object still represents it. Must be called with mu
// held.
func (ks *KeyState) insertLocked(op *KeyOperation) {
	if tailVersion, _, _, found := ks.latestLocked(); found && op.ThisVersion <= tailVersion {
		return
	}
	isDuplicate := func(existing *KeyOperation) bool { return existing.duplicateOf(op) }
	if slices.IndexFunc(ks.deferred, isDuplicate) >= 0 {
		return
	}
	if slices.IndexFunc(ks.blocked, isDuplicate) >= 0 {
		return
	}
	if slices.IndexFunc(ks.committable, isDuplicate) >= 0 {
		return
	}
	i := slices.IndexFunc(ks.deferred, func(existing *KeyOperation) bool {
		return existing.ThisVersion >= op.ThisVersion
	})
	if i < 0 {
		i = len(ks.deferred)
	}
	ks.deferred = slices.Insert(ks.deferred, i, op)
}

// runDrainLoop is the work-bit discipline: the calling goroutine keeps
// draining this key-state until a pass completes with no new work requested,
// at which point it releases the work bit. There is no condition variable
// hand-off to a waiting thread, because no other goroutine ever blocks
// waiting for the work bit — callers that find it held simply set needsWork
// and return, trusting this loop to notice before it stops.
func (ks *KeyState) runDrainLoop() {
	for {
		ks.mu.Lock()
		ks.needsWork = false
		ks.drainOnceLocked()
		if !ks.needsWork {
			ks.working = false
			ks.mu.Unlock()
			return
		}
		ks.mu.Unlock()
	}
}

// drainOnceLocked runs the promotion pipeline described in spec §4.2 to a
// fixed point: deferred operations whose PrevVersion matches the current
// committable tail (or the durable snapshot, if committable is empty) move
// to blocked; blocked operations whose predecessor has committed move to
// committable; the committable head is sent/persisted/acked in order. Each
// of those steps can enable the next — a predecessor committing in
// driveCommittableLocked is exactly what lets its successor leave blocked —
// so the three steps repeat until a full round makes no progress. It is
// called with mu held and may call into Hooks (storage and transport I/O)
// while still holding it: only one goroutine ever drains a given key at a
// time, so this does not create cross-key contention, only serializes work
// against this one key, which spec §5 requires anyway.
func (ks *KeyState) drainOnceLocked() {
	for {
		progress := false
		if ks.promoteDeferredLocked() {
			progress = true
		}
		if ks.promoteBlockedLocked() {
			progress = true
		}
		if ks.driveCommittableLocked() {
			progress = true
		}
		if !progress {
			return
		}
	}
}

func (ks *KeyState) promoteDeferredLocked() bool {
	any := false
	changed := true
	for changed {
		changed = false
		tailVersion, _, _, found := ks.latestLocked()
		ready := func(op *KeyOperation) bool {
			return op.Fresh || (found && op.PrevVersion == tailVersion) || (!found && op.PrevVersion == 0)
		}
		if i := slices.IndexFunc(ks.deferred, ready); i >= 0 {
			ks.blocked = append(ks.blocked, ks.deferred[i])
			ks.deferred = slices.Delete(ks.deferred, i, i+1)
			changed, any = true, true
		}
	}
	return any
}

func (ks *KeyState) promoteBlockedLocked() bool {
	any := false
	changed := true
	for changed {
		changed = false
		tailVersion, _, _, found := ks.latestLocked()
		ready := func(op *KeyOperation) bool {
			return op.Fresh || (found && op.PrevVersion == tailVersion) || (!found && op.PrevVersion == 0)
		}
		if i := slices.IndexFunc(ks.blocked, ready); i >= 0 {
			ks.committable = append(ks.committable, ks.blocked[i])
			ks.blocked = slices.Delete(ks.blocked, i, i+1)
			changed, any = true, true
		}
	}
	return any
}

// driveCommittableLocked advances the committable head through send, persist,
// and ack, in that order (invariant 5: persistence happens before a commit is
// acknowledged upstream), stopping as soon as the head is not yet acked.
// Returns whether at least one operation fully committed, so the caller's
// fixed-point loop knows to give promotion another pass.
func (ks *KeyState) driveCommittableLocked() bool {
	any := false
	for len(ks.committable) > 0 {
		op := ks.committable[0]
		cfg := ks.hooks.Config()

		downstream, has, transfer := DetermineDownstream(cfg, ks.vs, op)
		if has {
			op.Downstream = downstream
			op.HasDownstream = true
			if !op.Sent || op.SentConfigVersion != cfg.Version {
				if err := ks.hooks.SendChainOp(downstream, cfg.Version, transfer, op); err != nil {
					ks.log.WithError(err).Warn("send chain op failed, will retry on retransmit")
					return any
				}
				op.Sent = true
				op.SentConfigVersion = cfg.Version
			}
			if !op.Acked {
				return any
			}
		}

		if op.SequenceID == 0 {
			op.SequenceID = ks.hooks.GenerateSequenceID(ks.region)
		}
		if err := ks.hooks.Persist(ks.region, op); err != nil {
			ks.log.WithError(err).Error("persist failed, will retry")
			return any
		}
		if err := ks.hooks.MarkAcked(ks.region, op.SequenceID); err != nil {
			ks.log.WithError(err).Warn("mark acked failed")
		}

		if op.HasValue {
			ks.hasOldValue = true
			ks.oldVersion = op.ThisVersion
			ks.oldValue = wire.EncodeValues(op.Value)
		} else {
			ks.hasOldValue = false
			ks.oldValue = nil
		}

		switch op.Origin {
		case OriginClient:
			if op.Respond != nil {
				op.Respond(wire.Success)
			}
		default:
			if err := ks.hooks.SendAck(op.Upstream, op); err != nil {
				ks.log.WithError(err).Warn("send ack upstream failed, will retry on retransmit")
			}
		}

		ks.committable = ks.committable[1:]
		any = true
	}
	return any
}
