package keystate

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/wire"
)

// fakeHooks is an in-memory Hooks double: no transport, no disk, just enough
// bookkeeping to observe what a KeyState tried to do.
type fakeHooks struct {
	mu  sync.Mutex
	cfg *config.Configuration
	seq uint64

	persisted []persistedCall
	sent      []sentCall
	acked     []ackedCall

	sendErr error
}

type persistedCall struct {
	region config.RegionID
	op     *KeyOperation
}

type sentCall struct {
	vs       config.VirtualID
	transfer bool
	op       *KeyOperation
}

type ackedCall struct {
	vs config.VirtualID
	op *KeyOperation
}

func newFakeHooks(cfg *config.Configuration) *fakeHooks {
	return &fakeHooks{cfg: cfg}
}

func (f *fakeHooks) Config() *config.Configuration { return f.cfg }

func (f *fakeHooks) GenerateSequenceID(region config.RegionID) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func (f *fakeHooks) Persist(region config.RegionID, op *KeyOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, persistedCall{region, op})
	return nil
}

func (f *fakeHooks) SendChainOp(vs config.VirtualID, configVersion uint64, transfer bool, op *KeyOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentCall{vs, transfer, op})
	// Simulate an immediate downstream ack, as a single-node test chain
	// would: nothing else will ever call EnqueueAck.
	op.Acked = true
	return nil
}

func (f *fakeHooks) SendAck(vs config.VirtualID, op *KeyOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ackedCall{vs, op})
	return nil
}

func (f *fakeHooks) MarkAcked(region config.RegionID, sequenceID uint64) error { return nil }

func (f *fakeHooks) Logger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func oneRegionConfig(region config.RegionID, vs config.VirtualID) *config.Configuration {
	cfg := config.New(1, 1)
	cfg.AddSubspace(&config.Subspace{ID: 1})
	cfg.AddRegion(region, 1, 0, ^uint64(0), []config.VirtualID{vs})
	cfg.AddVirtualServer(&config.VirtualServer{ID: vs, Server: 1, Region: region, Index: 0})
	return cfg
}

func TestKeyStateTailCommitsAndRespondsToClient(t *testing.T) {
	region := config.RegionID(1)
	vs := config.VirtualID(100)
	cfg := oneRegionConfig(region, vs)
	hooks := newFakeHooks(cfg)

	ks := NewKeyState(region, vs, []byte("k"), hooks)

	var status wire.Status
	var responded bool
	op := &KeyOperation{
		HasValue: true,
		Value:    []model.Value{model.Int64(42)},
		Origin:   OriginClient,
		Respond:  func(s wire.Status) { responded = true; status = s },
	}
	ks.EnqueueClient(op)

	require.True(t, responded)
	assert.Equal(t, wire.Success, status)
	assert.True(t, ks.Finished())

	version, value, hasValue, found := ks.Latest()
	require.True(t, found)
	assert.True(t, hasValue)
	assert.Equal(t, uint64(1), version)
	decoded, err := wire.DecodeValues(value)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, int64(42), decoded[0].Int)

	require.Len(t, hooks.persisted, 1)
	assert.Empty(t, hooks.sent, "sole chain member must not forward to itself")
}

func TestKeyStateOrdersOutOfOrderArrivals(t *testing.T) {
	region := config.RegionID(1)
	vs := config.VirtualID(100)
	cfg := oneRegionConfig(region, vs)
	hooks := newFakeHooks(cfg)

	ks := NewKeyState(region, vs, []byte("k"), hooks)

	var order []uint64
	mk := func(version uint64) *KeyOperation {
		return &KeyOperation{
			PrevVersion: version - 1,
			ThisVersion: version,
			Fresh:       version == 1,
			HasValue:    true,
			Value:       []model.Value{model.Int64(int64(version))},
			Origin:      OriginChainOp,
			Upstream:    vs,
		}
	}

	// Arrive out of order: 2 before 1. Version 2 must sit in deferred,
	// unable to promote, until version 1 arrives and commits.
	ks.EnqueueChain(mk(2))
	assert.False(t, ks.Finished())
	_, _, _, found := ks.Latest()
	assert.False(t, found, "version 2 must not be visible before version 1 commits")

	ks.EnqueueChain(mk(1))
	assert.True(t, ks.Finished())

	version, _, _, found := ks.Latest()
	require.True(t, found)
	assert.Equal(t, uint64(2), version)
	_ = order
}

func TestKeyStateDebugDumpReportsQueueShape(t *testing.T) {
	region := config.RegionID(1)
	vs := config.VirtualID(100)
	cfg := oneRegionConfig(region, vs)
	hooks := newFakeHooks(cfg)

	ks := NewKeyState(region, vs, []byte("k"), hooks)
	assert.Contains(t, ks.DebugDump(), `key="k"`)
	assert.Contains(t, ks.DebugDump(), "deferred=0 blocked=0 committable=0")

	// Version 2 arrives before version 1: it must sit in deferred, visible
	// in the dump, until version 1 lets it promote and commit.
	ks.EnqueueChain(&KeyOperation{
		PrevVersion: 1, ThisVersion: 2, HasValue: true,
		Value: []model.Value{model.Int64(2)}, Origin: OriginChainOp, Upstream: vs,
	})
	assert.Contains(t, ks.DebugDump(), "deferred=1 blocked=0 committable=0")

	ks.EnqueueChain(&KeyOperation{
		Fresh: true, PrevVersion: 0, ThisVersion: 1, HasValue: true,
		Value: []model.Value{model.Int64(1)}, Origin: OriginChainOp, Upstream: vs,
	})
	assert.Contains(t, ks.DebugDump(), "old_version=2 deferred=0 blocked=0 committable=0")
}

func TestKeyStateDropsDuplicateVersion(t *testing.T) {
	region := config.RegionID(1)
	vs := config.VirtualID(100)
	cfg := oneRegionConfig(region, vs)
	hooks := newFakeHooks(cfg)

	ks := NewKeyState(region, vs, []byte("k"), hooks)

	calls := 0
	op1 := &KeyOperation{
		Fresh: true, ThisVersion: 1, HasValue: true,
		Value: []model.Value{model.Int64(1)}, Origin: OriginClient,
		Respond: func(wire.Status) { calls++ },
	}
	dup := &KeyOperation{
		Fresh: true, ThisVersion: 1, HasValue: true,
		Value: []model.Value{model.Int64(99)}, Origin: OriginClient,
		Respond: func(wire.Status) { calls++ },
	}

	ks.EnqueueChain(op1)
	ks.EnqueueChain(dup)

	assert.Equal(t, 1, calls, "duplicate this_version must be ignored")
	require.Len(t, hooks.persisted, 1)
}

func TestDetermineDownstreamChainForwardsWithinRegion(t *testing.T) {
	cfg := config.New(1, 1)
	cfg.AddSubspace(&config.Subspace{ID: 1})
	cfg.AddRegion(1, 1, 0, ^uint64(0), []config.VirtualID{10, 20, 30})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 10, Region: 1, Index: 0})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 20, Region: 1, Index: 1})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 30, Region: 1, Index: 2})

	op := &KeyOperation{ThisOldRegion: 1, ThisNewRegion: 1}

	next, has, transfer := DetermineDownstream(cfg, 10, op)
	require.True(t, has)
	assert.Equal(t, config.VirtualID(20), next)
	assert.False(t, transfer)

	_, has, _ = DetermineDownstream(cfg, 30, op)
	assert.False(t, has, "tail with no next region has no downstream")
}

func TestDetermineDownstreamSubspaceTransferConverges(t *testing.T) {
	cfg := config.New(1, 1)
	cfg.AddSubspace(&config.Subspace{ID: 1})
	cfg.AddSubspace(&config.Subspace{ID: 2})
	// Donor region 1 (tail=11), recipient region 2 (head=21, tail=22).
	cfg.AddRegion(1, 1, 0, ^uint64(0), []config.VirtualID{10, 11})
	cfg.AddRegion(2, 1, 0, ^uint64(0), []config.VirtualID{21, 22})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 10, Region: 1, Index: 0})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 11, Region: 1, Index: 1})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 21, Region: 2, Index: 0})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 22, Region: 2, Index: 1})

	op := &KeyOperation{
		RegionsExplicit: true,
		ThisOldRegion:   1,
		ThisNewRegion:   2,
	}

	// Donor tail hands off to recipient head.
	next, has, transfer := DetermineDownstream(cfg, 11, op)
	require.True(t, has)
	assert.Equal(t, config.VirtualID(21), next)
	assert.True(t, transfer)

	// Recipient head forwards within its own chain exactly like the
	// continuous case.
	next, has, transfer = DetermineDownstream(cfg, 21, op)
	require.True(t, has)
	assert.Equal(t, config.VirtualID(22), next)
	assert.False(t, transfer)

	// Recipient tail with no further subspace terminates, same as any
	// ordinary tail.
	_, has, _ = DetermineDownstream(cfg, 22, op)
	assert.False(t, has)
}

// TestDetermineDownstreamEntersSubspaceBoundaryOnce exercises the missing
// half TestDetermineDownstreamSubspaceTransferConverges assumes as given:
// an operation still inside its own subspace's region (here, region 1,
// which is neither the donor nor the recipient of the subspace-2 transfer
// it's carrying) must cross exactly once, at its own tail, into the donor
// side, and never again re-trigger the crossing once it's inside region 2
// or 3.
func TestDetermineDownstreamEntersSubspaceBoundaryOnce(t *testing.T) {
	cfg := config.New(1, 1)
	cfg.AddSubspace(&config.Subspace{ID: 1})
	cfg.AddSubspace(&config.Subspace{ID: 2})
	cfg.AddRegion(1, 1, 0, ^uint64(0), []config.VirtualID{10})   // op's own subspace-1 region
	cfg.AddRegion(2, 2, 0, ^uint64(0), []config.VirtualID{20})   // subspace-2 donor
	cfg.AddRegion(3, 2, 0, ^uint64(0), []config.VirtualID{30})   // subspace-2 recipient
	cfg.AddVirtualServer(&config.VirtualServer{ID: 10, Region: 1, Index: 0})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 20, Region: 2, Index: 0})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 30, Region: 3, Index: 0})

	op := &KeyOperation{
		RegionsExplicit: true,
		ThisOldRegion:   2,
		ThisNewRegion:   3,
	}

	// Region 1's own (single-node) tail crosses into the donor head, not
	// the recipient: it has not entered subspace 2 yet.
	next, has, transfer := DetermineDownstream(cfg, 10, op)
	require.True(t, has)
	assert.Equal(t, config.VirtualID(20), next)
	assert.True(t, transfer)

	// Donor's own tail hands off to the recipient.
	next, has, transfer = DetermineDownstream(cfg, 20, op)
	require.True(t, has)
	assert.Equal(t, config.VirtualID(30), next)
	assert.True(t, transfer)

	// Recipient tail, with no NextRegion set, terminates rather than
	// looping back into the donor/recipient split again.
	_, has, _ = DetermineDownstream(cfg, 30, op)
	assert.False(t, has)
}

// TestDetermineDownstreamEntersSubspaceBoundaryNoMove covers the case where
// the next subspace's old and new hash land on the same region: the
// boundary crossing still happens once (via ThisNewRegion, since
// ThisOldRegion == ThisNewRegion here), but there is no donor/recipient
// split once inside it.
func TestDetermineDownstreamEntersSubspaceBoundaryNoMove(t *testing.T) {
	cfg := config.New(1, 1)
	cfg.AddSubspace(&config.Subspace{ID: 1})
	cfg.AddSubspace(&config.Subspace{ID: 2})
	cfg.AddRegion(1, 1, 0, ^uint64(0), []config.VirtualID{10})
	cfg.AddRegion(2, 2, 0, ^uint64(0), []config.VirtualID{20, 21})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 10, Region: 1, Index: 0})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 20, Region: 2, Index: 0})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 21, Region: 2, Index: 1})

	op := &KeyOperation{
		RegionsExplicit: true,
		ThisOldRegion:   2,
		ThisNewRegion:   2,
	}

	next, has, transfer := DetermineDownstream(cfg, 10, op)
	require.True(t, has)
	assert.Equal(t, config.VirtualID(20), next)
	assert.True(t, transfer, "crossing into the next subspace is still a CHAIN_SUBSPACE hop")

	next, has, transfer = DetermineDownstream(cfg, 20, op)
	require.True(t, has)
	assert.Equal(t, config.VirtualID(21), next)
	assert.False(t, transfer, "once inside, same region throughout behaves like plain chain replication")
}

func TestKeyStateTableAcquireReleaseCollects(t *testing.T) {
	region := config.RegionID(1)
	vs := config.VirtualID(100)
	cfg := oneRegionConfig(region, vs)
	hooks := newFakeHooks(cfg)

	table := NewKeyStateTable(vs, hooks)

	ref := table.Acquire(region, []byte("k"))
	assert.Equal(t, 1, table.Len())

	ref2 := table.Acquire(region, []byte("k"))
	assert.Same(t, ref.Get(), ref2.Get(), "second acquire must return the same key-state")

	ref.Release()
	assert.Equal(t, 1, table.Len(), "still held by ref2")

	ref2.Release()
	assert.Equal(t, 0, table.Len(), "last release of a finished key-state must collect it")
}

func TestKeyStateTableLookupDoesNotCreate(t *testing.T) {
	region := config.RegionID(1)
	vs := config.VirtualID(100)
	cfg := oneRegionConfig(region, vs)
	hooks := newFakeHooks(cfg)

	table := NewKeyStateTable(vs, hooks)

	_, ok := table.Lookup(region, []byte("missing"))
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestKeyStateWorkBitSerializesConcurrentEnqueues(t *testing.T) {
	region := config.RegionID(1)
	vs := config.VirtualID(100)
	cfg := oneRegionConfig(region, vs)
	hooks := newFakeHooks(cfg)

	ks := NewKeyState(region, vs, []byte("k"), hooks)

	const n = 50
	var wg sync.WaitGroup
	var respondedCount int32 = 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ks.EnqueueClient(&KeyOperation{
				HasValue: true,
				Value:    []model.Value{model.Int64(1)},
				Origin:   OriginClient,
				Respond: func(wire.Status) {
					mu.Lock()
					respondedCount++
					mu.Unlock()
				},
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), respondedCount)
	assert.True(t, ks.Finished())
	version, _, _, _ := ks.Latest()
	assert.Equal(t, uint64(n), version)
}
