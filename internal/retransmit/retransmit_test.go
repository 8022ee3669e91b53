package retransmit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/coordlink"
	"github.com/rescrv/hyperdex/internal/idgen"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/replication"
	"github.com/rescrv/hyperdex/internal/storage"
	"github.com/rescrv/hyperdex/internal/transport"
	"github.com/rescrv/hyperdex/internal/wire"
)

func retransmitTestConfig() *config.Configuration {
	cfg := config.New(1, 1)
	cfg.AddSpace(&config.Space{
		Name: "accounts",
		Key:  model.Attribute{Name: "username", Type: model.KindString},
		Attributes: []model.Attribute{
			{Name: "balance", Type: model.KindInt64},
		},
		Subspaces: []config.SubspaceID{1},
	})
	cfg.AddSubspace(&config.Subspace{ID: 1, Space: "accounts", Attributes: []string{"username"}})
	cfg.AddRegion(1, 1, 0, ^uint64(0), []config.VirtualID{10, 11})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 10, Server: 1, Region: 1, Index: 0, Address: "vs-10"})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 11, Server: 2, Region: 1, Index: 1, Address: "vs-11"})
	return cfg
}

func newRetransmitTestManager(t *testing.T, vs config.VirtualID, cfg *config.Configuration, net transport.Transport) *replication.Manager {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	return replication.NewManager(vs, cfg, storage.NewMemoryEngine(), idgen.NewGenerator(), idgen.NewCollector(), net, log)
}

// TestRetransmitterRetriesStalledChainSend reproduces the case spec §4.5
// exists for: a chain send that failed because the downstream peer wasn't
// reachable yet stays stuck at the committable head until something forces
// another attempt. A tick of the Retransmitter is that something.
func TestRetransmitterRetriesStalledChainSend(t *testing.T) {
	cfg := retransmitTestConfig()
	lb := transport.NewLoopback()

	head := newRetransmitTestManager(t, 10, cfg, lb)
	tail := newRetransmitTestManager(t, 11, cfg, lb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go head.Serve(ctx)
	require.Eventually(t, func() bool {
		return lb.Send(ctx, "vs-10", wire.Header{}, nil) == nil
	}, time.Second, time.Millisecond)

	req := wire.ReqAtomicPayload{
		Nonce: 1,
		Key:   []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncSet, Operand: model.Int64(100)},
		},
	}

	resultCh := make(chan wire.Status, 1)
	go func() {
		resultCh <- head.SubmitAtomic(req)
	}()

	// Tail isn't serving yet, so the chain send head attempted should have
	// failed and left the operation stuck at the committable head.
	select {
	case <-resultCh:
		t.Fatal("request committed without a reachable downstream")
	case <-time.After(50 * time.Millisecond):
	}

	go tail.Serve(ctx)
	require.Eventually(t, func() bool {
		return lb.Send(ctx, "vs-11", wire.Header{}, nil) == nil
	}, time.Second, time.Millisecond)

	rt := NewRetransmitter([]*replication.Manager{head}, time.Hour, nil)
	rt.Tick()

	select {
	case status := <-resultCh:
		assert.Equal(t, wire.Success, status)
	case <-time.After(2 * time.Second):
		t.Fatal("request never committed after retransmit")
	}
}

func TestCheckpointerReportsStableWhenAlreadyQuiescent(t *testing.T) {
	cfg := retransmitTestConfig()
	lb := transport.NewLoopback()
	head := newRetransmitTestManager(t, 10, cfg, lb)
	liaison := coordlink.NewStatic(cfg)

	cp := NewCheckpointer(1, []*replication.Manager{head}, liaison, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, cp.Quiesce(ctx, time.Millisecond))
	assert.True(t, head.ReadOnly())
	require.Len(t, liaison.Reports, 1)
	assert.Equal(t, config.ServerID(1), liaison.Reports[0].Server)
	assert.Equal(t, cfg.Version, liaison.Reports[0].Version)
}

func TestCheckpointerResumeClearsReadOnly(t *testing.T) {
	cfg := retransmitTestConfig()
	lb := transport.NewLoopback()
	head := newRetransmitTestManager(t, 10, cfg, lb)
	liaison := coordlink.NewStatic(cfg)

	cp := NewCheckpointer(1, []*replication.Manager{head}, liaison, nil)
	ctx := context.Background()
	require.NoError(t, cp.Quiesce(ctx, time.Millisecond))
	cp.Resume()
	assert.False(t, head.ReadOnly())
}

// TestCheckpointerQuiesceRespectsContextCancellation keeps the downstream
// peer unreachable so the one outstanding write can never drain its
// committable queue, then checks Quiesce gives up when its context expires
// instead of blocking forever.
func TestCheckpointerQuiesceRespectsContextCancellation(t *testing.T) {
	cfg := retransmitTestConfig()
	lb := transport.NewLoopback()
	head := newRetransmitTestManager(t, 10, cfg, lb)
	liaison := coordlink.NewStatic(cfg)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go head.Serve(bgCtx)
	require.Eventually(t, func() bool {
		return lb.Send(bgCtx, "vs-10", wire.Header{}, nil) == nil
	}, time.Second, time.Millisecond)

	req := wire.ReqAtomicPayload{
		Nonce: 1,
		Key:   []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncSet, Operand: model.Int64(100)},
		},
	}
	// Tail is never started, so this write's chain send can never succeed
	// and the committable queue never drains.
	go head.SubmitAtomic(req)

	cp := NewCheckpointer(1, []*replication.Manager{head}, liaison, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := cp.Quiesce(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, liaison.Reports)
}
