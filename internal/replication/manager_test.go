package replication

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/idgen"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/storage"
	"github.com/rescrv/hyperdex/internal/transport"
	"github.com/rescrv/hyperdex/internal/wire"
)

func twoNodeChainConfig() *config.Configuration {
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

func newTestManager(t *testing.T, vs config.VirtualID, cfg *config.Configuration, net transport.Transport) *Manager {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	m := NewManager(vs, cfg, storage.NewMemoryEngine(), idgen.NewGenerator(), idgen.NewCollector(), net, log)
	return m
}

func TestManagerClientWriteCommitsAcrossChain(t *testing.T) {
	cfg := twoNodeChainConfig()
	lb := transport.NewLoopback()

	head := newTestManager(t, 10, cfg, lb)
	tail := newTestManager(t, 11, cfg, lb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go head.Serve(ctx)
	go tail.Serve(ctx)

	require.Eventually(t, func() bool {
		return lb.Send(ctx, "vs-10", wire.Header{}, nil) == nil && lb.Send(ctx, "vs-11", wire.Header{}, nil) == nil
	}, time.Second, time.Millisecond)

	req := wire.ReqAtomicPayload{
		Nonce: 1,
		Key:   []byte("alice"),
		Funcs: []wire.Func{
			{Attribute: "balance", Op: wire.FuncSet, Operand: model.Int64(100)},
		},
	}

	var status wire.Status
	done := make(chan struct{})
	go func() {
		status = head.handleReqAtomic(req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request never committed")
	}
	assert.Equal(t, wire.Success, status)

	rec, err := tail.engine.Get(1, []byte("alice"))
	require.NoError(t, err)
	values, err := wire.DecodeValues(rec.Value)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, int64(100), values[0].Int)
	assert.Equal(t, uint64(1), rec.Version)
}

func TestManagerReadOnlyRejectsClientWrites(t *testing.T) {
	cfg := twoNodeChainConfig()
	lb := transport.NewLoopback()
	head := newTestManager(t, 10, cfg, lb)
	head.SetReadOnly(true)

	status := head.handleReqAtomic(wire.ReqAtomicPayload{Key: []byte("alice")})
	assert.Equal(t, wire.ReadOnly, status)
}
