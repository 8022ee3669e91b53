package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/transport"
)

func TestClientAddrAddsOneToPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1:9101", clientAddr("10.0.0.1:9100"))
}

func TestClientAddrPassesThroughUnparsableAddress(t *testing.T) {
	assert.Equal(t, "not-an-address", clientAddr("not-an-address"))
}

func TestBuildManagersOnlyIncludesThisServersVirtualServers(t *testing.T) {
	cfg := config.New(1, 1)
	cfg.AddSpace(&config.Space{
		Name:       "accounts",
		Key:        model.Attribute{Name: "username", Type: model.KindString},
		Attributes: []model.Attribute{{Name: "balance", Type: model.KindInt64}},
		Subspaces:  []config.SubspaceID{1},
	})
	cfg.AddSubspace(&config.Subspace{ID: 1, Space: "accounts", Attributes: []string{"username"}})
	cfg.AddRegion(1, 1, 0, ^uint64(0), []config.VirtualID{10, 11})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 10, Server: 1, Region: 1, Index: 0, Address: "10.0.0.1:9100"})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 11, Server: 2, Region: 1, Index: 1, Address: "10.0.0.2:9100"})

	log := logrus.NewEntry(logrus.New())
	lb := transport.NewLoopback()

	managers, err := buildManagers(1, cfg, "", lb, log)
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, config.VirtualID(10), managers[0].VirtualServer())
}

func TestBuildManagersReturnsEmptyForUnassignedServer(t *testing.T) {
	cfg := config.New(1, 1)
	cfg.AddSpace(&config.Space{
		Name:       "accounts",
		Key:        model.Attribute{Name: "username", Type: model.KindString},
		Attributes: []model.Attribute{{Name: "balance", Type: model.KindInt64}},
		Subspaces:  []config.SubspaceID{1},
	})
	cfg.AddSubspace(&config.Subspace{ID: 1, Space: "accounts", Attributes: []string{"username"}})
	cfg.AddRegion(1, 1, 0, ^uint64(0), []config.VirtualID{10})
	cfg.AddVirtualServer(&config.VirtualServer{ID: 10, Server: 1, Region: 1, Index: 0, Address: "10.0.0.1:9100"})

	log := logrus.NewEntry(logrus.New())
	lb := transport.NewLoopback()

	managers, err := buildManagers(99, cfg, "", lb, log)
	require.NoError(t, err)
	assert.Empty(t, managers)
}
