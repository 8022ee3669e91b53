// Package replication wires internal/keystate's per-key state machine to the
// concrete dependencies a running daemon needs: durable storage, sequence-id
// issuance, and the network. Manager is the keystate.Hooks implementation;
// everything else in this package turns raw wire frames into KeyOperations
// and back.
package replication

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/idgen"
	"github.com/rescrv/hyperdex/internal/keystate"
	"github.com/rescrv/hyperdex/internal/storage"
	"github.com/rescrv/hyperdex/internal/transport"
	"github.com/rescrv/hyperdex/internal/wire"
)

// Manager is one daemon's replication engine for a single virtual server
// role: the (region, chain-position) identity it embodies in the currently
// installed configuration. A physical server that hosts several virtual
// servers (one per region it participates in) runs one Manager per role,
// each with its own KeyStateTable and storage.Engine, sharing one
// transport.Transport underneath.
type Manager struct {
	vs     config.VirtualID
	engine storage.Engine
	gen    *idgen.Generator
	col    *idgen.Collector
	net    transport.Transport
	log    *logrus.Entry

	cfg      atomic.Pointer[config.Configuration]
	readOnly atomic.Bool

	table *keystate.KeyStateTable
}

// NewManager constructs a Manager for virtual server vs. cfg is the initial
// configuration; callers install later ones with SetConfiguration as the
// coordinator pushes reconfigurations (spec §4.5).
func NewManager(vs config.VirtualID, cfg *config.Configuration, engine storage.Engine, gen *idgen.Generator, col *idgen.Collector, net transport.Transport, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		vs:     vs,
		engine: engine,
		gen:    gen,
		col:    col,
		net:    net,
		log:    log.WithField("vs", vs),
	}
	m.cfg.Store(cfg)
	m.table = keystate.NewKeyStateTable(vs, m)
	return m
}

// SetConfiguration installs a new configuration, as pushed by the
// coordinator. Key-states discover it lazily: the next time any of them
// reaches driveCommittableLocked, DetermineDownstream consults the new
// configuration and the retransmitter (internal/retransmit) re-sends
// anything stamped with a stale SentConfigVersion.
func (m *Manager) SetConfiguration(cfg *config.Configuration) {
	m.cfg.Store(cfg)
}

// SetReadOnly toggles whether new client-atomic operations are accepted,
// per spec §4.6's checkpoint-quiescence handshake.
func (m *Manager) SetReadOnly(ro bool) {
	m.readOnly.Store(ro)
}

// ReadOnly reports the current read-only flag.
func (m *Manager) ReadOnly() bool {
	return m.readOnly.Load()
}

// Table exposes the underlying KeyStateTable, for the quiescence checker
// (internal/retransmit) to walk when deciding whether this virtual server
// has drained.
func (m *Manager) Table() *keystate.KeyStateTable {
	return m.table
}

// VirtualServer reports the virtual server identity this Manager embodies,
// for callers (such as cmd/hyperdexd) that need to look it back up in a
// Configuration.
func (m *Manager) VirtualServer() config.VirtualID {
	return m.vs
}

// Config implements keystate.Hooks.
func (m *Manager) Config() *config.Configuration {
	return m.cfg.Load()
}

// GenerateSequenceID implements keystate.Hooks.
func (m *Manager) GenerateSequenceID(region config.RegionID) uint64 {
	return m.gen.GenerateID(region)
}

// Logger implements keystate.Hooks.
func (m *Manager) Logger() *logrus.Entry {
	return m.log
}

// Persist implements keystate.Hooks, choosing Put/Overwrite/Delete per the
// donor/recipient classification in spec §4.4: a region is the donor side
// of a subspace transfer when it equals ThisOldRegion, the recipient side
// when it equals ThisNewRegion, and both when the rectangle didn't move
// (RegionsExplicit but ThisOldRegion == ThisNewRegion).
func (m *Manager) Persist(region config.RegionID, op *keystate.KeyOperation) error {
	donor := op.RegionsExplicit && region == op.ThisOldRegion
	recipient := op.RegionsExplicit && region == op.ThisNewRegion

	switch {
	case donor && recipient:
		var oldValue []byte
		if rec, err := m.engine.Get(region, op.Key); err == nil {
			oldValue = rec.Value
		}
		newValue := wire.EncodeValues(op.Value)
		if !op.HasValue {
			return m.engine.Delete(region, op.SequenceID, op.Key, oldValue)
		}
		return m.engine.Overwrite(region, op.SequenceID, op.Key, oldValue, newValue, op.ThisVersion)
	case donor:
		var oldValue []byte
		if rec, err := m.engine.Get(region, op.Key); err == nil {
			oldValue = rec.Value
		}
		return m.engine.Delete(region, op.SequenceID, op.Key, oldValue)
	case recipient:
		return m.engine.Put(region, op.SequenceID, op.Key, wire.EncodeValues(op.Value), op.ThisVersion)
	default:
		if !op.HasValue {
			var oldValue []byte
			if rec, err := m.engine.Get(region, op.Key); err == nil {
				oldValue = rec.Value
			}
			return m.engine.Delete(region, op.SequenceID, op.Key, oldValue)
		}
		return m.engine.Put(region, op.SequenceID, op.Key, wire.EncodeValues(op.Value), op.ThisVersion)
	}
}

// MarkAcked implements keystate.Hooks: it tells the storage engine the
// sequence id is reclaimable, and collapses the identifier collector's gap
// tracking for region up to the new low-water mark.
func (m *Manager) MarkAcked(region config.RegionID, sequenceID uint64) error {
	if err := m.engine.MarkAcked(region, sequenceID); err != nil {
		return err
	}
	m.col.Collect(region, sequenceID)
	return nil
}

// SendChainOp implements keystate.Hooks: it resolves vs's network address
// in the current configuration and sends a CHAIN_OP or CHAIN_SUBSPACE frame,
// per transfer.
func (m *Manager) SendChainOp(vs config.VirtualID, configVersion uint64, transfer bool, op *keystate.KeyOperation) error {
	target := m.cfg.Load().GetVirtualServer(vs)
	if target == nil {
		return errors.Errorf("replication: unknown virtual server %d", vs)
	}

	hdr := wire.Header{
		ConfigVersion: configVersion,
		VirtualTo:     uint64(vs),
		VirtualFrom:   uint64(m.vs),
		Server:        true,
	}
	if op.Fresh {
		hdr.Flags |= wire.FlagFresh
	}
	if op.HasValue {
		hdr.Flags |= wire.FlagHasValue
	}

	var payload []byte
	if transfer {
		hdr.MsgType = wire.ChainSubspace
		payload = wire.EncodeChainSubspace(wire.ChainSubspacePayload{
			Fresh:         op.Fresh,
			HasValue:      op.HasValue,
			OldVersion:    op.PrevVersion,
			NewVersion:    op.ThisVersion,
			Key:           op.Key,
			Value:         op.Value,
			PrevRegion:    uint64(op.PrevRegion),
			ThisOldRegion: uint64(op.ThisOldRegion),
			ThisNewRegion: uint64(op.ThisNewRegion),
			NextRegion:    uint64(op.NextRegion),
		})
	} else {
		hdr.MsgType = wire.ChainOpMsg
		payload = wire.EncodeChainOp(wire.ChainOpPayload{
			Fresh:      op.Fresh,
			HasValue:   op.HasValue,
			OldVersion: op.PrevVersion,
			NewVersion: op.ThisVersion,
			Key:        op.Key,
			Value:      op.Value,
		})
	}

	return m.net.Send(context.Background(), target.Address, hdr, payload)
}

// SendAck implements keystate.Hooks: it sends a CHAIN_ACK back to vs (the
// operation's recorded upstream).
func (m *Manager) SendAck(vs config.VirtualID, op *keystate.KeyOperation) error {
	target := m.cfg.Load().GetVirtualServer(vs)
	if target == nil {
		return errors.Errorf("replication: unknown virtual server %d", vs)
	}
	hdr := wire.Header{
		MsgType:       wire.ChainAckMsg,
		ConfigVersion: op.ArrivedConfigVersion,
		VirtualTo:     uint64(vs),
		VirtualFrom:   uint64(m.vs),
		Server:        true,
	}
	payload := wire.EncodeChainAck(wire.ChainAckPayload{Version: op.ThisVersion, Key: op.Key})
	return m.net.Send(context.Background(), target.Address, hdr, payload)
}

// Serve registers this Manager's frame handler with net under its own
// virtual server's address, and blocks until ctx is canceled.
func (m *Manager) Serve(ctx context.Context) error {
	addr := ""
	if vs := m.cfg.Load().GetVirtualServer(m.vs); vs != nil {
		addr = vs.Address
	}
	return m.net.Serve(ctx, addr, m.handleFrame)
}

// handleFrame dispatches one inbound server-to-server frame to the
// key-state table, per spec §4.2's receive-thread classification.
func (m *Manager) handleFrame(hdr wire.Header, payload []byte) {
	switch hdr.MsgType {
	case wire.ChainOpMsg:
		p, err := wire.DecodeChainOp(payload)
		if err != nil {
			m.log.WithError(err).Warn("dropping malformed CHAIN_OP")
			return
		}
		region, ok := m.cfg.Load().RegionOf(m.vs)
		if !ok {
			m.log.Warn("CHAIN_OP arrived but this virtual server has no region")
			return
		}
		op := &keystate.KeyOperation{
			PrevVersion:          p.OldVersion,
			ThisVersion:          p.NewVersion,
			Fresh:                p.Fresh,
			HasValue:             p.HasValue,
			Value:                p.Value,
			Origin:               keystate.OriginChainOp,
			Upstream:             config.VirtualID(hdr.VirtualFrom),
			ArrivedConfigVersion: hdr.ConfigVersion,
			ThisOldRegion:        region,
			ThisNewRegion:        region,
		}
		ref := m.table.Acquire(region, p.Key)
		ref.Get().EnqueueChain(op)
		ref.Release()

	case wire.ChainSubspace:
		p, err := wire.DecodeChainSubspace(payload)
		if err != nil {
			m.log.WithError(err).Warn("dropping malformed CHAIN_SUBSPACE")
			return
		}
		region, ok := m.cfg.Load().RegionOf(m.vs)
		if !ok {
			m.log.Warn("CHAIN_SUBSPACE arrived but this virtual server has no region")
			return
		}
		op := &keystate.KeyOperation{
			PrevVersion:          p.OldVersion,
			ThisVersion:          p.NewVersion,
			Fresh:                p.Fresh,
			HasValue:             p.HasValue,
			Value:                p.Value,
			Origin:               keystate.OriginChainSubspace,
			Upstream:             config.VirtualID(hdr.VirtualFrom),
			ArrivedConfigVersion: hdr.ConfigVersion,
			PrevRegion:           config.RegionID(p.PrevRegion),
			ThisOldRegion:        config.RegionID(p.ThisOldRegion),
			ThisNewRegion:        config.RegionID(p.ThisNewRegion),
			NextRegion:           config.RegionID(p.NextRegion),
			RegionsExplicit:      true,
		}
		ref := m.table.Acquire(region, p.Key)
		ref.Get().EnqueueChain(op)
		ref.Release()

	case wire.ChainAckMsg:
		p, err := wire.DecodeChainAck(payload)
		if err != nil {
			m.log.WithError(err).Warn("dropping malformed CHAIN_ACK")
			return
		}
		region, ok := m.cfg.Load().RegionOf(m.vs)
		if !ok {
			m.log.Warn("CHAIN_ACK arrived but this virtual server has no region")
			return
		}
		if ref, ok := m.table.Lookup(region, p.Key); ok {
			ref.Get().EnqueueAck(p.Version)
			ref.Release()
		}

	default:
		m.log.WithField("msg_type", hdr.MsgType).Warn("dropping frame of unexpected type")
	}
}
