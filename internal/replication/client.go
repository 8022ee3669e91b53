package replication

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/keystate"
	"github.com/rescrv/hyperdex/internal/model"
	"github.com/rescrv/hyperdex/internal/wire"
)

// ServeClients listens on addr for client connections and processes
// REQ_ATOMIC requests until ctx is canceled. Each connection is read in its
// own goroutine and kept open across many requests, unlike the one-shot
// per-frame model internal/transport uses for server-to-server traffic:
// a real client library pipelines many requests over one connection.
func (m *Manager) ServeClients(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "replication: listen %s", addr)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "replication: accept")
		}
		go m.serveClientConn(conn)
	}
}

// SubmitAtomic resolves req the same way a REQ_ATOMIC frame off the wire
// would, without requiring a network round trip. Used by in-process
// callers such as the retransmitter's tests and any future embedded admin
// tooling that wants to drive a Manager directly.
func (m *Manager) SubmitAtomic(req wire.ReqAtomicPayload) wire.Status {
	return m.handleReqAtomic(req)
}

func (m *Manager) serveClientConn(conn net.Conn) {
	defer conn.Close()
	for {
		hdr, n, err := wire.ReadHeader(conn, false)
		if err != nil {
			if err != io.EOF {
				m.log.WithError(err).Debug("client connection closed")
			}
			return
		}
		payload, err := wire.ReadPayload(conn, n)
		if err != nil {
			m.log.WithError(err).Debug("dropping truncated client frame")
			return
		}
		if hdr.MsgType != wire.ReqAtomic {
			m.log.WithField("msg_type", hdr.MsgType).Warn("dropping unexpected client frame")
			continue
		}
		req, err := wire.DecodeReqAtomic(payload)
		if err != nil {
			m.log.WithError(err).Warn("dropping malformed REQ_ATOMIC")
			continue
		}

		status := m.handleReqAtomic(req)

		resp := wire.EncodeRespAtomic(wire.RespAtomicPayload{Nonce: req.Nonce, Status: status})
		if err := wire.WriteClientHeader(conn, wire.RespAtomic, 0, uint32(len(resp))); err != nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// handleReqAtomic resolves req against this virtual server's notion of the
// key's latest value, builds the resulting KeyOperation, enqueues it, and
// blocks until the key-state machine reports an outcome.
//
// CAS checks are resolved against the committable tail / durable snapshot
// only (KeyState.Latest), not against operations still sitting in blocked:
// a value that has not yet been proven ordered relative to its predecessor
// is not a value a CAS should be allowed to observe. This is stricter than
// strictly necessary — a rapid sequence of writes to one key serializes
// through commit rather than pipelining against tentative order — but it
// never lets a CAS succeed against a value that could still be superseded.
func (m *Manager) handleReqAtomic(req wire.ReqAtomicPayload) wire.Status {
	if m.readOnly.Load() {
		return wire.ReadOnly
	}

	cfg := m.cfg.Load()
	region, ok := cfg.RegionOf(m.vs)
	if !ok {
		return wire.ServerError
	}
	ssID, ok := cfg.SubspaceOf(region)
	if !ok {
		return wire.ServerError
	}
	ss := cfg.GetSubspace(ssID)
	if ss == nil {
		return wire.ServerError
	}
	space := cfg.GetSpace(ss.Space)
	if space == nil {
		return wire.ServerError
	}

	ref := m.table.Acquire(region, req.Key)
	defer ref.Release()
	ks := ref.Get()

	_, currentBytes, hasValue, _ := ks.Latest()
	var decoded []model.Value
	if hasValue {
		var err error
		decoded, err = wire.DecodeValues(currentBytes)
		if err != nil {
			m.log.WithError(err).Error("failed to decode durable record")
			return wire.ServerError
		}
	}

	newValues, status := applyRequest(space, decoded, req)
	if status != wire.Success {
		return status
	}

	result := make(chan wire.Status, 1)
	op := &keystate.KeyOperation{
		HasValue:    newValues != nil,
		Value:       newValues,
		Origin:      keystate.OriginClient,
		ClientNonce: req.Nonce,
		Respond: func(s wire.Status) {
			result <- s
		},
	}
	resolveSubspaceCrossing(cfg, ss, space, req.Key, hasValue, decoded, op)
	ks.EnqueueClient(op)
	return <-result
}

// resolveSubspaceCrossing fills in op's next-subspace routing fields, per
// spec §4.3 and §9: a value-dependent chain doesn't just replicate within
// one region, it also carries a key from its region in one subspace to its
// (possibly different) region in the next. ss is the subspace the virtual
// server handling this request owns; the computation looks only one
// subspace ahead, matching how keystate.DetermineDownstream consumes these
// fields — a chain of three or more subspaces continues past the first
// crossing using plain NextRegion forwarding, without a further donor/
// recipient split.
//
// oldValues is the tuple being replaced (nil/hadValue false for a fresh
// key); newValues is op.Value. Both are in space.Attributes order.
func resolveSubspaceCrossing(cfg *config.Configuration, ss *config.Subspace, space *config.Space, key []byte, hadValue bool, oldValues []model.Value, op *keystate.KeyOperation) {
	nextID, ok := cfg.SubspaceNext(ss.ID)
	if !ok {
		return
	}
	next := cfg.GetSubspace(nextID)
	if next == nil {
		return
	}

	op.RegionsExplicit = true

	if hadValue {
		if r, ok := cfg.LookupRegion(nextID, subspaceHashes(next, space, key, oldValues)); ok {
			op.ThisOldRegion = r
		}
	}
	if op.HasValue {
		if r, ok := cfg.LookupRegion(nextID, subspaceHashes(next, space, key, op.Value)); ok {
			op.ThisNewRegion = r
		}
	}

	// One more subspace ahead of next: precompute where the new tuple
	// belongs there too, so the recipient's own tail can forward without
	// re-deriving this operation's attribute values.
	if op.HasValue {
		if afterID, ok := cfg.SubspaceNext(nextID); ok {
			if after := cfg.GetSubspace(afterID); after != nil {
				if r, ok := cfg.LookupRegion(afterID, subspaceHashes(after, space, key, op.Value)); ok {
					op.NextRegion = r
				}
			}
		}
	}
}

// subspaceHashes reduces a tuple to the ordered hash coordinates ss.Regions
// partitions on, substituting the primary key's hash for the key attribute
// name (subspace 0 hashes only the key; later subspaces may too).
func subspaceHashes(ss *config.Subspace, space *config.Space, key []byte, values []model.Value) []uint64 {
	index := attributeIndex(space)
	hashes := make([]uint64, 0, len(ss.Attributes))
	for _, name := range ss.Attributes {
		if name == space.Key.Name {
			hashes = append(hashes, wire.HashSortKey(model.String(string(key))))
			continue
		}
		i, ok := index[name]
		if !ok || i >= len(values) {
			hashes = append(hashes, 0)
			continue
		}
		hashes = append(hashes, wire.HashSortKey(values[i]))
	}
	return hashes
}
