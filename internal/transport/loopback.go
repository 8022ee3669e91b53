package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rescrv/hyperdex/internal/wire"
)

// Loopback is an in-process Transport: Send looks up the Handler registered
// for addr and invokes it directly. It never touches the network, which
// makes it the right transport for scenario tests that want to exercise
// real routing and chain logic without real sockets.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLoopback constructs an empty Loopback registry.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Send hands hdr and payload to addr's registered Handler on a new
// goroutine, then returns, mirroring TCP's one-shot connect-write-close
// Send: the caller learns only that the frame was delivered for
// processing, not that processing finished. Dispatching inline instead
// would let a chain that routes back to its own sender's key-state (every
// two-hop chain does, once the tail's ack returns upstream) re-enter a
// KeyState's non-reentrant mutex from the same goroutine that holds it.
// It returns an error if no Handler is registered at addr, mirroring a
// real transport's connection-refused case.
func (l *Loopback) Send(ctx context.Context, addr string, hdr wire.Header, payload []byte) error {
	l.mu.RLock()
	handler, ok := l.handlers[addr]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: loopback: no handler registered for %q", addr)
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	go handler(hdr, cp)
	return nil
}

// Serve registers handler under addr until ctx is canceled, then
// deregisters it and returns ctx.Err().
func (l *Loopback) Serve(ctx context.Context, addr string, handler Handler) error {
	l.mu.Lock()
	l.handlers[addr] = handler
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.handlers, addr)
	l.mu.Unlock()

	return ctx.Err()
}
