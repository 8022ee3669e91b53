package transport

import (
	"context"

	"github.com/rescrv/hyperdex/internal/wire"
)

// Handler processes one received frame. It must not block for long: TCP
// invokes it synchronously on the connection's read goroutine, and Loopback
// on a new goroutine per frame.
type Handler func(hdr wire.Header, payload []byte)

// Transport moves framed messages between addresses. addr is an opaque
// string: Loopback treats it as a registry key, TCP treats it as a
// "host:port" dial target.
type Transport interface {
	// Send delivers one frame to addr. TCP blocks until the frame has been
	// written; Loopback returns once the frame is handed to the handler's
	// goroutine, without waiting for the handler to run.
	Send(ctx context.Context, addr string, hdr wire.Header, payload []byte) error

	// Serve registers handler to receive frames addressed to addr and
	// blocks until ctx is canceled or an unrecoverable error occurs.
	Serve(ctx context.Context, addr string, handler Handler) error
}
