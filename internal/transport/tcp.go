package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rescrv/hyperdex/internal/wire"
)

// TCP is a real Transport backed by net.Listener/net.Dial. Send uses a
// one-shot connect-write-close model: every frame gets its own connection
// rather than a pooled, persistent one. That costs a handshake per send,
// but it means a stuck peer can never wedge a shared connection, and it
// keeps this type free of any connection-reuse bookkeeping.
type TCP struct {
	Log *logrus.Entry
}

// NewTCP constructs a TCP transport. log may be nil, in which case a
// standalone entry is used.
func NewTCP(log *logrus.Entry) *TCP {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TCP{Log: log}
}

// Send dials addr, writes one server-to-server frame, and closes the
// connection. ctx governs the dial only; once the write starts it runs to
// completion or failure.
func (t *TCP) Send(ctx context.Context, addr string, hdr wire.Header, payload []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "transport: tcp: dial %s", addr)
	}
	defer conn.Close()

	hdr.Server = true
	if err := wire.WriteServerHeader(conn, hdr, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return errors.Wrap(err, "transport: tcp: write payload")
	}
	return nil
}

// Serve listens on addr and hands every received frame to handler. Each
// accepted connection is read by its own goroutine under an errgroup so a
// malformed or hostile peer can't take down the listener; that connection's
// goroutine just returns its error and the listener keeps accepting.
func (t *TCP) Serve(ctx context.Context, addr string, handler Handler) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "transport: tcp: listen %s", addr)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	group.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "transport: tcp: accept")
			}
			group.Go(func() error {
				t.serveConn(conn, handler)
				return nil
			})
		}
	})

	err = group.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (t *TCP) serveConn(conn net.Conn, handler Handler) {
	defer conn.Close()

	hdr, n, err := wire.ReadHeader(conn, true)
	if err != nil {
		t.Log.WithError(err).Debug("transport: tcp: dropping malformed frame")
		return
	}
	payload, err := wire.ReadPayload(conn, n)
	if err != nil {
		t.Log.WithError(err).Debug("transport: tcp: dropping truncated frame")
		return
	}
	handler(hdr, payload)
}
