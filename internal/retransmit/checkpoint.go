package retransmit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/coordlink"
	"github.com/rescrv/hyperdex/internal/keystate"
	"github.com/rescrv/hyperdex/internal/replication"
)

// Checkpointer drives the two-phase quiescence handshake of spec §4.6: stop
// admitting new client atomic operations, wait for every key-state this
// daemon hosts to drain its committable queue, then tell the coordinator
// this server is stable at the configuration version it quiesced under.
type Checkpointer struct {
	server   config.ServerID
	managers []*replication.Manager
	liaison  coordlink.Liaison
	log      *logrus.Entry
}

// NewCheckpointer constructs a Checkpointer for server, watching managers
// (one per virtual server this daemon embodies) and reporting stability
// through liaison.
func NewCheckpointer(server config.ServerID, managers []*replication.Manager, liaison coordlink.Liaison, log *logrus.Entry) *Checkpointer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Checkpointer{server: server, managers: managers, liaison: liaison, log: log}
}

// Quiesce sets every watched Manager read-only, polls until all of their
// key-states have emptied their committable queues, then reports stability
// to the coordinator at the configuration version in effect when draining
// finished. It blocks until quiescence is reached or ctx is canceled.
func (c *Checkpointer) Quiesce(ctx context.Context, pollInterval time.Duration) error {
	for _, m := range c.managers {
		m.SetReadOnly(true)
	}
	c.log.Info("checkpoint: entered read-only mode, draining committable queues")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if c.allQuiescent() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	var version uint64
	for _, m := range c.managers {
		if v := m.Config().Version; v > version {
			version = v
		}
	}
	c.log.WithField("version", version).Info("checkpoint: quiescent, reporting stable")
	return c.liaison.ReportStable(ctx, c.server, version)
}

// Resume takes every watched Manager back out of read-only mode, letting
// client writes flow again. Callers use this once a checkpoint snapshot has
// been taken, or to abandon an in-progress Quiesce.
func (c *Checkpointer) Resume() {
	for _, m := range c.managers {
		m.SetReadOnly(false)
	}
}

func (c *Checkpointer) allQuiescent() bool {
	for _, m := range c.managers {
		empty := true
		m.Table().Range(func(_ config.RegionID, _ []byte, state *keystate.KeyState) bool {
			if !state.CommittableEmpty() {
				empty = false
				return false
			}
			return true
		})
		if !empty {
			return false
		}
	}
	return true
}
