// Package retransmit implements the two background tasks spec §4.5 and
// §4.6 assign to a running daemon: retrying chain sends that reconfiguration
// may have dropped, and the checkpoint-quiescence handshake that lets the
// coordinator take a consistent backup.
package retransmit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/keystate"
	"github.com/rescrv/hyperdex/internal/replication"
)

// Retransmitter periodically walks every KeyState of every Manager it
// watches and re-sends any committable head whose last send predates the
// currently installed configuration, per spec §4.5. Duplicates this
// produces are safe: receivers are idempotent by (region, new_version).
type Retransmitter struct {
	managers []*replication.Manager
	interval time.Duration
	log      *logrus.Entry
}

// NewRetransmitter constructs a Retransmitter over managers, waking every
// interval.
func NewRetransmitter(managers []*replication.Manager, interval time.Duration, log *logrus.Entry) *Retransmitter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Retransmitter{managers: managers, interval: interval, log: log}
}

// Run blocks, ticking every r.interval, until ctx is canceled.
func (r *Retransmitter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one retransmission pass immediately, without waiting for the
// ticker. Exported so tests can trigger a pass on demand.
func (r *Retransmitter) Tick() {
	for _, m := range r.managers {
		current := m.Config().Version
		m.Table().Range(func(_ config.RegionID, _ []byte, state *keystate.KeyState) bool {
			state.Retransmit(current)
			return true
		})
	}
	r.log.Debug("retransmit pass complete")
}
