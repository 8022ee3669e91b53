package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rescrv/hyperdex/internal/config"
	"github.com/rescrv/hyperdex/internal/coordlink"
	"github.com/rescrv/hyperdex/internal/idgen"
	"github.com/rescrv/hyperdex/internal/keystate"
	"github.com/rescrv/hyperdex/internal/replication"
	"github.com/rescrv/hyperdex/internal/retransmit"
	"github.com/rescrv/hyperdex/internal/storage"
	"github.com/rescrv/hyperdex/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon and serve every virtual server assigned to this physical server",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := newLogger(v.GetString("log-level"))

	serverID := config.ServerID(v.GetUint64("server-id"))
	if serverID == 0 {
		return errors.New("hyperdexd: --server-id is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	liaison := coordlink.NewHTTPLiaison(v.GetString("coordinator"))
	cfg, err := liaison.FetchConfiguration(ctx)
	if err != nil {
		return errors.Wrap(err, "hyperdexd: fetch initial configuration")
	}

	net := transport.NewTCP(log)
	managers, err := buildManagers(serverID, cfg, v.GetString("data-dir"), net, log)
	if err != nil {
		return err
	}
	if len(managers) == 0 {
		return errors.Errorf("hyperdexd: coordinator assigned no virtual servers to server %d", serverID)
	}

	for _, m := range managers {
		vs := cfg.GetVirtualServer(m.VirtualServer())
		m := m
		go func() {
			if err := m.Serve(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("chain listener stopped")
			}
		}()
		go func() {
			if err := m.ServeClients(ctx, clientAddr(vs.Address)); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("client listener stopped")
			}
		}()
	}

	rt := retransmit.NewRetransmitter(managers, v.GetDuration("checkpoint-interval"), log)
	go rt.Run(ctx)

	go pollConfiguration(ctx, liaison, managers, v.GetDuration("config-poll-interval"), log)

	cp := retransmit.NewCheckpointer(serverID, managers, liaison, log)
	admin := newAdminServer(v.GetString("admin-listen"), cp, managers, log)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin listener stopped")
		}
	}()

	log.WithFields(logrus.Fields{"server_id": serverID, "virtual_servers": len(managers)}).Info("hyperdexd started")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)

	log.Info("hyperdexd stopped")
	return nil
}

// buildManagers constructs one replication.Manager per virtual server the
// coordinator assigned to serverID, each with its own storage engine (a
// SQLite file under dataDir, or an in-memory engine if dataDir is empty).
func buildManagers(serverID config.ServerID, cfg *config.Configuration, dataDir string, net transport.Transport, log *logrus.Entry) ([]*replication.Manager, error) {
	var managers []*replication.Manager
	for _, vs := range cfg.AllVirtualServers() {
		if vs.Server != serverID {
			continue
		}
		engine, err := openEngine(dataDir, vs.Region)
		if err != nil {
			return nil, errors.Wrapf(err, "hyperdexd: open storage for region %d", vs.Region)
		}
		gen := idgen.NewGenerator()
		if hwm, ok := engine.HighWaterMark(vs.Region); ok {
			gen.Bump(vs.Region, hwm)
		}
		m := replication.NewManager(vs.ID, cfg, engine, gen, idgen.NewCollector(), net, log.WithField("vs", vs.ID))
		managers = append(managers, m)
	}
	return managers, nil
}

// pollConfiguration re-fetches the coordinator's configuration on interval
// and installs any update on every watched Manager. A virtual server's own
// KeyState discovers a newer configuration lazily, the next time it drives
// its committable queue (see Manager.SetConfiguration), so this loop only
// needs to keep each Manager's atomic pointer current, not push anything
// through the key-state machinery itself.
func pollConfiguration(ctx context.Context, liaison coordlink.Liaison, managers []*replication.Manager, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := liaison.FetchConfiguration(ctx)
			if err != nil {
				log.WithError(err).Warn("configuration poll failed")
				continue
			}
			for _, m := range managers {
				m.SetConfiguration(cfg)
			}
		}
	}
}

func openEngine(dataDir string, region config.RegionID) (storage.Engine, error) {
	if dataDir == "" {
		return storage.NewMemoryEngine(), nil
	}
	path := filepath.Join(dataDir, fmt.Sprintf("region-%d.db", region))
	return storage.OpenSQLiteEngine(path)
}

// clientAddr derives the client-facing REQ_ATOMIC listen address from a
// virtual server's chain address: same host, chain port plus one. Keeping
// the two listeners on predictable, related ports avoids a second
// coordinator-managed address field for a daemon-local implementation
// detail (the chain and client protocols use incompatible connection
// lifetimes, per internal/replication's client.go, so they can't share one
// port the way a protocol-switching proxy would).
func clientAddr(chainAddr string) string {
	host, port, err := net.SplitHostPort(chainAddr)
	if err != nil {
		return chainAddr
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return chainAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1))
}

func newAdminServer(addr string, cp *retransmit.Checkpointer, managers []*replication.Manager, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/keystates", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		for _, m := range managers {
			m.Table().Range(func(region config.RegionID, _ []byte, state *keystate.KeyState) bool {
				fmt.Fprintf(&b, "vs=%d region=%d %s\n", m.VirtualServer(), region, state.DebugDump())
				return true
			})
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, b.String())
	})
	mux.HandleFunc("/checkpoint", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := cp.Quiesce(ctx, 50*time.Millisecond); err != nil {
			log.WithError(err).Warn("checkpoint quiesce failed")
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "stable"})
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cp.Resume()
		w.WriteHeader(http.StatusNoContent)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return logrus.NewEntry(log)
}
