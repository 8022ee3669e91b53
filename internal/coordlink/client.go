package coordlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rescrv/hyperdex/internal/config"
)

// Liaison is this daemon's view of the coordinator: fetch the current
// configuration, and report that every key-state owned under some prior
// configuration has finished draining (spec §4.6's quiescence handshake).
type Liaison interface {
	FetchConfiguration(ctx context.Context) (*config.Configuration, error)
	ReportStable(ctx context.Context, server config.ServerID, version uint64) error
}

// httpClient is the shared client used for all coordinator traffic, with a
// bounded timeout so an
// unreachable coordinator fails fast instead of hanging a daemon's startup.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// stableReport is the body ReportStable posts to the coordinator.
type stableReport struct {
	Server  uint64 `json:"server"`
	Version uint64 `json:"version"`
}

// HTTPLiaison talks to a real coordinator over JSON/HTTP, using the
// package's postJSON/getJSON helpers.
type HTTPLiaison struct {
	BaseURL string
}

// NewHTTPLiaison constructs a liaison against a coordinator reachable at
// baseURL (e.g. "http://coordinator:9000").
func NewHTTPLiaison(baseURL string) *HTTPLiaison {
	return &HTTPLiaison{BaseURL: baseURL}
}

func (h *HTTPLiaison) FetchConfiguration(ctx context.Context) (*config.Configuration, error) {
	var doc ConfigurationDoc
	if err := getJSON(ctx, h.BaseURL+"/config/current", &doc); err != nil {
		return nil, err
	}
	return doc.ToConfiguration(), nil
}

func (h *HTTPLiaison) ReportStable(ctx context.Context, server config.ServerID, version uint64) error {
	return postJSON(ctx, h.BaseURL+"/config/stable", stableReport{
		Server:  uint64(server),
		Version: version,
	}, nil)
}

func postJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordlink: http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordlink: http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Static is a fixed-configuration Liaison for tests and single-node runs: it
// never contacts a coordinator, just hands back whatever Configuration it
// was built with, and records ReportStable calls for assertions.
type Static struct {
	Cfg *config.Configuration

	Reports []StableReport
}

// StableReport is one recorded call to Static.ReportStable.
type StableReport struct {
	Server  config.ServerID
	Version uint64
}

// NewStatic constructs a Static liaison fixed at cfg.
func NewStatic(cfg *config.Configuration) *Static {
	return &Static{Cfg: cfg}
}

func (s *Static) FetchConfiguration(ctx context.Context) (*config.Configuration, error) {
	return s.Cfg, nil
}

func (s *Static) ReportStable(ctx context.Context, server config.ServerID, version uint64) error {
	s.Reports = append(s.Reports, StableReport{Server: server, Version: version})
	return nil
}
