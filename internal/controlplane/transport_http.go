package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// NewHTTPHandler exposes a Master over plain JSON-over-HTTP. There is no
// generated-stub RPC framework in play (wiring real gRPC needs
// protoc-generated code this exercise cannot produce); this is the
// network transport for the Service interface, standing in for it.
func NewHTTPHandler(m *Master) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/dist-info", func(w http.ResponseWriter, r *http.Request) {
		dist, _ := m.GetDistInfo(r.Context())
		writeJSON(w, dist)
	})

	mux.HandleFunc("/code", func(w http.ResponseWriter, r *http.Request) {
		code, _ := m.GetCode(r.Context())
		writeJSON(w, code)
	})

	mux.HandleFunc("/master-rank-port", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body PortInfo
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := m.SetMasterRankPort(r.Context(), body.Port); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			m.mu.Lock()
			port := m.port
			m.mu.Unlock()
			writeJSON(w, PortInfo{Port: port})
		}
	})

	mux.HandleFunc("/reconfig-state", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		version := m.version
		dist := m.dist
		m.mu.Unlock()
		writeJSON(w, reconfigState{Version: version, DistInfo: dist})
	})

	return mux
}

type reconfigState struct {
	Version  int      `json:"version"`
	DistInfo DistInfo `json:"dist_info"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("controlplane: writing HTTP response")
	}
}

// HTTPClient implements Service against a Master served by NewHTTPHandler.
// GetMasterRankPort and WatchReconfigurationNotification poll at
// PollInterval, matching the Agent/Master polling-backoff protocol of spec
// §5 rather than holding an open connection per watcher.
type HTTPClient struct {
	BaseURL      string
	PollInterval time.Duration
	HTTP         *http.Client
}

// NewHTTPClient builds a client against baseURL with the given poll
// interval (the cluster config's rendezvous.poll_interval_ms).
func NewHTTPClient(baseURL string, pollInterval time.Duration) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, PollInterval: pollInterval, HTTP: http.DefaultClient}
}

func (c *HTTPClient) GetDistInfo(ctx context.Context) (DistInfo, error) {
	var dist DistInfo
	err := c.getJSON(ctx, "/dist-info", &dist)
	return dist, err
}

func (c *HTTPClient) GetCode(ctx context.Context) (CodeInfo, error) {
	var code CodeInfo
	err := c.getJSON(ctx, "/code", &code)
	return code, err
}

func (c *HTTPClient) SetMasterRankPort(ctx context.Context, port int) error {
	return c.postJSON(ctx, "/master-rank-port", PortInfo{Port: port})
}

func (c *HTTPClient) GetMasterRankPort(ctx context.Context) (int, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		var p PortInfo
		if err := c.getJSON(ctx, "/master-rank-port", &p); err != nil {
			return 0, err
		}
		if p.Port != 0 {
			return p.Port, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WatchReconfigurationNotification polls /reconfig-state at PollInterval
// and emits a ReconfigureEvent whenever the server-side version advances.
func (c *HTTPClient) WatchReconfigurationNotification(ctx context.Context) (<-chan ReconfigureEvent, error) {
	var initial reconfigState
	if err := c.getJSON(ctx, "/reconfig-state", &initial); err != nil {
		return nil, err
	}

	ch := make(chan ReconfigureEvent, 1)
	go func() {
		defer close(ch)
		lastVersion := initial.Version
		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var state reconfigState
			if err := c.getJSON(ctx, "/reconfig-state", &state); err != nil {
				logrus.WithError(err).Warn("controlplane: polling reconfig state")
				continue
			}
			if state.Version != lastVersion {
				lastVersion = state.Version
				select {
				case ch <- ReconfigureEvent{DistInfo: state.DistInfo}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controlplane: GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controlplane: POST %s: status %d", path, resp.StatusCode)
	}
	return nil
}
