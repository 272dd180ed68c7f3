// Package web exposes a running pool over HTTP for inspection: a JSON
// stats endpoint, Prometheus metrics, and a websocket stream of stats
// snapshots. Two server flavors are provided, net/http and fasthttp.
package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge-io/taskforge/pkg/core"
	obs "github.com/taskforge-io/taskforge/pkg/observability/prometheus"
	"github.com/taskforge-io/taskforge/pkg/pool"
)

// StatsSource is the part of the pool the inspector reads.
type StatsSource interface {
	Stats() pool.Stats
}

// InspectorConfig configures the inspector server.
type InspectorConfig struct {
	// Addr to listen on, e.g. ":9090".
	Addr string

	// Metrics, when non-nil, is served on /metrics.
	Metrics *obs.Metrics

	// StreamInterval paces the websocket stats stream. Default: 1s.
	StreamInterval time.Duration

	Logger core.Logger
}

// Inspector serves pool state over net/http.
type Inspector struct {
	source   StatsSource
	addr     string
	metrics  *obs.Metrics
	interval time.Duration
	logger   core.Logger
	server   *http.Server

	// Open websocket connections. Server.Shutdown does not touch hijacked
	// connections, so Stop closes them itself.
	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// NewInspector creates an inspector for the given pool.
func NewInspector(source StatsSource, cfg InspectorConfig) (*Inspector, error) {
	if source == nil {
		return nil, fmt.Errorf("stats source cannot be nil")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr cannot be empty")
	}
	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Inspector{
		source:   source,
		addr:     cfg.Addr,
		metrics:  cfg.Metrics,
		interval: interval,
		logger:   logger,
		conns:    make(map[*websocket.Conn]struct{}),
	}, nil
}

// Handler returns the inspector's routes, for mounting into an existing
// server or an httptest one.
func (i *Inspector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", i.handleStats)
	mux.HandleFunc("/ws", i.handleWS)
	if i.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(i.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins listening. It returns once the server goroutine is launched;
// ListenAndServe errors other than a clean close are logged.
func (i *Inspector) Start() {
	i.server = &http.Server{
		Addr:              i.addr,
		Handler:           i.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := i.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			i.logger.Errorf("inspector server: %v", err)
		}
	}()
	i.logger.Infof("inspector listening on %s", i.addr)
}

// Stop shuts the server down, waiting for in-flight requests up to ctx, and
// closes every open websocket stream.
func (i *Inspector) Stop(ctx context.Context) error {
	var err error
	if i.server != nil {
		err = i.server.Shutdown(ctx)
	}
	i.connMu.Lock()
	for conn := range i.conns {
		conn.Close()
	}
	i.conns = make(map[*websocket.Conn]struct{})
	i.connMu.Unlock()
	return err
}

func (i *Inspector) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := core.JSONEncode(i.source.Stats())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
