package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trade-relay/pkg/allowlist"
	"github.com/trade-relay/pkg/config"
	"github.com/trade-relay/pkg/logging"
	"github.com/trade-relay/pkg/metrics"
	"github.com/trade-relay/pkg/types"
)

// ErrServerClosed is returned by the Serve methods after Shutdown.
var ErrServerClosed = errors.New("relay server closed")

// NewRelayServer creates a new relay server. mirror may be nil.
func NewRelayServer(cfg *config.Config, allowed *allowlist.Set, mirror Mirror) (*RelayServer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if allowed == nil {
		allowed = allowlist.New()
	}

	promRegistry := prometheus.NewRegistry()

	server := &RelayServer{
		cfg:          cfg,
		registry:     NewRegistry(),
		mirror:       mirror,
		promRegistry: promRegistry,
		stopCh:       make(chan struct{}),
	}
	server.allowlist.Store(allowed)

	server.collector = metrics.NewCollector(server.registry.Snapshot)
	promRegistry.MustRegister(server.collector)

	return server, nil
}

// Registry returns the connection registry.
func (s *RelayServer) Registry() *Registry { return s.registry }

// Collector returns the metrics collector.
func (s *RelayServer) Collector() *metrics.Collector { return s.collector }

// SetAllowlist replaces the receiver allowlist. Connections already
// identified keep their state; the new set applies to later identifications.
func (s *RelayServer) SetAllowlist(allowed *allowlist.Set) {
	if allowed == nil {
		allowed = allowlist.New()
	}
	s.allowlist.Store(allowed)
	logging.Logf("[allowlist] loaded accounts=%d", allowed.Len())
}

// Shutdown stops accepting, closes every live connection and waits for
// their handlers to finish cleanup, or for ctx to end.
func (s *RelayServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.stopCh)
		for _, l := range s.listeners {
			_ = l.Close()
		}
		for _, hs := range s.httpServers {
			_ = hs.Close()
		}
	}
	s.mu.Unlock()

	conns := s.registry.Connections()
	logging.Logf("[shutdown] closing connections=%d", len(conns))
	for _, c := range conns {
		_ = c.CloseAs(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Logf("[shutdown] complete")
		return nil
	case <-ctx.Done():
		logging.Warnf("[shutdown] timed out remaining=%d", s.registry.Len())
		return ctx.Err()
	}
}

func (s *RelayServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// track registers a listener or HTTP server for Shutdown. It fails once
// shutdown has begun.
func (s *RelayServer) track(l net.Listener, hs *http.Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
	if hs != nil {
		s.httpServers = append(s.httpServers, hs)
	}
	return true
}

// beginConn accounts for a new connection handler. It fails once shutdown
// has begun, so Shutdown never waits on a handler it did not see.
func (s *RelayServer) beginConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// metricsHandler serves the telemetry, health and debug endpoints.
func (s *RelayServer) metricsHandler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.isClosing() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(connectionsView(s.registry.Snapshot()))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>Trade Relay Exporter</title></head>
<body>
<h1>Trade Relay Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/connections">Connections</a></p>
</body>
</html>`))
	})
	return mux
}

// StartMetricsServer starts the metrics server
func (s *RelayServer) StartMetricsServer(metricsAddr, metricsPath string) error {
	hs := &http.Server{
		Addr:              metricsAddr,
		Handler:           s.metricsHandler(metricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !s.track(nil, hs) {
		return ErrServerClosed
	}
	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ErrServerClosed
}

type connectionView struct {
	ID           string    `json:"id"`
	Session      string    `json:"session"`
	State        string    `json:"state"`
	Role         string    `json:"role"`
	AccountID    string    `json:"accountId,omitempty"`
	ListenTo     string    `json:"listenTo,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func connectionsView(infos []types.Info) []connectionView {
	out := make([]connectionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, connectionView{
			ID:           info.ID,
			Session:      info.Session,
			State:        info.State.String(),
			Role:         info.State.Role().String(),
			AccountID:    info.AccountID,
			ListenTo:     info.ListenTo,
			ConnectedAt:  info.ConnectedAt,
			LastActivity: info.LastActivity,
		})
	}
	return out
}
