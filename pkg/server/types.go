package server

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trade-relay/pkg/allowlist"
	"github.com/trade-relay/pkg/config"
	"github.com/trade-relay/pkg/metrics"
)

// Mirror receives a copy of every relayed trade event.
type Mirror interface {
	Publish(sender string, record []byte) error
}

// RelayServer relay broker
type RelayServer struct {
	cfg       *config.Config
	registry  *Registry
	allowlist atomic.Pointer[allowlist.Set]
	mirror    Mirror

	promRegistry *prometheus.Registry
	collector    *metrics.Collector

	// lifecycle; closing is set once by Shutdown
	mu          sync.Mutex
	closing     bool
	stopCh      chan struct{}
	listeners   []net.Listener
	httpServers []*http.Server
	monitorOn   bool
	wg          sync.WaitGroup

	// accept error log throttling
	acceptErrLock       sync.Mutex
	acceptErrLastLogAt  time.Time
	acceptErrSuppressed int
}
