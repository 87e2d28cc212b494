package client

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector exports client-side session metrics.
// This is separate from server-side trade_relay_* metrics.
type metricsCollector struct {
	info            *prometheus.Desc
	sessionsTotal   *prometheus.Desc
	reconnectsTotal *prometheus.Desc
	heartbeatsTotal *prometheus.Desc
	recordsTotal    *prometheus.Desc

	// state
	mu         sync.RWMutex
	sessions   float64
	reconnects float64
	heartbeats float64
	records    map[string]float64 // envelope type -> count
}

var (
	clientMetricsOnce sync.Once
	clientMetrics     *metricsCollector
)

// NewMetricsCollector returns a singleton prometheus.Collector for client-side metrics.
func NewMetricsCollector() prometheus.Collector {
	clientMetricsOnce.Do(func() {
		clientMetrics = &metricsCollector{
			info: prometheus.NewDesc(
				"trade_relay_client_info",
				"Client process info metric (always 1)",
				[]string{"node", "pod"},
				nil,
			),
			sessionsTotal: prometheus.NewDesc(
				"trade_relay_client_sessions_total",
				"Total number of identified sessions with the broker",
				[]string{"node", "pod"},
				nil,
			),
			reconnectsTotal: prometheus.NewDesc(
				"trade_relay_client_reconnects_total",
				"Total number of reconnect attempts after a session ended",
				[]string{"node", "pod"},
				nil,
			),
			heartbeatsTotal: prometheus.NewDesc(
				"trade_relay_client_heartbeats_total",
				"Total number of heartbeats sent",
				[]string{"node", "pod"},
				nil,
			),
			recordsTotal: prometheus.NewDesc(
				"trade_relay_client_records_total",
				"Total number of relayed records received (by envelope type)",
				[]string{"type", "node", "pod"},
				nil,
			),
			records: make(map[string]float64),
		}
	})
	return clientMetrics
}

func (m *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.info
	ch <- m.sessionsTotal
	ch <- m.reconnectsTotal
	ch <- m.heartbeatsTotal
	ch <- m.recordsTotal
}

func (m *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	node := os.Getenv("NODE_NAME")
	if node == "" {
		node = "unknown"
	}
	pod := os.Getenv("POD_NAME")
	if pod == "" {
		pod = os.Getenv("HOSTNAME")
		if pod == "" {
			pod = "unknown"
		}
	}

	ch <- prometheus.MustNewConstMetric(m.info, prometheus.GaugeValue, 1, node, pod)

	m.mu.RLock()
	defer m.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(m.sessionsTotal, prometheus.CounterValue, m.sessions, node, pod)
	ch <- prometheus.MustNewConstMetric(m.reconnectsTotal, prometheus.CounterValue, m.reconnects, node, pod)
	ch <- prometheus.MustNewConstMetric(m.heartbeatsTotal, prometheus.CounterValue, m.heartbeats, node, pod)
	for typ, v := range m.records {
		ch <- prometheus.MustNewConstMetric(m.recordsTotal, prometheus.CounterValue, v, typ, node, pod)
	}
}

func recordSession() {
	if clientMetrics == nil {
		return
	}
	clientMetrics.mu.Lock()
	defer clientMetrics.mu.Unlock()
	clientMetrics.sessions++
}

func recordReconnect() {
	if clientMetrics == nil {
		return
	}
	clientMetrics.mu.Lock()
	defer clientMetrics.mu.Unlock()
	clientMetrics.reconnects++
}

func recordHeartbeat() {
	if clientMetrics == nil {
		return
	}
	clientMetrics.mu.Lock()
	defer clientMetrics.mu.Unlock()
	clientMetrics.heartbeats++
}

func recordReceived(typ string) {
	if clientMetrics == nil {
		return
	}
	clientMetrics.mu.Lock()
	defer clientMetrics.mu.Unlock()
	clientMetrics.records[typ]++
}
