package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trade-relay/pkg/types"
)

// Collector Prometheus metrics collector
type Collector struct {
	// Snapshot returns the live connections at collection time.
	Snapshot func() []types.Info

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Registry state (gauges, from Snapshot)
	connections     *prometheus.Desc
	primaryAccounts *prometheus.Desc

	// Lifecycle
	connectionsAccepted *prometheus.Desc
	connectionsClosed   *prometheus.Desc
	identifications     *prometheus.Desc
	heartbeatTimeouts   *prometheus.Desc

	// Traffic
	recordsReceived *prometheus.Desc
	decodeErrors    *prometheus.Desc
	tradeEvents     *prometheus.Desc
	deliveries      *prometheus.Desc
	deliveryErrors  *prometheus.Desc
	mirrorErrors    *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock          sync.RWMutex
	acceptedTotal        float64
	closedByReason       map[string]float64
	identByOutcome       map[string]float64
	timeoutsTotal        float64
	recordsByType        map[string]float64
	decodeErrorsByReason map[string]float64
	tradeEventsBySender  map[string]float64
	deliveriesBySender   map[string]float64
	deliveryErrBySender  map[string]float64
	mirrorErrorsTotal    float64
}

// NewCollector creates a new metrics collector
func NewCollector(snapshot func() []types.Info) *Collector {
	return &Collector{
		Snapshot: snapshot,
		serverInfo: prometheus.NewDesc(
			"trade_relay_server_info",
			"Broker process info metric (always 1).",
			[]string{"node", "pod"},
			nil,
		),
		connections: prometheus.NewDesc(
			"trade_relay_connections",
			"Live connections by identification state",
			[]string{"state", "node", "pod"},
			nil,
		),
		primaryAccounts: prometheus.NewDesc(
			"trade_relay_primary_accounts",
			"Receiver accounts that currently have a primary connection",
			[]string{"node", "pod"},
			nil,
		),
		connectionsAccepted: prometheus.NewDesc(
			"trade_relay_connections_accepted_total",
			"Total accepted connections",
			[]string{"node", "pod"},
			nil,
		),
		connectionsClosed: prometheus.NewDesc(
			"trade_relay_connections_closed_total",
			"Total closed connections by reason",
			[]string{"reason", "node", "pod"},
			nil,
		),
		identifications: prometheus.NewDesc(
			"trade_relay_identifications_total",
			"Identification attempts by outcome",
			[]string{"outcome", "node", "pod"},
			nil,
		),
		heartbeatTimeouts: prometheus.NewDesc(
			"trade_relay_heartbeat_timeouts_total",
			"Connections closed by the idle sweep",
			[]string{"node", "pod"},
			nil,
		),
		recordsReceived: prometheus.NewDesc(
			"trade_relay_records_received_total",
			"Decoded inbound records by envelope type",
			[]string{"type", "node", "pod"},
			nil,
		),
		decodeErrors: prometheus.NewDesc(
			"trade_relay_decode_errors_total",
			"Inbound records rejected before dispatch, by reason",
			[]string{"reason", "node", "pod"},
			nil,
		),
		tradeEvents: prometheus.NewDesc(
			"trade_relay_trade_events_total",
			"Trade events accepted for relay, by sender account",
			[]string{"sender", "node", "pod"},
			nil,
		),
		deliveries: prometheus.NewDesc(
			"trade_relay_deliveries_total",
			"Trade event records written to primary receivers, by sender account",
			[]string{"sender", "node", "pod"},
			nil,
		),
		deliveryErrors: prometheus.NewDesc(
			"trade_relay_delivery_errors_total",
			"Failed writes to receivers during relay, by sender account",
			[]string{"sender", "node", "pod"},
			nil,
		),
		mirrorErrors: prometheus.NewDesc(
			"trade_relay_mirror_errors_total",
			"Failed publishes to the trade event mirror",
			[]string{"node", "pod"},
			nil,
		),
		closedByReason:       make(map[string]float64),
		identByOutcome:       make(map[string]float64),
		recordsByType:        make(map[string]float64),
		decodeErrorsByReason: make(map[string]float64),
		tradeEventsBySender:  make(map[string]float64),
		deliveriesBySender:   make(map[string]float64),
		deliveryErrBySender:  make(map[string]float64),
	}
}

// RecordAccepted records an accepted connection.
func (c *Collector) RecordAccepted() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.acceptedTotal++
}

// RecordClosed records a closed connection by reason (low cardinality).
func (c *Collector) RecordClosed(reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.closedByReason[reason]++
}

// RecordIdentification records an identification outcome.
func (c *Collector) RecordIdentification(outcome string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.identByOutcome[outcome]++
}

// RecordHeartbeatTimeout records a connection closed by the idle sweep.
func (c *Collector) RecordHeartbeatTimeout() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.timeoutsTotal++
}

// RecordReceived records a decoded inbound record.
func (c *Collector) RecordReceived(envelopeType string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.recordsByType[envelopeType]++
}

// RecordDecodeError records a rejected inbound record.
func (c *Collector) RecordDecodeError(reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.decodeErrorsByReason[reason]++
}

// RecordRelay records one relayed trade event and its delivery results.
func (c *Collector) RecordRelay(sender string, delivered, failed int) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.tradeEventsBySender[sender]++
	c.deliveriesBySender[sender] += float64(delivered)
	if failed > 0 {
		c.deliveryErrBySender[sender] += float64(failed)
	}
}

// RecordMirrorError records a failed mirror publish.
func (c *Collector) RecordMirrorError() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.mirrorErrorsTotal++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.connections
	ch <- c.primaryAccounts
	ch <- c.connectionsAccepted
	ch <- c.connectionsClosed
	ch <- c.identifications
	ch <- c.heartbeatTimeouts
	ch <- c.recordsReceived
	ch <- c.decodeErrors
	ch <- c.tradeEvents
	ch <- c.deliveries
	ch <- c.deliveryErrors
	ch <- c.mirrorErrors
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}

	ch <- prometheus.MustNewConstMetric(c.serverInfo, prometheus.GaugeValue, 1, nodeName, podName)

	byState := make(map[types.State]int, len(types.States))
	primaries := 0
	if c.Snapshot != nil {
		for _, info := range c.Snapshot() {
			byState[info.State]++
			if info.State == types.StateReceiverPrimary {
				primaries++
			}
		}
	}
	// Every state is exported, zero included, so dashboards see stable series.
	for _, st := range types.States {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue,
			float64(byState[st]), st.String(), nodeName, podName)
	}
	ch <- prometheus.MustNewConstMetric(c.primaryAccounts, prometheus.GaugeValue,
		float64(primaries), nodeName, podName)

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.connectionsAccepted, prometheus.CounterValue,
		c.acceptedTotal, nodeName, podName)
	for reason, value := range c.closedByReason {
		ch <- prometheus.MustNewConstMetric(c.connectionsClosed, prometheus.CounterValue,
			value, reason, nodeName, podName)
	}
	for outcome, value := range c.identByOutcome {
		ch <- prometheus.MustNewConstMetric(c.identifications, prometheus.CounterValue,
			value, outcome, nodeName, podName)
	}
	ch <- prometheus.MustNewConstMetric(c.heartbeatTimeouts, prometheus.CounterValue,
		c.timeoutsTotal, nodeName, podName)
	for typ, value := range c.recordsByType {
		ch <- prometheus.MustNewConstMetric(c.recordsReceived, prometheus.CounterValue,
			value, typ, nodeName, podName)
	}
	for reason, value := range c.decodeErrorsByReason {
		ch <- prometheus.MustNewConstMetric(c.decodeErrors, prometheus.CounterValue,
			value, reason, nodeName, podName)
	}
	for sender, value := range c.tradeEventsBySender {
		ch <- prometheus.MustNewConstMetric(c.tradeEvents, prometheus.CounterValue,
			value, sender, nodeName, podName)
	}
	for sender, value := range c.deliveriesBySender {
		ch <- prometheus.MustNewConstMetric(c.deliveries, prometheus.CounterValue,
			value, sender, nodeName, podName)
	}
	for sender, value := range c.deliveryErrBySender {
		ch <- prometheus.MustNewConstMetric(c.deliveryErrors, prometheus.CounterValue,
			value, sender, nodeName, podName)
	}
	ch <- prometheus.MustNewConstMetric(c.mirrorErrors, prometheus.CounterValue,
		c.mirrorErrorsTotal, nodeName, podName)
}
