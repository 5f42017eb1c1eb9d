package acpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "acpd"
	subsystem = "acp"
)

// Label names for ACP metrics.
const (
	labelCommand = "command"
	labelRemote  = "remote_addr"
	labelModel   = "model"
)

// -------------------------------------------------------------------------
// Collector — Prometheus ACP Metrics
// -------------------------------------------------------------------------

// Collector holds all ACP daemon Prometheus metrics.
//
//   - Sessions tracks currently active connections.
//   - MessagesSent/MessagesReceived count framed exchanges, labeled by
//     command (spec section 4.3's Command enumeration).
//   - AuthFailures flags SRP proof mismatches and incorrect-password
//     replies, per spec section 4.7's failure semantics.
//   - FirmwareFlashes counts FLASH_PRIMARY requests whose image header
//     can be read, labeled by the header's firmware model; the server
//     increments it before decrypting the image, so failed flashes count
//     too. FLASH_SECONDARY/FLASH_BOOTLOADER requests are not counted.
//   - RPCCalls counts RPC exchanges, split by success/failure.
type Collector struct {
	// Sessions tracks the number of currently active ACP sessions.
	Sessions prometheus.Gauge

	// MessagesSent counts framed messages written to the wire, per command.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts framed messages read off the wire, per command.
	MessagesReceived *prometheus.CounterVec

	// AuthFailures counts SRP authentication failures per remote address.
	AuthFailures *prometheus.CounterVec

	// FirmwareFlashes counts FLASH_PRIMARY requests per declared firmware model.
	FirmwareFlashes *prometheus.CounterVec

	// RPCCalls counts RPC exchanges, labeled "ok" or "failed".
	RPCCalls *prometheus.CounterVec
}

// NewCollector creates a Collector with all ACP metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "acpd_acp_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.MessagesSent,
		c.MessagesReceived,
		c.AuthFailures,
		c.FirmwareFlashes,
		c.RPCCalls,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	commandLabels := []string{labelCommand}

	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active ACP sessions.",
		}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total ACP messages transmitted, by command.",
		}, commandLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total ACP messages received, by command.",
		}, commandLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total SRP authentication failures, by remote address.",
		}, []string{labelRemote}),

		FirmwareFlashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "firmware_flashes_total",
			Help:      "Total FLASH_PRIMARY requests with a readable image header, by model.",
		}, []string{labelModel}),

		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rpc_calls_total",
			Help:      "Total RPC exchanges, by outcome (ok/failed).",
		}, []string{"outcome"}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge. Called when a new
// ACP session is accepted.
func (c *Collector) RegisterSession() {
	c.Sessions.Inc()
}

// UnregisterSession decrements the active sessions gauge. Called when an
// ACP session closes.
func (c *Collector) UnregisterSession() {
	c.Sessions.Dec()
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessagesSent increments the transmitted message counter for command.
func (c *Collector) IncMessagesSent(command string) {
	c.MessagesSent.WithLabelValues(command).Inc()
}

// IncMessagesReceived increments the received message counter for command.
func (c *Collector) IncMessagesReceived(command string) {
	c.MessagesReceived.WithLabelValues(command).Inc()
}

// -------------------------------------------------------------------------
// Authentication
// -------------------------------------------------------------------------

// IncAuthFailures increments the authentication failure counter for the
// given remote address (spec section 4.7, "Failure semantics").
func (c *Collector) IncAuthFailures(remoteAddr string) {
	c.AuthFailures.WithLabelValues(remoteAddr).Inc()
}

// -------------------------------------------------------------------------
// Firmware
// -------------------------------------------------------------------------

// IncFirmwareFlashes increments the firmware flash counter for the given
// model (spec section 4.10, "Key derivation").
func (c *Collector) IncFirmwareFlashes(model string) {
	c.FirmwareFlashes.WithLabelValues(model).Inc()
}

// -------------------------------------------------------------------------
// RPC
// -------------------------------------------------------------------------

// IncRPCCalls increments the RPC call counter, split by outcome.
func (c *Collector) IncRPCCalls(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.RPCCalls.WithLabelValues(outcome).Inc()
}
