// Package metrics defines the relay's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transaction outcomes
const (
	OutcomeRelayed      = "relayed"
	OutcomeBlocked      = "blocked"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
)

// Relay holds the relay collectors
type Relay struct {
	Transactions     *prometheus.CounterVec
	MappingsCreated  prometheus.Counter
	DKIMFailures     prometheus.Counter
	OutboundDuration *prometheus.HistogramVec
	NoticesSent      *prometheus.CounterVec
}

// NewRelay registers the relay collectors on reg
func NewRelay(reg prometheus.Registerer) *Relay {
	factory := promauto.With(reg)
	return &Relay{
		Transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_transactions_total",
				Help: "Relay transactions by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		MappingsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_mappings_created_total",
				Help: "Forward mappings created",
			},
		),
		DKIMFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_dkim_failures_total",
				Help: "Messages relayed without a DKIM signature because signing failed",
			},
		),
		OutboundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_outbound_duration_seconds",
				Help:    "Time spent handing messages to the outbound transport",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		NoticesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_notices_total",
				Help: "Courtesy notices by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveTransaction counts one transaction
func (m *Relay) ObserveTransaction(phase, outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(phase, outcome).Inc()
}

// ObserveOutbound records how long an outbound hand-off took
func (m *Relay) ObserveOutbound(phase string, started time.Time) {
	if m == nil {
		return
	}
	m.OutboundDuration.WithLabelValues(phase).Observe(time.Since(started).Seconds())
}

// MappingCreated counts a newly created forward mapping
func (m *Relay) MappingCreated() {
	if m == nil {
		return
	}
	m.MappingsCreated.Inc()
}

// DKIMFailed counts a message relayed unsigned
func (m *Relay) DKIMFailed() {
	if m == nil {
		return
	}
	m.DKIMFailures.Inc()
}

// Notice counts a courtesy notice attempt
func (m *Relay) Notice(err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.NoticesSent.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
