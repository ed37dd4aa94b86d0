// Package metrics defines the Prometheus collectors exposed by a core
// instance: routing decisions, gossip delivery, sync rounds, and
// compaction activity. Every counter and histogram lives on an
// isolated prometheus.Registry rather than the global default one, so
// multiple cores (and tests) in the same process never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this core instance exposes.
type Metrics struct {
	Registry *prometheus.Registry

	// Routing (internal/routing)
	RoutingDecisionsTotal     *prometheus.CounterVec
	PacketsDroppedTotal       *prometheus.CounterVec
	ConfirmationsExpiredTotal prometheus.Counter
	PendingRetriesTotal       prometheus.Counter

	// Gossip (internal/gossip)
	GossipPublishedTotal        *prometheus.CounterVec
	GossipDeliveredTotal        *prometheus.CounterVec
	GossipVerifyFailedTotal     *prometheus.CounterVec
	GossipSubscriberLaggedTotal *prometheus.CounterVec

	// Messaging (internal/messaging, internal/ninterface)
	MessagesDeliveredTotal *prometheus.CounterVec
	MessagesSentTotal      *prometheus.CounterVec

	// Sync (internal/syncproto)
	SyncRoundsTotal        *prometheus.CounterVec
	SyncRoundDurationSecs  *prometheus.HistogramVec
	SyncLogEntriesAppended prometheus.Counter

	// Log/compaction (internal/eventlog)
	CompactionsTotal   prometheus.Counter
	CompactionDuration prometheus.Histogram
	LogEntriesRetained prometheus.Gauge

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New builds a Metrics instance with every collector registered on a
// fresh registry. version and goVersion are recorded as labels on the
// build-info gauge, matching the pattern of tagging a running instance
// without scraping any log line for it.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RoutingDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_routing_decisions_total",
				Help: "Total routing decisions by kind (direct, hold, relay, drop).",
			},
			[]string{"kind"},
		),
		PacketsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_packets_dropped_total",
				Help: "Total packets dropped by reason.",
			},
			[]string{"reason"},
		),
		ConfirmationsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indras_confirmations_expired_total",
				Help: "Delivery confirmations older than the pending grace window, dropped silently.",
			},
		),
		PendingRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indras_pending_retries_total",
				Help: "Total retry attempts issued by the pending-packet store.",
			},
		),

		GossipPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_gossip_published_total",
				Help: "Total events published to a gossip topic.",
			},
			[]string{"interface"},
		),
		GossipDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_gossip_delivered_total",
				Help: "Total events delivered from a gossip topic subscription.",
			},
			[]string{"interface"},
		),
		GossipVerifyFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_gossip_verify_failed_total",
				Help: "Total gossip messages dropped for failing signature verification.",
			},
			[]string{"interface"},
		),
		GossipSubscriberLaggedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_gossip_subscriber_lagged_total",
				Help: "Total deliveries dropped because a subscriber's channel was full.",
			},
			[]string{"interface"},
		),

		MessagesDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_messages_delivered_total",
				Help: "Total decrypted messages handed to a local subscriber.",
			},
			[]string{"interface"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_messages_sent_total",
				Help: "Total messages appended locally and offered to the router.",
			},
			[]string{"interface"},
		),

		SyncRoundsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indras_sync_rounds_total",
				Help: "Total sync rounds by outcome (changed, unchanged, error).",
			},
			[]string{"outcome"},
		),
		SyncRoundDurationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indras_sync_round_duration_seconds",
				Help:    "Duration of a single request/response sync round.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"outcome"},
		),
		SyncLogEntriesAppended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indras_sync_log_entries_appended_total",
				Help: "Total log entries appended as a result of applying a sync response.",
			},
		),

		CompactionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indras_compactions_total",
				Help: "Total event log compactions performed.",
			},
		),
		CompactionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indras_compaction_duration_seconds",
				Help:    "Duration of an event log compaction pass.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		LogEntriesRetained: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indras_log_entries_retained",
				Help: "Number of log entries retained in the active segment after the last compaction.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indras_info",
				Help: "Build information for the running core instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.RoutingDecisionsTotal,
		m.PacketsDroppedTotal,
		m.ConfirmationsExpiredTotal,
		m.PendingRetriesTotal,
		m.GossipPublishedTotal,
		m.GossipDeliveredTotal,
		m.GossipVerifyFailedTotal,
		m.GossipSubscriberLaggedTotal,
		m.MessagesDeliveredTotal,
		m.MessagesSentTotal,
		m.SyncRoundsTotal,
		m.SyncRoundDurationSecs,
		m.SyncLogEntriesAppended,
		m.CompactionsTotal,
		m.CompactionDuration,
		m.LogEntriesRetained,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler serves the registry's metrics in the Prometheus text
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
