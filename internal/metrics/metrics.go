// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stream_messages_total", Help: "Inbound exchange stream messages"},
		[]string{"exchange"},
	)
	MalformedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stream_malformed_messages_total", Help: "Inbound messages skipped as unparseable"},
		[]string{"exchange"},
	)
	CandlesClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "candles_closed_total", Help: "Closed candles appended to rolling buffers"},
		[]string{"exchange", "symbol", "timeframe"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signal dispatch outcomes"},
		[]string{"signal_type", "outcome"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_total", Help: "Notifier delivery attempts"},
		[]string{"result"},
	)
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stream_reconnects_total", Help: "Upstream reconnect attempts"},
		[]string{"exchange"},
	)
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "position_reconciliations_total", Help: "External position check outcomes"},
		[]string{"result"},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "monitor_sessions_active", Help: "Open downstream monitoring sessions"},
	)
)

// Dispatch outcomes used as the "outcome" label of SignalsTotal.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeBuffered  = "buffered"
	OutcomeFailed    = "failed"
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		MalformedMessagesTotal,
		CandlesClosedTotal,
		SignalsTotal,
		NotificationsTotal,
		ReconnectsTotal,
		ReconciliationsTotal,
		ActiveSessions,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
