// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsTotal counts ingested signals by source.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_signals_total",
		Help: "Signals received, by source.",
	}, []string{"source"})

	// SignalOutcomes counts terminal signal states.
	SignalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_signal_outcomes_total",
		Help: "Terminal signal outcomes (executed, failed, rejected, cancelled).",
	}, []string{"status"})

	// BrokerCalls counts adapter operations by broker and outcome.
	BrokerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_calls_total",
		Help: "Broker adapter calls, by broker, operation and outcome.",
	}, []string{"broker", "op", "outcome"})

	// BrokerCallDuration observes adapter call latency.
	BrokerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_broker_call_seconds",
		Help:    "Broker adapter call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"broker", "op"})

	// RetriesTotal counts retry attempts beyond the first.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_retries_total",
		Help: "Retry attempts made after a retryable broker failure.",
	}, []string{"broker"})
)
