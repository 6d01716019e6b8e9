// Package metrics exposes the process's Prometheus counters and gauges.
// Metrics are package-level, registered once at process start via
// promauto, the way the teacher's own background-worker metrics are wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DiscussionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "discussiond",
		Name:      "discussions_active",
		Help:      "Number of discussions currently running.",
	})

	DiscussionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discussiond",
		Name:      "discussions_total",
		Help:      "Total discussions by terminal status.",
	}, []string{"status"})

	TurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "discussiond",
		Name:      "turns_total",
		Help:      "Total agent turns executed across all discussions.",
	})

	ConsensusEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discussiond",
		Name:      "consensus_evaluations_total",
		Help:      "Consensus evaluator invocations by recommendation.",
	}, []string{"recommendation"})

	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discussiond",
		Name:      "gateway_calls_total",
		Help:      "LLM gateway calls by outcome (ok or an errkind value).",
	}, []string{"outcome"})

	GatewayCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "discussiond",
		Name:      "gateway_call_latency_seconds",
		Help:      "LLM gateway call latency by model and outcome, standing in for per-agent performance telemetry.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model", "outcome"})

	SubscriberDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "discussiond",
		Name:      "subscriber_drops_total",
		Help:      "Event bus subscribers dropped for falling behind.",
	})
)
