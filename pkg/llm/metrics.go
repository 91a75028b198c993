package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeromind",
		Subsystem: "gateway",
		Name:      "attempts_total",
		Help:      "LLM attempts by tier and outcome.",
	}, []string{"tier", "outcome"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aeromind",
		Subsystem: "gateway",
		Name:      "attempt_duration_seconds",
		Help:      "LLM attempt latency by tier.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"tier"})

	inflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aeromind",
		Subsystem: "gateway",
		Name:      "inflight",
		Help:      "In-flight LLM calls by tier.",
	}, []string{"tier"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeromind",
		Subsystem: "gateway",
		Name:      "tokens_total",
		Help:      "Tokens consumed by tier and direction.",
	}, []string{"tier", "direction"})

	overloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeromind",
		Subsystem: "gateway",
		Name:      "overload_total",
		Help:      "Admissions rejected for lack of a tier slot.",
	}, []string{"tier"})
)
