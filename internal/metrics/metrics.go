// Package metrics holds the Prometheus collectors exported by kiln. They
// are registered on the default registry and served by `kiln serve` at
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session outcomes used as the "outcome" label of SessionsTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

var (
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_tokens_generated_total",
		Help: "Tokens sampled across all sessions and candidates",
	})

	PromptTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_prompt_tokens_total",
		Help: "Prompt tokens processed by prefill",
	})

	DecodeStep = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_decode_step_seconds",
		Help:    "Wall time of one decode step",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	Prefill = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_prefill_seconds",
		Help:    "Wall time of a prompt prefill",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_sessions_active",
		Help: "Sessions currently registered with the controller",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_sessions_total",
		Help: "Finished sessions by outcome",
	}, []string{"outcome"})

	KVCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_kv_cache_bytes",
		Help: "Bytes held by live KV caches",
	})

	KVCachesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_kv_caches_active",
		Help: "Live KV caches",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_kv_cache_evictions_total",
		Help: "KV caches released",
	})

	KVCacheForks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_kv_cache_forks_total",
		Help: "KV caches forked for parallel candidates",
	})
)

// RecordPrefill records a finished prefill over n prompt tokens.
func RecordPrefill(n int, d time.Duration) {
	PromptTokens.Add(float64(n))
	Prefill.Observe(d.Seconds())
}

// RecordDecodeStep records one sampled token and the step time.
func RecordDecodeStep(d time.Duration) {
	TokensGenerated.Inc()
	DecodeStep.Observe(d.Seconds())
}

// RecordSession counts a finished session.
func RecordSession(outcome string) {
	SessionsTotal.WithLabelValues(outcome).Inc()
}
