package maestro

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by all components.
// A nil *Metrics is valid everywhere: every recording method is a no-op,
// so components never need to guard their instrumentation sites.
type Metrics struct {
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	TasksDeferred *prometheus.CounterVec
	WebBlocks     prometheus.Counter

	RateLimited *prometheus.CounterVec
	Failovers   *prometheus.CounterVec
	LLMRequests *prometheus.CounterVec

	StageDuration *prometheus.HistogramVec
	ActiveWorkers prometheus.Gauge
	FamilyActive  *prometheus.GaugeVec
}

// NewMetrics creates all collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry, or a
// fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_cache_hits_total",
			Help: "Cache hits by cache name",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_cache_misses_total",
			Help: "Cache misses by cache name",
		}, []string{"cache"}),
		TasksDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tasks_deferred_to_human_total",
			Help: "Tasks resolved by board escalation, by last error kind",
		}, []string{"error_type"}),
		WebBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_tasks_web_block_total",
			Help: "Goals declined by the web-access policy",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_rate_limited_total",
			Help: "429 responses per backend family",
		}, []string{"family"}),
		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_failovers_total",
			Help: "Cross-family retries by origin family and reason",
		}, []string{"family", "reason"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_llm_requests_total",
			Help: "Backend calls by family, model, and outcome",
		}, []string{"family", "model", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_stage_duration_seconds",
			Help:    "Per-stage latency (embed, prepare, llm_plan, generate)",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_active_workers",
			Help: "Executor workers currently running a task",
		}),
		FamilyActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_family_active_requests",
			Help: "In-flight backend requests per family",
		}, []string{"family"}),
	}
	reg.MustRegister(
		m.CacheHits, m.CacheMisses,
		m.TasksDeferred, m.WebBlocks,
		m.RateLimited, m.Failovers, m.LLMRequests,
		m.StageDuration, m.ActiveWorkers, m.FamilyActive,
	)
	return m
}

// CacheHit records a hit for the named cache. Safe on nil.
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

// CacheMiss records a miss for the named cache. Safe on nil.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

// TaskDeferred records a board escalation by error kind. Safe on nil.
func (m *Metrics) TaskDeferred(errType FailKind) {
	if m == nil {
		return
	}
	m.TasksDeferred.WithLabelValues(string(errType)).Inc()
}

// WebBlock records a declined web-access goal. Safe on nil.
func (m *Metrics) WebBlock() {
	if m == nil {
		return
	}
	m.WebBlocks.Inc()
}

// RateLimitHit records a 429 from a family. Safe on nil.
func (m *Metrics) RateLimitHit(f Family) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(string(f)).Inc()
}

// Failover records a cross-family retry. Safe on nil.
func (m *Metrics) Failover(from Family, reason string) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(string(from), reason).Inc()
}

// LLMRequest records one backend call outcome. Safe on nil.
func (m *Metrics) LLMRequest(f Family, model, status string) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(string(f), model, status).Inc()
}

// ObserveStage records a stage latency in seconds. Safe on nil.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// SetActiveWorkers publishes the current worker count. Safe on nil.
func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Set(float64(n))
}

// SetFamilyActive publishes a family's in-flight request count. Safe on nil.
func (m *Metrics) SetFamilyActive(f Family, n int) {
	if m == nil {
		return
	}
	m.FamilyActive.WithLabelValues(string(f)).Set(float64(n))
}
