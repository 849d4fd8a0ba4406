package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoposter"

// Metrics holds the pipeline's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	ticksTotal         *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	claimsTotal        *prometheus.CounterVec
	missedTotal        prometheus.Counter
	recoveredTotal     *prometheus.CounterVec
	attemptsTotal      *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	retryDelay         prometheus.Histogram
	inFlight           prometheus.Gauge
	queued             prometheus.Gauge
	refinementDegraded prometheus.Counter
	alertsActive       *prometheus.GaugeVec
	breakerState       prometheus.Gauge
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks by result",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_claims_total",
			Help:      "Ledger claim attempts by outcome (claimed, conflict, error)",
		}, []string{"source", "outcome"}),
		missedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_missed_slots_total",
			Help:      "Slots recorded abandoned because they fell outside the look-back window",
		}),
		recoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_recovered_jobs_total",
			Help:      "Interrupted running jobs resolved at startup",
		}, []string{"state"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Publish attempts by category and resulting state",
		}, []string{"category", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_attempt_duration_seconds",
			Help:      "Duration of one publish attempt",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"category"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_retry_delay_seconds",
			Help:      "Backoff delay scheduled before a retry",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_jobs_in_flight",
			Help:      "Jobs currently executing",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_jobs_queued",
			Help:      "Jobs waiting behind another job of the same account or for a free slot",
		}),
		refinementDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_refinement_degraded_total",
			Help:      "Prompt refinements that fell back to the original prompt",
		}),
		alertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      "Alerts found by the last scan",
		}, []string{"kind"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instagram_breaker_state",
			Help:      "Instagram circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	reg.MustRegister(
		m.ticksTotal, m.tickDuration, m.claimsTotal, m.missedTotal, m.recoveredTotal,
		m.attemptsTotal, m.jobDuration, m.retryDelay, m.inFlight, m.queued,
		m.refinementDegraded, m.alertsActive, m.breakerState,
		m.httpRequestsTotal, m.httpDuration,
	)
	return m
}

// ObserveTick records one scheduler tick
func (m *Metrics) ObserveTick(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ticksTotal.WithLabelValues(result).Inc()
	m.tickDuration.Observe(d.Seconds())
}

// Claim outcomes
const (
	ClaimClaimed  = "claimed"
	ClaimConflict = "conflict"
	ClaimError    = "error"
)

// Claim sources
const (
	SourceScheduler = "scheduler"
	SourceRetry     = "retry"
)

// ObserveClaim records a ledger claim outcome
func (m *Metrics) ObserveClaim(source, outcome string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveMissed records slots abandoned for falling outside the look-back window
func (m *Metrics) ObserveMissed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.missedTotal.Add(float64(n))
}

// ObserveRecovered records interrupted jobs resolved at startup
func (m *Metrics) ObserveRecovered(failed, abandoned int) {
	if m == nil {
		return
	}
	m.recoveredTotal.WithLabelValues("failed").Add(float64(failed))
	m.recoveredTotal.WithLabelValues("abandoned").Add(float64(abandoned))
}

// ObserveAttempt records the state a job reached after one attempt
func (m *Metrics) ObserveAttempt(category, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(category, state).Inc()
	m.jobDuration.WithLabelValues(category).Observe(d.Seconds())
}

// ObserveRetryDelay records a scheduled backoff delay
func (m *Metrics) ObserveRetryDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(d.Seconds())
}

// SetWorkerLoad reports how many jobs are running and waiting
func (m *Metrics) SetWorkerLoad(running, queued int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(running))
	m.queued.Set(float64(queued))
}

// RefinementDegraded records a refinement fallback
func (m *Metrics) RefinementDegraded() {
	if m == nil {
		return
	}
	m.refinementDegraded.Inc()
}

// SetAlerts reports the alert counts of the last scan, keyed by kind
func (m *Metrics) SetAlerts(counts map[string]int) {
	if m == nil {
		return
	}
	m.alertsActive.Reset()
	for kind, n := range counts {
		m.alertsActive.WithLabelValues(kind).Set(float64(n))
	}
}

// SetBreakerState reports the Instagram circuit breaker state
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// Middleware returns gin middleware that collects HTTP metrics
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus exposition handler for the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
