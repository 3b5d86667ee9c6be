// Package metrics exposes the gateway's Prometheus instrumentation,
// adapted from the teacher's internal/metrics/metrics.go (same
// promauto-factory, CounterVec/HistogramVec/Gauge shape) but covering
// this gateway's own request-path and settlement concerns rather than
// the teacher's payment/cart/refund surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway registers.
type Metrics struct {
	// Request-path metrics
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyLatency       *prometheus.HistogramVec
	ProxyErrorsTotal   *prometheus.CounterVec

	// Billing metrics
	BillingTransactionsTotal *prometheus.CounterVec
	BillingAmountTotal       *prometheus.CounterVec

	// Bundle settlement metrics
	BundleFinalizationsTotal *prometheus.CounterVec
	BundleFinalizeDuration   prometheus.Histogram
	BundleStepsSettledTotal  prometheus.Counter

	// Reliability metrics
	ReliabilityQualityScore *prometheus.GaugeVec
	ReliabilityRecordsTotal *prometheus.CounterVec

	// Payment-challenge (x402) metrics
	PaymentChallengesTotal *prometheus.CounterVec
	FacilitatorCallTotal   *prometheus.CounterVec
	FacilitatorCallLatency *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Persistence metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers every Prometheus metric on registry. A nil
// registry registers against prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ProxyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_proxy_requests_total",
				Help: "Total number of proxied calls, by listing slug and upstream status class",
			},
			[]string{"listing_slug", "status_class"},
		),
		ProxyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexusx_proxy_latency_seconds",
				Help:    "Upstream round-trip latency per listing",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"listing_slug"},
		),
		ProxyErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_proxy_errors_total",
				Help: "Total proxy failures by error code",
			},
			[]string{"listing_slug", "code"},
		),

		BillingTransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_billing_transactions_total",
				Help: "Total billed transactions by billing mode and status",
			},
			[]string{"billing_mode", "status"},
		),
		BillingAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_billing_amount_micros_total",
				Help: "Total billed micro-units by split component (price, platform_fee, provider_amount)",
			},
			[]string{"component"},
		),

		BundleFinalizationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_bundle_finalizations_total",
				Help: "Total bundle-session finalize outcomes",
			},
			[]string{"outcome"},
		),
		BundleFinalizeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexusx_bundle_finalize_duration_seconds",
				Help:    "Time taken by the bundle finalize transaction",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		BundleStepsSettledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nexusx_bundle_steps_settled_total",
				Help: "Total bundle steps allocated a settlement on finalize",
			},
		),

		ReliabilityQualityScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexusx_reliability_quality_score",
				Help: "Most recently computed quality-score per listing slug",
			},
			[]string{"listing_slug"},
		),
		ReliabilityRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_reliability_records_total",
				Help: "Total reliability records appended, by listing slug",
			},
			[]string{"listing_slug"},
		),

		PaymentChallengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_payment_challenges_total",
				Help: "Total x402 payment challenges issued or resolved, by outcome",
			},
			[]string{"outcome"},
		),
		FacilitatorCallTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_facilitator_calls_total",
				Help: "Total facilitator HTTP calls, by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		FacilitatorCallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexusx_facilitator_call_latency_seconds",
				Help:    "Facilitator /verify and /settle call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"operation"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusx_rate_limit_hits_total",
				Help: "Total rate-limit rejections, by API key",
			},
			[]string{"api_key_id"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexusx_circuit_breaker_state",
				Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexusx_store_query_duration_seconds",
				Help:    "Persistence collaborator call duration",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveProxyCall records a completed proxy round-trip.
func (m *Metrics) ObserveProxyCall(listingSlug string, statusCode int, latency time.Duration) {
	m.ProxyRequestsTotal.WithLabelValues(listingSlug, statusClass(statusCode)).Inc()
	m.ProxyLatency.WithLabelValues(listingSlug).Observe(latency.Seconds())
}

// ObserveProxyError records a proxy-stage failure tagged by its error code.
func (m *Metrics) ObserveProxyError(listingSlug, code string) {
	m.ProxyErrorsTotal.WithLabelValues(listingSlug, code).Inc()
}

// ObserveBilling records a settled transaction's split amounts.
func (m *Metrics) ObserveBilling(billingMode, status string, priceMicros, feeMicros, providerMicros int64) {
	m.BillingTransactionsTotal.WithLabelValues(billingMode, status).Inc()
	m.BillingAmountTotal.WithLabelValues("price").Add(float64(priceMicros))
	m.BillingAmountTotal.WithLabelValues("platform_fee").Add(float64(feeMicros))
	m.BillingAmountTotal.WithLabelValues("provider_amount").Add(float64(providerMicros))
}

// ObserveBundleFinalize records a bundle finalize attempt's outcome,
// duration, and settled step count.
func (m *Metrics) ObserveBundleFinalize(outcome string, duration time.Duration, stepsSettled int) {
	m.BundleFinalizationsTotal.WithLabelValues(outcome).Inc()
	m.BundleFinalizeDuration.Observe(duration.Seconds())
	m.BundleStepsSettledTotal.Add(float64(stepsSettled))
}

// ObserveReliabilityRecord records a call outcome appended to a slug's log.
func (m *Metrics) ObserveReliabilityRecord(listingSlug string) {
	m.ReliabilityRecordsTotal.WithLabelValues(listingSlug).Inc()
}

// SetReliabilityQualityScore publishes the most recently computed quality-score.
func (m *Metrics) SetReliabilityQualityScore(listingSlug string, score int) {
	m.ReliabilityQualityScore.WithLabelValues(listingSlug).Set(float64(score))
}

// ObservePaymentChallenge records a 402-challenge lifecycle outcome
// ("issued", "verified", "invalid", "settled", "settlement_skipped").
func (m *Metrics) ObservePaymentChallenge(outcome string) {
	m.PaymentChallengesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFacilitatorCall records a facilitator HTTP call.
func (m *Metrics) ObserveFacilitatorCall(operation, outcome string, duration time.Duration) {
	m.FacilitatorCallTotal.WithLabelValues(operation, outcome).Inc()
	m.FacilitatorCallLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRateLimitHit records a rate-limit rejection for an API key.
func (m *Metrics) ObserveRateLimitHit(apiKeyID string) {
	m.RateLimitHitsTotal.WithLabelValues(apiKeyID).Inc()
}

// SetCircuitBreakerState publishes a breaker's numeric state (0/1/2).
func (m *Metrics) SetCircuitBreakerState(service string, state float64) {
	m.CircuitBreakerState.WithLabelValues(service).Set(state)
}

// ObserveDBQuery records a persistence collaborator call duration.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func statusClass(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "5xx"
	case statusCode >= 400:
		return "4xx"
	case statusCode >= 300:
		return "3xx"
	case statusCode >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
