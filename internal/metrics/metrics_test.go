package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}
	if m.ProxyRequestsTotal == nil || m.ProxyLatency == nil || m.BillingAmountTotal == nil {
		t.Fatal("expected core collectors to be initialized")
	}
}

func TestObserveProxyCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveProxyCall("weather-api", 200, 120*time.Millisecond)

	count := promtest.ToFloat64(m.ProxyRequestsTotal.WithLabelValues("weather-api", "2xx"))
	if count != 1 {
		t.Errorf("expected 1 proxy request, got %.0f", count)
	}
}

func TestObserveProxyError(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveProxyError("weather-api", "GATEWAY_TIMEOUT")

	count := promtest.ToFloat64(m.ProxyErrorsTotal.WithLabelValues("weather-api", "GATEWAY_TIMEOUT"))
	if count != 1 {
		t.Errorf("expected 1 proxy error, got %.0f", count)
	}
}

func TestObserveBilling(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveBilling("INDIVIDUAL", "CONFIRMED", 1_000_000, 120_000, 880_000)

	count := promtest.ToFloat64(m.BillingTransactionsTotal.WithLabelValues("INDIVIDUAL", "CONFIRMED"))
	if count != 1 {
		t.Errorf("expected 1 billing transaction, got %.0f", count)
	}
	price := promtest.ToFloat64(m.BillingAmountTotal.WithLabelValues("price"))
	if price != 1_000_000 {
		t.Errorf("expected price total 1000000, got %.0f", price)
	}
	fee := promtest.ToFloat64(m.BillingAmountTotal.WithLabelValues("platform_fee"))
	if fee != 120_000 {
		t.Errorf("expected platform fee total 120000, got %.0f", fee)
	}
}

func TestObserveBundleFinalize(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveBundleFinalize("finalized", 50*time.Millisecond, 3)

	count := promtest.ToFloat64(m.BundleFinalizationsTotal.WithLabelValues("finalized"))
	if count != 1 {
		t.Errorf("expected 1 bundle finalization, got %.0f", count)
	}
	steps := promtest.ToFloat64(m.BundleStepsSettledTotal)
	if steps != 3 {
		t.Errorf("expected 3 settled steps, got %.0f", steps)
	}
}

func TestSetReliabilityQualityScore(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReliabilityRecord("weather-api")
	m.SetReliabilityQualityScore("weather-api", 92)

	records := promtest.ToFloat64(m.ReliabilityRecordsTotal.WithLabelValues("weather-api"))
	if records != 1 {
		t.Errorf("expected 1 reliability record, got %.0f", records)
	}
	score := promtest.ToFloat64(m.ReliabilityQualityScore.WithLabelValues("weather-api"))
	if score != 92 {
		t.Errorf("expected quality score 92, got %.0f", score)
	}
}

func TestObservePaymentChallengeAndFacilitatorCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePaymentChallenge("issued")
	m.ObserveFacilitatorCall("verify", "success", 200*time.Millisecond)

	challenges := promtest.ToFloat64(m.PaymentChallengesTotal.WithLabelValues("issued"))
	if challenges != 1 {
		t.Errorf("expected 1 payment challenge, got %.0f", challenges)
	}
	calls := promtest.ToFloat64(m.FacilitatorCallTotal.WithLabelValues("verify", "success"))
	if calls != 1 {
		t.Errorf("expected 1 facilitator call, got %.0f", calls)
	}
}

func TestObserveRateLimitHit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimitHit("key_123")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("key_123"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.SetCircuitBreakerState("facilitator", 1)

	state := promtest.ToFloat64(m.CircuitBreakerState.WithLabelValues("facilitator"))
	if state != 1 {
		t.Errorf("expected circuit breaker state 1, got %.0f", state)
	}
}

func TestObserveDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDBQuery("lookup_listing", "postgres", 5*time.Millisecond)

	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}
