package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexusx/gateway/internal/circuitbreaker"
	"github.com/nexusx/gateway/internal/config"
	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/reqctx"
	"github.com/nexusx/gateway/internal/store"
	"github.com/nexusx/gateway/pkg/x402"
)

type resolverStub struct {
	listings map[string]store.Listing
}

func (r *resolverStub) ResolveBySlug(ctx context.Context, slug string) (store.Listing, error) {
	l, ok := r.listings[slug]
	if !ok {
		return store.Listing{}, store.ErrNotFound
	}
	return l, nil
}

func newReq(method, target, paymentHeader string) *http.Request {
	u, _ := url.Parse(target)
	r := &http.Request{Method: method, URL: u, Host: "gateway.test", Header: http.Header{}}
	if paymentHeader != "" {
		r.Header.Set("X-Payment", paymentHeader)
	}
	return r
}

func noBreaker() *circuitbreaker.Manager {
	return circuitbreaker.NewManagerFromConfig(config.CircuitBreakerConfig{Enabled: false}, zerolog.Nop())
}

func encodedPayment(t *testing.T) string {
	t.Helper()
	payload := map[string]interface{}{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "base-sepolia",
		"payload":     map[string]interface{}{"signature": "sig123"},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestChallengeOrAdmit_AbsentPaymentHeaderEmits402(t *testing.T) {
	resolver := &resolverStub{listings: map[string]store.Listing{
		"weather-api": {ID: "lst_1", Slug: "weather-api", Status: store.ListingActive, CurrentPrice: money.MustFromMajor("0.05")},
	}}
	c := New(resolver, noBreaker(), nil, "http://facilitator.test", Config{Network: "base-sepolia", PlatformAddress: "0xplatform", AssetAddress: "0xusdc"}, zerolog.Nop())

	result := c.ChallengeOrAdmit(context.Background(), newReq(http.MethodGet, "/v1/weather-api/forecast", ""), "weather-api")

	if result.Decision != DecisionChallenge {
		t.Fatalf("expected DecisionChallenge, got %v", result.Decision)
	}
	if result.Requirement.MaxAmountRequired != "50000" {
		t.Errorf("expected maxAmountRequired 50000 micros, got %s", result.Requirement.MaxAmountRequired)
	}
	if result.Requirement.PayTo != "0xplatform" {
		t.Errorf("expected payTo platform address, got %s", result.Requirement.PayTo)
	}
}

func TestChallengeOrAdmit_UnknownListingRejected(t *testing.T) {
	resolver := &resolverStub{listings: map[string]store.Listing{}}
	c := New(resolver, noBreaker(), nil, "http://facilitator.test", Config{}, zerolog.Nop())

	result := c.ChallengeOrAdmit(context.Background(), newReq(http.MethodGet, "/v1/missing/do", ""), "missing")

	if result.Decision != DecisionReject {
		t.Fatalf("expected DecisionReject, got %v", result.Decision)
	}
	apiErr, ok := apierrors.As(result.Err)
	if !ok || apiErr.Code != apierrors.CodeListingNotFound {
		t.Fatalf("expected LISTING_NOT_FOUND, got %+v", result.Err)
	}
}

func TestChallengeOrAdmit_InactiveListingRejected(t *testing.T) {
	resolver := &resolverStub{listings: map[string]store.Listing{
		"paused-api": {ID: "lst_2", Slug: "paused-api", Status: store.ListingPaused},
	}}
	c := New(resolver, noBreaker(), nil, "http://facilitator.test", Config{}, zerolog.Nop())

	result := c.ChallengeOrAdmit(context.Background(), newReq(http.MethodGet, "/v1/paused-api/do", ""), "paused-api")

	if result.Decision != DecisionReject {
		t.Fatalf("expected DecisionReject, got %v", result.Decision)
	}
	apiErr, ok := apierrors.As(result.Err)
	if !ok || apiErr.Code != apierrors.CodeListingUnavailable {
		t.Fatalf("expected LISTING_UNAVAILABLE, got %+v", result.Err)
	}
}

func TestChallengeOrAdmit_VerifiedPaymentAdmitsWithDeferred(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"isValid": true, "payer": "0xbuyer"})
	}))
	defer facilitator.Close()

	resolver := &resolverStub{listings: map[string]store.Listing{
		"weather-api": {ID: "lst_1", Slug: "weather-api", Status: store.ListingActive, CurrentPrice: money.MustFromMajor("0.05")},
	}}
	c := New(resolver, noBreaker(), nil, facilitator.URL, Config{Network: "base-sepolia", VerifyTimeout: time.Second}, zerolog.Nop())

	result := c.ChallengeOrAdmit(context.Background(), newReq(http.MethodGet, "/v1/weather-api/forecast", encodedPayment(t)), "weather-api")

	if result.Decision != DecisionAdmit {
		t.Fatalf("expected DecisionAdmit, got %v (err=%v)", result.Decision, result.Err)
	}
	if result.RequestCtx.Deferred == nil {
		t.Fatal("expected a deferred payment attached to the request context")
	}
	if result.RequestCtx.BuyerWallet != "0xbuyer" {
		t.Errorf("expected buyer wallet 0xbuyer, got %s", result.RequestCtx.BuyerWallet)
	}
}

func TestChallengeOrAdmit_InvalidPaymentReChallenges(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"isValid": false, "invalidReason": "amount mismatch"})
	}))
	defer facilitator.Close()

	resolver := &resolverStub{listings: map[string]store.Listing{
		"weather-api": {ID: "lst_1", Slug: "weather-api", Status: store.ListingActive, CurrentPrice: money.MustFromMajor("0.05")},
	}}
	c := New(resolver, noBreaker(), nil, facilitator.URL, Config{VerifyTimeout: time.Second}, zerolog.Nop())

	result := c.ChallengeOrAdmit(context.Background(), newReq(http.MethodGet, "/v1/weather-api/forecast", encodedPayment(t)), "weather-api")

	if result.Decision != DecisionChallenge {
		t.Fatalf("expected DecisionChallenge on invalid payment, got %v", result.Decision)
	}
	apiErr, ok := apierrors.As(result.Err)
	if !ok || apiErr.Code != apierrors.CodePaymentInvalid {
		t.Fatalf("expected PAYMENT_INVALID, got %+v", result.Err)
	}
}

func TestSettle_SuccessReturnsTransactionHash(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "txHash": "0xdeadbeef"})
	}))
	defer facilitator.Close()

	c := New(&resolverStub{listings: map[string]store.Listing{}}, noBreaker(), nil, facilitator.URL, Config{SettleTimeout: time.Second}, zerolog.Nop())

	deferred := &reqctx.DeferredPayment{PaymentPayload: `{"x402Version":1,"scheme":"exact"}`}
	settled, err := c.Settle(context.Background(), deferred, x402.PaymentRequirement{Scheme: "exact", Network: "base-sepolia"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settled.TransactionHash != "0xdeadbeef" {
		t.Errorf("expected tx hash 0xdeadbeef, got %s", settled.TransactionHash)
	}
}

func TestSettle_FailureSurfacesErrorWithoutPanicking(t *testing.T) {
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "errorReason": "insufficient balance"})
	}))
	defer facilitator.Close()

	c := New(&resolverStub{listings: map[string]store.Listing{}}, noBreaker(), nil, facilitator.URL, Config{SettleTimeout: time.Second}, zerolog.Nop())

	deferred := &reqctx.DeferredPayment{PaymentPayload: `{"x402Version":1,"scheme":"exact"}`}
	_, err := c.Settle(context.Background(), deferred, x402.PaymentRequirement{Scheme: "exact"})
	if err == nil {
		t.Fatal("expected an error from a failed settlement")
	}
}

func TestFeeSplit_PriceEqualsFeePlusProvider(t *testing.T) {
	price := money.MustFromMajor("1.00")
	fee, provider := FeeSplit(price, money.RateFromFloat(0.12))
	if fee.Add(provider) != price {
		t.Errorf("expected fee+provider == price, got fee=%s provider=%s", fee, provider)
	}
	if fee != money.MustFromMajor("0.12") {
		t.Errorf("expected fee 0.12, got %s", fee)
	}
}
