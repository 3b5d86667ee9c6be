package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/bundle"
	"github.com/nexusx/gateway/internal/circuitbreaker"
	"github.com/nexusx/gateway/internal/config"
	"github.com/nexusx/gateway/internal/demandsignal"
	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/logger"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/paywall"
	"github.com/nexusx/gateway/internal/proxy"
	"github.com/nexusx/gateway/internal/reliability"
	"github.com/nexusx/gateway/internal/reqctx"
	"github.com/nexusx/gateway/internal/store"
	"github.com/nexusx/gateway/pkg/x402"
)

// handlers holds every collaborator a route handler may need. Embedding
// Deps directly mirrors the teacher's habit of keeping its handler
// struct a thin wrapper over its service layer rather than threading
// each dependency through individual function arguments.
type handlers struct {
	Deps
}

func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h handlers) ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ready",
		"uptimeS": int64(time.Since(startTime).Seconds()),
		"cacheStats": map[string]interface{}{
			"routeCacheTtl": h.Config.Resolver.CacheTTL.Duration.String(),
		},
	})
}

func (h handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "nexusx-gateway",
		"environment": h.Config.Logging.Environment,
		"uptimeS":     int64(time.Since(startTime).Seconds()),
		"circuitBreakers": map[string]string{
			"facilitator": h.Breaker.State(circuitbreaker.ServiceFacilitator),
			"persistence": h.Breaker.State(circuitbreaker.ServicePersistence),
		},
	})
}

func (h handlers) pricing(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	listing, err := h.Resolver.ResolveBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteErr(w, apierrors.New(apierrors.CodeListingNotFound, "listing not found"))
			return
		}
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeInternalError, "listing lookup failed"))
		return
	}

	feeRate := money.RateFromFloat(h.Config.Billing.PlatformFeeRate)
	fee, provider := paywall.FeeSplit(listing.CurrentPrice, feeRate)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"slug":             listing.Slug,
		"currentPriceUsdc": listing.CurrentPrice.String(),
		"floorPriceUsdc":   listing.FloorPrice.String(),
		"feeSplit": map[string]interface{}{
			"buyerPays":        listing.CurrentPrice.String(),
			"providerReceives": provider.String(),
			"platformFee":      fee.String(),
			"feeRate":          feeRate.String(),
		},
		"capacity": map[string]interface{}{
			"requestsPerMinute": listing.CapacityPerMinute,
		},
	})
}

func (h handlers) reliabilityScore(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := h.Resolver.ResolveBySlug(r.Context(), slug); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteErr(w, apierrors.New(apierrors.CodeListingNotFound, "listing not found"))
			return
		}
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeInternalError, "listing lookup failed"))
		return
	}

	score, err := h.Reliability.GetScore(r.Context(), slug)
	if err != nil {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeListingUnavailable, "reliability score unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"slug":        slug,
		"reliability": score,
	})
}

// requireAuth rejects requests without a valid API key before
// bundle-session endpoints, which are never reachable via pay-per-call.
func (h handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := h.Authn.Authenticate(r)
		if err != nil {
			apierrors.WriteErr(w, err)
			return
		}
		r = r.WithContext(reqctx.WithRequestContext(r.Context(), rc))
		next.ServeHTTP(w, r)
	})
}

type registerBundleRequest struct {
	BundleSlug      string   `json:"bundleSlug"`
	StepSlugs       []string `json:"stepSlugs"`
	TargetPriceUsdc string   `json:"targetPriceUsdc"`
	ExpiresInSec    int      `json:"expiresInSeconds"`
}

func (h handlers) registerBundle(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.FromContext(r.Context())
	if !ok {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeUnauthorized, "missing request context"))
		return
	}

	var req registerBundleRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeInvalidInput, "malformed request body"))
		return
	}

	targetPrice, err := money.FromMajor(req.TargetPriceUsdc)
	if err != nil {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeInvalidInput, "invalid targetPriceUsdc"))
		return
	}

	ttl := h.Config.Bundle.SessionTTL.Duration
	if req.ExpiresInSec > 0 {
		ttl = time.Duration(req.ExpiresInSec) * time.Second
	}
	expiresAt := time.Now().Add(ttl)

	session, err := h.Bundles.Register(r.Context(), bundle.RegisterInput{
		BuyerID:         rc.BuyerID,
		APIKeyID:        rc.APIKeyID,
		BundleSlug:      req.BundleSlug,
		StepSlugs:       req.StepSlugs,
		TargetPrice:     targetPrice,
		PlatformFeeRate: money.RateFromFloat(h.Config.Bundle.PlatformFeeRate),
		ExpiresAt:       &expiresAt,
	})
	if err != nil {
		apierrors.WriteErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h handlers) getBundle(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.FromContext(r.Context())
	if !ok {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeUnauthorized, "missing request context"))
		return
	}

	id := chi.URLParam(r, "id")
	session, err := h.Store.LookupBundleSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteErr(w, apierrors.New(apierrors.CodeBundleSessionNotFound, "bundle session not found"))
			return
		}
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeInternalError, "bundle session lookup failed"))
		return
	}
	if session.BuyerID != rc.BuyerID {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeForbidden, "bundle session does not belong to this buyer"))
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h handlers) finalizeBundle(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.FromContext(r.Context())
	if !ok {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeUnauthorized, "missing request context"))
		return
	}

	id := chi.URLParam(r, "id")
	result, err := h.Bundles.Finalize(r.Context(), bundle.FinalizeInput{SessionID: id, BuyerID: rc.BuyerID})
	if err != nil {
		apierrors.WriteErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": result.Session,
		"rows":    result.Rows,
	})
}

// proxyCall implements §4's full request pipeline for ALL
// /v1/{listingSlug}/*: admission (API key or x402 challenge), rate
// limiting, optional bundle-step admission, upstream dispatch, billing,
// and (for pay-per-call) settlement on a successful response.
func (h handlers) proxyCall(w http.ResponseWriter, r *http.Request) {
	listingSlug := chi.URLParam(r, "listingSlug")
	subPath := chi.URLParam(r, "*")
	log := logger.FromContext(r.Context())

	rc, challenge, err := h.admit(r, listingSlug)
	if err != nil {
		apierrors.WriteErr(w, err)
		return
	}
	if challenge != nil {
		listing, _ := h.Resolver.ResolveBySlug(r.Context(), listingSlug)
		writePaymentRequired(w, h.Config.X402, listingSlug, listing, *challenge)
		return
	}

	decision := h.RateLimiter.Check(rateLimitKey(rc), rateLimitRPM(rc))
	resetSeconds := int(math.Ceil(decision.ResetAfter.Seconds()))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateLimitRPM(rc)))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSeconds))
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(resetSeconds))
		h.Emitter.Emit(demandsignal.Signal{ListingID: listingSlug, BuyerID: rc.BuyerID, Type: demandsignal.TypeRateLimited, Weight: 1.5})
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeRateLimited, "rate limit exceeded"))
		return
	}

	listing, err := h.Resolver.ResolveBySlug(r.Context(), listingSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.WriteErr(w, apierrors.New(apierrors.CodeListingNotFound, "listing not found"))
			return
		}
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeInternalError, "listing lookup failed"))
		return
	}
	if listing.Status != store.ListingActive {
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeListingUnavailable, "listing is not active"))
		return
	}

	var bundleHint *billing.BundleHint
	if sessionID := r.Header.Get("X-NexusX-Bundle-Session-Id"); sessionID != "" {
		rc.BundleSessionID = sessionID
		if stepRaw := r.Header.Get("X-NexusX-Bundle-Step-Index"); stepRaw != "" {
			if step, convErr := strconv.Atoi(stepRaw); convErr == nil {
				rc.BundleStepIndex = step
				rc.HasBundleStep = true
			}
		}
		if err := h.Bundles.AdmitStep(r.Context(), rc, listingSlug); err != nil {
			apierrors.WriteErr(w, err)
			return
		}
		bundleHint = &billing.BundleHint{SessionID: rc.BundleSessionID, StepIndex: rc.BundleStepIndex}
	}

	result, err := h.Proxy.Forward(r.Context(), listing, r, subPath, rc.RequestID)
	if err != nil {
		log.Error().Err(err).Str("listing", listingSlug).Msg("proxy dispatch failed")
		apierrors.WriteErr(w, apierrors.New(apierrors.CodeBadGateway, "upstream dispatch failed"))
		return
	}

	h.recordReliability(listingSlug, result)

	record := h.Biller.ProcessCall(r.Context(), rc.RequestID, rc.BuyerID, listing, result, bundleHint)

	if rc.AuthMode == reqctx.AuthModePayPerCall && rc.Deferred != nil && result.StatusCode < 500 {
		requirement, decodeErr := requirementFromDeferred(rc.Deferred)
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Str("request_id", rc.RequestID).Msg("could not reconstruct payment requirement for settlement")
		} else if settled, settleErr := h.Challenger.Settle(r.Context(), rc.Deferred, requirement); settleErr != nil {
			log.Warn().Err(settleErr).Str("request_id", rc.RequestID).Msg("x402 settlement failed after successful call")
		} else {
			rc.Settled = &settled
		}
	}

	writeProxyResponse(w, result, rc, listing, record)
}

// admit runs the Authenticator when an API key is presented, otherwise
// falls back to the PaymentChallenger when pay-per-call mode is
// enabled. A non-nil challenge return means the caller must answer with
// a 402 and stop; both rc and challenge nil alongside a non-nil err
// means the request is rejected outright.
func (h handlers) admit(r *http.Request, listingSlug string) (rc *reqctx.RequestContext, challenge *paywall.Result, err error) {
	if hasAPIKey(r) {
		rc, err = h.Authn.Authenticate(r)
		return rc, nil, err
	}

	if !h.Config.X402.Enabled {
		return nil, nil, apierrors.New(apierrors.CodeUnauthorized, "missing api key")
	}

	result := h.Challenger.ChallengeOrAdmit(r.Context(), r, listingSlug)
	switch result.Decision {
	case paywall.DecisionAdmit:
		return result.RequestCtx, nil, nil
	case paywall.DecisionReject:
		return nil, nil, result.Err
	default:
		return nil, &result, nil
	}
}

func hasAPIKey(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return true
	}
	if r.Header.Get("X-NexusX-Key") != "" {
		return true
	}
	return r.URL.Query().Get("api_key") != ""
}

// writePaymentRequired renders the 402 body described by §6: the
// payment requirement the caller must satisfy, plus enough x402 context
// to retry with a signed payload.
func writePaymentRequired(w http.ResponseWriter, cfg config.X402Config, listingSlug string, listing store.Listing, result paywall.Result) {
	message := "payment required"
	if result.Err != nil {
		if apiErr, ok := apierrors.As(result.Err); ok {
			message = apiErr.Message
		}
	}

	writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
		"error":               "PAYMENT_REQUIRED",
		"message":             message,
		"requestId":           uuid.New().String(),
		"paymentRequirements": []x402.PaymentRequirement{result.Requirement},
		"x402": map[string]interface{}{
			"version":          1,
			"currentPriceUsdc": listing.CurrentPrice.String(),
			"floorPriceUsdc":   listing.FloorPrice.String(),
			"listing":          listingSlug,
			"network":          cfg.Network,
			"facilitatorUrl":   cfg.FacilitatorURL,
		},
	})
}

func requirementFromDeferred(deferred *reqctx.DeferredPayment) (x402.PaymentRequirement, error) {
	data, err := json.Marshal(deferred.PaymentRequirements)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}
	var req x402.PaymentRequirement
	if err := json.Unmarshal(data, &req); err != nil {
		return x402.PaymentRequirement{}, err
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func rateLimitKey(rc *reqctx.RequestContext) string {
	if rc.APIKeyID != "" {
		return "key:" + rc.APIKeyID
	}
	return "ip:" + rc.ClientIP
}

func rateLimitRPM(rc *reqctx.RequestContext) int {
	if rc.RateLimitRPM > 0 {
		return rc.RateLimitRPM
	}
	return 60
}

// recordReliability appends the call's outcome to the listing's
// reliability log (§4.8), fire-and-forget so a slow or unreachable
// Redis never adds latency to the response already being written.
func (h handlers) recordReliability(listingSlug string, result *proxy.Result) {
	rec := reliability.Record{LatencyMs: result.LatencyMs, Status: result.StatusCode, Timestamp: time.Now()}
	record := func(ctx context.Context) {
		if err := h.Reliability.Record(ctx, listingSlug, rec); err != nil {
			h.Logger.Warn().Err(err).Str("listing", listingSlug).Msg("reliability record failed")
		}
	}
	if h.Submit != nil {
		h.Submit(record)
	} else {
		go record(context.Background())
	}
}

func writeProxyResponse(w http.ResponseWriter, result *proxy.Result, rc *reqctx.RequestContext, listing store.Listing, record store.TransactionRecord) {
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	w.Header().Set("X-NexusX-Request-Id", rc.RequestID)
	w.Header().Set("X-NexusX-Listing", listing.Slug)
	w.Header().Set("X-NexusX-Latency-Ms", strconv.FormatInt(result.LatencyMs, 10))

	billingMode := "individual"
	if rc.HasBundleStep {
		billingMode = "bundle_step"
		w.Header().Set("X-NexusX-Bundle-Session-Id", rc.BundleSessionID)
		w.Header().Set("X-NexusX-Bundle-Step-Index", strconv.Itoa(rc.BundleStepIndex))
		if record.Quoted != nil {
			w.Header().Set("X-NexusX-Bundle-Quoted-Price-USDC", record.Quoted.Price.String())
		}
	} else if !listing.Sandbox {
		w.Header().Set("X-NexusX-Price-USDC", record.Price.String())
		w.Header().Set("X-NexusX-Fee-USDC", record.PlatformFee.String())
	}
	w.Header().Set("X-NexusX-Billing-Mode", billingMode)

	if rc.AuthMode == reqctx.AuthModePayPerCall {
		w.Header().Set("X-NexusX-Payment", "x402")
		if rc.Settled != nil {
			w.Header().Set("X-NexusX-TxHash", rc.Settled.TransactionHash)
		}
	}
	if listing.Sandbox {
		w.Header().Set("X-NexusX-Sandbox", "true")
	}

	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}
