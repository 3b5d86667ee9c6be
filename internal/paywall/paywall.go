// Package paywall implements the PaymentChallenger (§4.2): the
// pay-per-call alternative to API-key authentication. It issues x402
// 402 challenges, verifies an X-Payment header against an external
// facilitator, defers settlement until after the proxy stage
// completes, and emits the VIEW/API_CALL demand signals the teacher's
// cart/refund/coupon paywall never needed to. The facilitator HTTP
// calls are wrapped in a circuit breaker exactly as the teacher wraps
// its Solana RPC / Stripe calls, using internal/httputil's shared
// transport-tuned client.
package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/circuitbreaker"
	"github.com/nexusx/gateway/internal/demandsignal"
	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/httputil"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/reqctx"
	"github.com/nexusx/gateway/internal/store"
	"github.com/nexusx/gateway/pkg/x402"
)

// ListingResolver is the subset of the route resolver the challenger
// depends on.
type ListingResolver interface {
	ResolveBySlug(ctx context.Context, slug string) (store.Listing, error)
}

// Decision is the outcome of ChallengeOrAdmit.
type Decision int

const (
	// DecisionAdmit means the request carries a verified, deferred
	// payment and may proceed down the pipeline.
	DecisionAdmit Decision = iota
	// DecisionChallenge means the caller must be answered with a 402
	// and the attached PaymentRequirement.
	DecisionChallenge
	// DecisionReject means the request fails outright (unknown or
	// unavailable listing) and must not be charged.
	DecisionReject
)

// Result is returned by ChallengeOrAdmit.
type Result struct {
	Decision    Decision
	RequestCtx  *reqctx.RequestContext
	Requirement x402.PaymentRequirement
	Err         error
}

// Config holds the platform-wide x402 parameters.
type Config struct {
	Network           string
	PlatformAddress   string
	AssetAddress      string
	MaxTimeoutSeconds int
	VerifyTimeout     time.Duration
	SettleTimeout     time.Duration
	SandboxEnabled    bool
}

// Challenger implements §4.2's challenge/verify/settle flow.
type Challenger struct {
	resolver ListingResolver
	breaker  *circuitbreaker.Manager
	emitter  demandsignal.Emitter
	client   *http.Client
	cfg      Config
	facilitatorURL string
	log      zerolog.Logger
}

// New returns a Challenger posting /verify and /settle to facilitatorURL.
func New(resolver ListingResolver, breaker *circuitbreaker.Manager, emitter demandsignal.Emitter, facilitatorURL string, cfg Config, log zerolog.Logger) *Challenger {
	if emitter == nil {
		emitter = demandsignal.NoopEmitter{}
	}
	timeout := cfg.VerifyTimeout
	if cfg.SettleTimeout > timeout {
		timeout = cfg.SettleTimeout
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Challenger{
		resolver:       resolver,
		breaker:        breaker,
		emitter:        emitter,
		client:         httputil.NewClient(timeout),
		cfg:            cfg,
		facilitatorURL: facilitatorURL,
		log:            log,
	}
}

// ChallengeOrAdmit resolves listingSlug and inspects the X-Payment
// header. A sandbox listing bypasses payment entirely, matching the
// teacher's sandbox-mode short-circuit for cart/paywall flows.
func (c *Challenger) ChallengeOrAdmit(ctx context.Context, r *http.Request, listingSlug string) Result {
	listing, err := c.resolver.ResolveBySlug(ctx, listingSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Decision: DecisionReject, Err: apierrors.New(apierrors.CodeListingNotFound, "listing not found")}
		}
		return Result{Decision: DecisionReject, Err: apierrors.New(apierrors.CodeInternalError, "listing lookup failed")}
	}
	if listing.Status != store.ListingActive {
		return Result{Decision: DecisionReject, Err: apierrors.New(apierrors.CodeListingUnavailable, "listing is not active")}
	}

	requirement := c.buildRequirement(listing, r)

	if listing.Sandbox && c.cfg.SandboxEnabled {
		return Result{Decision: DecisionAdmit, RequestCtx: c.newContext(r, true)}
	}

	header := r.Header.Get("X-Payment")
	if header == "" {
		c.emitter.Emit(demandsignal.Signal{ListingID: listing.ID, Type: demandsignal.TypeView, Weight: 0.2})
		return Result{Decision: DecisionChallenge, Requirement: requirement}
	}

	payload, rawPayload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		return Result{Decision: DecisionChallenge, Requirement: requirement, Err: apierrors.New(apierrors.CodePaymentInvalid, "malformed X-Payment header")}
	}

	verifyResp, err := c.verify(ctx, rawPayload, requirement)
	if err != nil || !verifyResp.IsValid {
		reason := "payment verification failed"
		if err == nil && verifyResp.InvalidReason != "" {
			reason = verifyResp.InvalidReason
		}
		return Result{Decision: DecisionChallenge, Requirement: requirement, Err: apierrors.New(apierrors.CodePaymentInvalid, reason)}
	}

	rc := c.newContext(r, false)
	rc.BuyerWallet = verifyResp.Payer
	rc.Deferred = &reqctx.DeferredPayment{
		PaymentPayload:      string(rawPayload),
		PaymentRequirements: requirementToMap(requirement),
		FacilitatorVerifyRef: payload.Scheme,
	}

	c.emitter.Emit(demandsignal.Signal{ListingID: listing.ID, BuyerID: rc.BuyerWallet, Type: demandsignal.TypeAPICall, Weight: 1.0})

	return Result{Decision: DecisionAdmit, RequestCtx: rc, Requirement: requirement}
}

// Settle POSTs /settle for a previously verified deferred payment. It
// is called after the proxy stage completes and only when the
// upstream status code is below 500 — the pay-on-success contract.
// Failure is returned for the caller to log for reconciliation; it
// never retroactively fails the already-delivered response.
func (c *Challenger) Settle(ctx context.Context, deferred *reqctx.DeferredPayment, requirement x402.PaymentRequirement) (reqctx.SettledPayment, error) {
	req := x402.SettleRequest{
		PaymentPayload:      json.RawMessage(deferred.PaymentPayload),
		PaymentRequirements: requirement,
	}

	var resp x402.SettleResponse
	if err := c.post(ctx, "/settle", req, &resp, c.cfg.SettleTimeout); err != nil {
		return reqctx.SettledPayment{}, err
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "settlement rejected by facilitator"
		}
		return reqctx.SettledPayment{}, fmt.Errorf("x402 settle: %s", reason)
	}
	return reqctx.SettledPayment{TransactionHash: resp.TxHash, SettledAt: time.Now()}, nil
}

func (c *Challenger) verify(ctx context.Context, rawPayload []byte, requirement x402.PaymentRequirement) (x402.VerifyResponse, error) {
	req := x402.VerifyRequest{
		PaymentPayload:      json.RawMessage(rawPayload),
		PaymentRequirements: requirement,
	}
	var resp x402.VerifyResponse
	if err := c.post(ctx, "/verify", req, &resp, c.cfg.VerifyTimeout); err != nil {
		return x402.VerifyResponse{}, err
	}
	return resp, nil
}

func (c *Challenger) post(ctx context.Context, path string, body, out interface{}, timeout time.Duration) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("x402: marshal request: %w", err)
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.breaker.Execute(circuitbreaker.ServiceFacilitator, func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.facilitatorURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("facilitator %s returned %d", path, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("facilitator call failed")
		return err
	}

	data, _ := result.([]byte)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("x402: decode facilitator response: %w", err)
	}
	return nil
}

func (c *Challenger) buildRequirement(listing store.Listing, r *http.Request) x402.PaymentRequirement {
	maxTimeout := c.cfg.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = 30
	}
	return x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           c.cfg.Network,
		MaxAmountRequired: strconv.FormatInt(listing.CurrentPrice.Micros(), 10),
		Resource:          requestURL(r),
		PayTo:             c.cfg.PlatformAddress,
		Asset:             c.cfg.AssetAddress,
		MaxTimeoutSeconds: maxTimeout,
		Extra: map[string]any{
			"eip712": map[string]any{
				"name":    "USDC",
				"version": "2",
			},
		},
	}
}

func (c *Challenger) newContext(r *http.Request, sandbox bool) *reqctx.RequestContext {
	return &reqctx.RequestContext{
		RequestID:  uuid.New().String(),
		ReceivedAt: time.Now(),
		AuthMode:   reqctx.AuthModePayPerCall,
		ClientIP:   auth.ClientIP(r),
		Sandbox:    sandbox,
	}
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func requirementToMap(req x402.PaymentRequirement) map[string]interface{} {
	data, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	return m
}

// FeeSplit computes the platform/provider split for a pay-per-call
// settlement, mirroring the Biller's individual-call split (§4.6) so
// pay-per-call transactions are recorded with the same invariant:
// price = platform fee + provider amount.
func FeeSplit(price money.Decimal6, platformFeeRate money.Rate4) (fee, provider money.Decimal6) {
	fee = platformFeeRate.Apply(price)
	provider = price.Sub(fee)
	return fee, provider
}
