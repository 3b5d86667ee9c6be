// Package reqctx defines the per-request context value threaded through
// the gateway's middleware chain: Authenticator/PaymentChallenger produce
// it, every downstream stage (RateLimiter, Resolver, Proxy, Biller) reads
// it, and it is discarded on response flush.
package reqctx

import (
	"context"
	"time"
)

// AuthMode identifies how the caller was admitted.
type AuthMode string

const (
	AuthModeAPIKey     AuthMode = "api_key"
	AuthModePayPerCall AuthMode = "pay_per_call"
)

// DeferredPayment is attached by the PaymentChallenger when a verified
// X-Payment header has been accepted but settlement is deferred until
// after the proxy stage completes (the "pay-on-success" contract).
type DeferredPayment struct {
	PaymentPayload       string
	PaymentRequirements  map[string]interface{}
	FacilitatorVerifyRef string
}

// SettledPayment records the outcome of a facilitator /settle call made
// after a successful upstream response.
type SettledPayment struct {
	TransactionHash string
	SettledAt       time.Time
}

// RequestContext is the per-request, in-memory state created by the
// auth stage and consumed by every downstream component.
type RequestContext struct {
	BuyerID       string
	BuyerWallet   string
	APIKeyID      string // empty under pay-per-call mode
	RateLimitRPM  int
	RequestID     string
	ReceivedAt    time.Time
	AuthMode      AuthMode
	ClientIP      string

	Deferred *DeferredPayment
	Settled  *SettledPayment

	BundleSessionID string
	BundleStepIndex int
	HasBundleStep   bool

	Sandbox bool
}

type contextKey string

const contextKeyRequestContext contextKey = "reqctx.requestContext"

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKeyRequestContext, rc)
}

// FromContext retrieves the RequestContext stored by the auth stage.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKeyRequestContext).(*RequestContext)
	return rc, ok
}
