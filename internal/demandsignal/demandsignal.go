// Package demandsignal implements the one-way emission of pricing-signal
// events to the external auction engine that sets per-listing prices.
// Emission is Redis Pub/Sub backed, modeled on
// Generativebots-ocx-backend-go-svc's redis_event_bus.go non-blocking
// publish pattern, with a local in-process fallback so a Redis outage
// never blocks the request path it's wired into.
package demandsignal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Type enumerates the demand-signal event kinds the auction engine
// consumes.
type Type string

const (
	TypeAPICall      Type = "API_CALL"
	TypeView         Type = "VIEW"
	TypeRateLimited  Type = "RATE_LIMITED"
	TypeSandboxTest  Type = "SANDBOX_TEST"
)

// Signal is a single pricing-signal event.
type Signal struct {
	ListingID string                 `json:"listingId"`
	BuyerID   string                 `json:"buyerId"`
	Type      Type                   `json:"type"`
	Weight    float64                `json:"weight"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	EmittedAt time.Time              `json:"emittedAt"`
}

// Emitter is the narrow sink every producer (RateLimiter, Biller,
// PaymentChallenger) depends on.
type Emitter interface {
	Emit(sig Signal)
}

const defaultChannel = "nexusx:demand-signals"

// Bus publishes signals to Redis Pub/Sub, falling back to an
// in-process ring buffer when the publish fails so emission never
// blocks or panics the caller.
type Bus struct {
	rdb     *redis.Client
	channel string
	log     zerolog.Logger

	fallbackMu  chan struct{} // semaphore bounding concurrent fallback writers
	fallback    []Signal
	fallbackCap int
}

// New returns a Bus publishing to the default channel on rdb.
func New(rdb *redis.Client, log zerolog.Logger) *Bus {
	return &Bus{
		rdb:         rdb,
		channel:     defaultChannel,
		log:         log,
		fallbackMu:  make(chan struct{}, 1),
		fallbackCap: 256,
	}
}

// Emit publishes sig without blocking the caller. On Redis failure the
// signal is appended to a bounded local buffer and the failure is
// logged; it is never retried, since demand signals are best-effort
// pricing hints, not durable events.
func (b *Bus) Emit(sig Signal) {
	if sig.EmittedAt.IsZero() {
		sig.EmittedAt = time.Now()
	}
	go b.publish(sig)
}

func (b *Bus) publish(sig Signal) {
	payload, err := json.Marshal(sig)
	if err != nil {
		b.log.Warn().Err(err).Msg("demand signal marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn().Err(err).Str("type", string(sig.Type)).Msg("demand signal publish failed, buffering locally")
		b.bufferLocally(sig)
	}
}

func (b *Bus) bufferLocally(sig Signal) {
	b.fallbackMu <- struct{}{}
	defer func() { <-b.fallbackMu }()

	b.fallback = append(b.fallback, sig)
	if len(b.fallback) > b.fallbackCap {
		b.fallback = b.fallback[len(b.fallback)-b.fallbackCap:]
	}
}

// Buffered returns a snapshot of locally-buffered signals, for
// diagnostics and tests.
func (b *Bus) Buffered() []Signal {
	b.fallbackMu <- struct{}{}
	defer func() { <-b.fallbackMu }()

	out := make([]Signal, len(b.fallback))
	copy(out, b.fallback)
	return out
}

// NoopEmitter discards every signal; used where demand signaling is
// disabled or not yet wired.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Signal) {}
