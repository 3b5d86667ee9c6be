// Package billing implements the Biller (§4.6): the fee-split and
// persistence step that runs after every proxied call. Persistence is
// fire-and-forget, mirroring the teacher's pattern of never letting a
// logging/bookkeeping failure convert an already-delivered response
// into an error.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexusx/gateway/internal/demandsignal"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/proxy"
	"github.com/nexusx/gateway/internal/store"
)

// Persister is the subset of store.Store the Biller depends on.
type Persister interface {
	PersistTransaction(ctx context.Context, record store.TransactionRecord) error
}

// BundleHint, when present, marks the call as a step within a bundle
// execution session: the record is persisted as a quote, not a
// realized charge.
type BundleHint struct {
	SessionID string
	StepIndex int
}

// Submitter schedules a detached task, matching internal/worker.Pool's
// Submit signature without requiring Biller to import it directly.
type Submitter func(task func(ctx context.Context))

// Breaker isolates a call to an external dependency, matching
// internal/circuitbreaker.Manager.Execute bound to one ServiceType
// without requiring this package to import circuitbreaker directly.
type Breaker func(fn func() (interface{}, error)) (interface{}, error)

// Biller computes the fee split for a completed proxy call and
// persists the resulting transaction record.
type Biller struct {
	store   Persister
	emitter demandsignal.Emitter
	feeRate money.Rate4
	submit  Submitter
	breaker Breaker
	log     zerolog.Logger
}

// New returns a Biller applying feeRate to every individual (non-bundle)
// call. A nil submit falls back to a bare goroutine per persist, which
// is what the teacher's fire-and-forget pattern did before §5 asked for
// detached work to be drainable on shutdown; pass a worker.Pool's
// Submit method to route persistence through the bounded pool instead.
// A nil breaker runs the persist call unprotected; pass a Manager bound
// to ServicePersistence to isolate the store from a degraded backend.
func New(s Persister, emitter demandsignal.Emitter, feeRate money.Rate4, submit Submitter, breaker Breaker, log zerolog.Logger) *Biller {
	if emitter == nil {
		emitter = demandsignal.NoopEmitter{}
	}
	return &Biller{store: s, emitter: emitter, feeRate: feeRate, submit: submit, breaker: breaker, log: log}
}

// ProcessCall computes billing for a completed request and persists the
// resulting record fire-and-forget. It always returns a populated
// TransactionRecord synchronously so callers (handlers, tests) can
// inspect the computed amounts without waiting on persistence.
func (b *Biller) ProcessCall(ctx context.Context, requestID, buyerID string, listing store.Listing, result *proxy.Result, bundle *BundleHint) store.TransactionRecord {
	if listing.Sandbox {
		b.emitter.Emit(demandsignal.Signal{
			ListingID: listing.ID,
			BuyerID:   buyerID,
			Type:      demandsignal.TypeSandboxTest,
			Weight:    0.5,
		})
		return store.TransactionRecord{}
	}

	if !isBillable(result) {
		return store.TransactionRecord{
			RequestID:  requestID,
			ListingID:  listing.ID,
			BuyerID:    buyerID,
			Status:     store.TransactionFailed,
			HTTPStatus: result.StatusCode,
			CreatedAt:  time.Now(),
		}
	}

	price := listing.CurrentPrice
	platformFee := b.feeRate.Apply(price)
	providerAmount := price.Sub(platformFee)

	record := store.TransactionRecord{
		RequestID:        requestID,
		ListingID:        listing.ID,
		BuyerID:          buyerID,
		FeeRateApplied:   b.feeRate,
		ResponseTimeMs:   result.LatencyMs,
		HTTPStatus:       result.StatusCode,
		BytesTransferred: result.BytesRead,
		CreatedAt:        time.Now(),
	}

	if bundle != nil {
		record.BillingMode = store.BillingBundleStep
		record.Status = store.TransactionPending
		record.BundleSessionID = bundle.SessionID
		record.BundleStepIndex = bundle.StepIndex
		record.SettledViaBundle = true
		record.Quoted = &store.QuotedAmounts{Price: price, Fee: platformFee, Provider: providerAmount}
	} else {
		record.BillingMode = store.BillingIndividual
		record.Status = store.TransactionConfirmed
		record.Price = price
		record.PlatformFee = platformFee
		record.ProviderAmount = providerAmount
	}

	if b.submit != nil {
		b.submit(func(ctx context.Context) { b.persist(record) })
	} else {
		go b.persist(record)
	}

	metadata := map[string]interface{}{}
	if bundle != nil {
		metadata["bundleSessionId"] = bundle.SessionID
		metadata["bundleStepIndex"] = bundle.StepIndex
	}
	b.emitter.Emit(demandsignal.Signal{
		ListingID: listing.ID,
		BuyerID:   buyerID,
		Type:      demandsignal.TypeAPICall,
		Weight:    1.0,
		Metadata:  metadata,
	})

	return record
}

// isBillable mirrors §4.6's predicate, resolved against the Open
// Question of what "5xx from the gateway itself" means in practice:
// synthesized results (the ProxyEngine's own 502/504) are never
// billable, while any status code the upstream itself returned — 5xx
// included — is, matching §7's "upstream errors are still billed"
// propagation policy.
func isBillable(result *proxy.Result) bool {
	return !result.Synthetic
}

func (b *Biller) persist(record store.TransactionRecord) {
	if record.RequestID == "" {
		record.RequestID = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	persist := func() (interface{}, error) { return nil, b.store.PersistTransaction(ctx, record) }
	var err error
	if b.breaker != nil {
		_, err = b.breaker(persist)
	} else {
		_, err = persist()
	}
	if err != nil {
		b.log.Error().Err(err).Str("request_id", record.RequestID).Msg("persist transaction failed")
	}
}
