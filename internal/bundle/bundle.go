// Package bundle implements the BundleEngine: registration, per-step
// admission, and the atomic, idempotent finalize that settles a bundle
// execution session across its participating listings. Finalize is the
// one operation in the gateway that must survive concurrent retries from
// the same buyer without double-charging or double-paying out, so every
// state transition routes through a store-level compare-and-swap rather
// than a read-then-write race in this package.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/reqctx"
	"github.com/nexusx/gateway/internal/store"
)

const (
	// defaultSessionTTL is used when a register call supplies no expiry.
	defaultSessionTTL = 30 * time.Minute
	// maxDiscountFraction caps the base-discount fraction derived from
	// target vs. registered-gross, per spec's 0.95 ceiling.
	maxDiscountFraction = 0.95
)

// Store is the subset of store.Store the BundleEngine depends on.
type Store interface {
	RegisterBundleSession(ctx context.Context, session store.BundleSession) error
	LookupBundleSession(ctx context.Context, id string) (store.BundleSession, error)
	ClaimBundleSessionInProgress(ctx context.Context, id, buyerID string) error
	ExpireBundleSession(ctx context.Context, id string) error
	ListBundleStepTransactions(ctx context.Context, bundleSessionID string) ([]store.TransactionRecord, error)
	FinalizeBundleSession(ctx context.Context, session store.BundleSession, settlements []store.TransactionSettlement, rows []store.SettlementRow) error
	ListSettlementRows(ctx context.Context, bundleSessionID string) ([]store.SettlementRow, error)
	DebitWallet(ctx context.Context, userID string, amount money.Decimal6) error
}

// ListingResolver is the subset of the route resolver the BundleEngine
// depends on: register resolves every distinct step slug up front, and
// finalize resolves each settled listing's payout address.
type ListingResolver interface {
	ResolveBySlug(ctx context.Context, slug string) (store.Listing, error)
	ResolveByID(ctx context.Context, id string) (store.Listing, error)
}

// Engine implements the register / step-admission / finalize lifecycle
// described by the bundle execution session state machine.
type Engine struct {
	store    Store
	resolver ListingResolver
	log      zerolog.Logger
}

// New returns a BundleEngine backed by s and the given listing resolver.
func New(s Store, resolver ListingResolver, log zerolog.Logger) *Engine {
	return &Engine{store: s, resolver: resolver, log: log}
}

// RegisterInput carries the register operation's inputs (§4.7.1).
// Metadata is accepted for forward-compatibility with callers but is not
// currently persisted — the bundle session aggregate carries no
// metadata column, and nothing downstream reads it back.
type RegisterInput struct {
	BuyerID         string
	APIKeyID        string
	BundleSlug      string
	StepSlugs       []string
	TargetPrice     money.Decimal6
	PlatformFeeRate money.Rate4
	ExpiresAt       *time.Time
	Metadata        map[string]interface{}
}

// Register resolves every distinct step slug, computes the registered
// gross price, and creates the session in REGISTERED status.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (store.BundleSession, error) {
	if len(in.StepSlugs) == 0 {
		return store.BundleSession{}, apierrors.New(apierrors.CodeInvalidInput, "bundle must include at least one tool slug")
	}
	if !in.TargetPrice.IsPositive() {
		return store.BundleSession{}, apierrors.New(apierrors.CodeInvalidInput, "target bundle price must be positive")
	}

	resolved := make(map[string]store.Listing, len(in.StepSlugs))
	var gross money.Decimal6
	for _, slug := range in.StepSlugs {
		listing, ok := resolved[slug]
		if !ok {
			l, err := e.resolver.ResolveBySlug(ctx, slug)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return store.BundleSession{}, apierrors.New(apierrors.CodeInvalidInput, fmt.Sprintf("unknown tool slug %q", slug))
				}
				return store.BundleSession{}, apierrors.New(apierrors.CodeInternalError, "listing resolution failed")
			}
			if l.Status != store.ListingActive {
				return store.BundleSession{}, apierrors.New(apierrors.CodeInvalidInput, fmt.Sprintf("tool slug %q is not active", slug))
			}
			listing = l
			resolved[slug] = listing
		}
		gross = gross.Add(listing.CurrentPrice)
	}

	if in.TargetPrice.GreaterThan(gross) {
		return store.BundleSession{}, apierrors.New(apierrors.CodeInvalidInput, "target bundle price exceeds the registered gross price")
	}

	now := time.Now()
	expiresAt := now.Add(defaultSessionTTL)
	if in.ExpiresAt != nil {
		expiresAt = *in.ExpiresAt
	}

	sess := store.BundleSession{
		ID:                   uuid.New().String(),
		BuyerID:              in.BuyerID,
		APIKeyID:             in.APIKeyID,
		BundleSlug:           in.BundleSlug,
		StepSlugs:            append([]string{}, in.StepSlugs...),
		Status:               store.BundleRegistered,
		RegisteredGrossPrice: gross,
		TargetBundlePrice:    in.TargetPrice,
		PlatformFeeRate:      in.PlatformFeeRate,
		ExpiresAt:            expiresAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.store.RegisterBundleSession(ctx, sess); err != nil {
		return store.BundleSession{}, apierrors.New(apierrors.CodeInternalError, "bundle session registration failed")
	}
	return sess, nil
}

// AdmitStep validates a proxied request's bundle-session-id and
// bundle-step-index headers against the session (§4.7.2) and, on the
// first admitted step, claims the session into IN_PROGRESS.
func (e *Engine) AdmitStep(ctx context.Context, rc *reqctx.RequestContext, listingSlug string) error {
	if rc.AuthMode == reqctx.AuthModePayPerCall {
		return apierrors.New(apierrors.CodeInvalidBundleContext, "bundle execution is not permitted with pay-per-call authentication")
	}

	sess, err := e.store.LookupBundleSession(ctx, rc.BundleSessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.New(apierrors.CodeBundleSessionNotFound, "bundle session not found")
		}
		return apierrors.New(apierrors.CodeInternalError, "bundle session lookup failed")
	}
	if sess.BuyerID != rc.BuyerID {
		return apierrors.New(apierrors.CodeForbidden, "bundle session does not belong to this buyer")
	}
	if sess.Status != store.BundleRegistered && sess.Status != store.BundleInProgress {
		return apierrors.New(apierrors.CodeBundleSessionClosed, "bundle session is no longer open for steps")
	}
	if time.Now().After(sess.ExpiresAt) {
		return apierrors.New(apierrors.CodeBundleSessionExpired, "bundle session has expired")
	}
	if rc.BundleStepIndex < 0 || rc.BundleStepIndex >= len(sess.StepSlugs) || sess.StepSlugs[rc.BundleStepIndex] != listingSlug {
		return apierrors.New(apierrors.CodeBundleStepMismatch, "bundle step index does not match the requested listing")
	}

	if sess.Status == store.BundleRegistered {
		if err := e.store.ClaimBundleSessionInProgress(ctx, sess.ID, rc.BuyerID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Lost the claim race to a concurrent first step (or the
				// session moved on); either way it is no longer
				// REGISTERED, so this step can proceed unclaimed.
				return nil
			}
			return apierrors.New(apierrors.CodeInternalError, "bundle session claim failed")
		}
	}
	return nil
}

// FinalizeInput carries the finalize operation's inputs (§4.7.3).
type FinalizeInput struct {
	SessionID string
	BuyerID   string
}

// FinalizeResult is the settled session plus its per-step settlement
// rows, returned both on a fresh finalize and on an idempotent replay.
type FinalizeResult struct {
	Session store.BundleSession
	Rows    []store.SettlementRow
}

// Finalize executes the bundle's atomic settlement (§4.7.3): claiming the
// session, selecting its executed steps, computing the discount-adjusted
// bill, debiting the buyer's wallet, and allocating the proceeds across
// steps via largest-remainder rounding. Two serial calls for an already
// FINALIZED session return the same stored result; two concurrent calls
// yield exactly one FINALIZED and one CONFLICT.
func (e *Engine) Finalize(ctx context.Context, in FinalizeInput) (FinalizeResult, error) {
	sess, err := e.store.LookupBundleSession(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return FinalizeResult{}, apierrors.New(apierrors.CodeBundleSessionNotFound, "bundle session not found")
		}
		return FinalizeResult{}, apierrors.New(apierrors.CodeInternalError, "bundle session lookup failed")
	}
	if sess.BuyerID != in.BuyerID {
		return FinalizeResult{}, apierrors.New(apierrors.CodeForbidden, "bundle session does not belong to this buyer")
	}
	if sess.Status == store.BundleFinalized {
		return e.loadStoredResult(ctx, sess)
	}

	if time.Now().After(sess.ExpiresAt) {
		if err := e.store.ExpireBundleSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrConflict) {
			e.log.Warn().Err(err).Str("bundle_session_id", sess.ID).Msg("mark bundle session expired failed")
		}
		return FinalizeResult{}, apierrors.New(apierrors.CodeBundleSessionExpired, "bundle session has expired")
	}

	if sess.Status == store.BundleRegistered {
		if err := e.store.ClaimBundleSessionInProgress(ctx, sess.ID, sess.BuyerID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.reloadAfterConflict(ctx, sess.ID)
			}
			return FinalizeResult{}, apierrors.New(apierrors.CodeInternalError, "bundle session claim failed")
		}
		sess.Status = store.BundleInProgress
	}

	txs, err := e.store.ListBundleStepTransactions(ctx, sess.ID)
	if err != nil {
		return FinalizeResult{}, apierrors.New(apierrors.CodeInternalError, "bundle step transaction lookup failed")
	}
	selected, failedTxs := selectSteps(txs)

	quoted := make([]money.Decimal6, len(selected))
	var executedGross money.Decimal6
	for i, tx := range selected {
		q := tx.Price
		if tx.Quoted != nil {
			q = tx.Quoted.Price
		}
		quoted[i] = q
		executedGross = executedGross.Add(q)
	}

	d := discountFraction(sess.RegisteredGrossPrice, sess.TargetBundlePrice)
	billed := executedGross.MulFloat(1 - d)
	platformFee := sess.PlatformFeeRate.Apply(billed)
	providerPool := billed.Sub(platformFee)
	discount := executedGross.Sub(billed)

	if billed.IsPositive() {
		if err := e.store.DebitWallet(ctx, sess.BuyerID, billed); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return FinalizeResult{}, apierrors.New(apierrors.CodeInsufficientFunds, "buyer wallet balance is insufficient to settle this bundle")
			}
			return FinalizeResult{}, apierrors.New(apierrors.CodeInternalError, "wallet debit failed")
		}
	}

	settlements, rows := e.allocate(ctx, sess, selected, quoted, executedGross, billed, platformFee, providerPool)
	for _, tx := range failedTxs {
		settlements = append(settlements, store.TransactionSettlement{
			RequestID: tx.RequestID,
			Status:    store.TransactionFailed,
		})
	}

	sess.Status = store.BundleFinalized
	sess.ExecutedGrossPrice = executedGross
	sess.BilledPrice = billed
	sess.Discount = discount
	sess.PlatformFee = platformFee
	sess.ProviderPool = providerPool
	sess.UpdatedAt = time.Now()

	if err := e.store.FinalizeBundleSession(ctx, sess, settlements, rows); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return e.reloadAfterConflict(ctx, sess.ID)
		}
		return FinalizeResult{}, apierrors.New(apierrors.CodeInternalError, "bundle session finalize failed")
	}

	return FinalizeResult{Session: sess, Rows: rows}, nil
}

// allocate implements the largest-remainder split (§4.7.3 step 9): every
// step but the last gets its rounded proportional share; the last
// absorbs whatever remains, guaranteeing exact summation on the
// 6-decimal grid.
func (e *Engine) allocate(ctx context.Context, sess store.BundleSession, selected []store.TransactionRecord, quoted []money.Decimal6, executedGross, billed, platformFee, providerPool money.Decimal6) ([]store.TransactionSettlement, []store.SettlementRow) {
	n := len(selected)
	settlements := make([]store.TransactionSettlement, 0, n)
	rows := make([]store.SettlementRow, 0, n)

	remPrice, remFee, remProv := billed, platformFee, providerPool
	for i, tx := range selected {
		var allocPrice, allocFee, allocProv money.Decimal6
		var weight float64

		if executedGross.IsZero() {
			weight = roundWeight(1, float64(n))
		} else {
			weight = roundWeight(float64(quoted[i].Micros()), float64(executedGross.Micros()))
		}

		if i == n-1 {
			allocPrice, allocFee, allocProv = remPrice, remFee, remProv
		} else if executedGross.IsZero() {
			allocPrice = billed.MulRatio(1, int64(n))
			allocFee = platformFee.MulRatio(1, int64(n))
			allocProv = providerPool.MulRatio(1, int64(n))
			remPrice = remPrice.Sub(allocPrice)
			remFee = remFee.Sub(allocFee)
			remProv = remProv.Sub(allocProv)
		} else {
			allocPrice = billed.MulRatio(quoted[i].Micros(), executedGross.Micros())
			allocFee = platformFee.MulRatio(quoted[i].Micros(), executedGross.Micros())
			allocProv = providerPool.MulRatio(quoted[i].Micros(), executedGross.Micros())
			remPrice = remPrice.Sub(allocPrice)
			remFee = remFee.Sub(allocFee)
			remProv = remProv.Sub(allocProv)
		}

		settlements = append(settlements, store.TransactionSettlement{
			RequestID:        tx.RequestID,
			Status:           store.TransactionConfirmed,
			Price:            allocPrice,
			PlatformFee:      allocFee,
			ProviderAmount:   allocProv,
			FeeRateApplied:   sess.PlatformFeeRate,
			SettledViaBundle: true,
		})
		rows = append(rows, store.SettlementRow{
			BundleSessionID: sess.ID,
			TransactionID:   tx.RequestID,
			ProviderID:      e.providerIDFor(ctx, tx.ListingID),
			ListingID:       tx.ListingID,
			ListPrice:       quoted[i],
			Weight:          weight,
			AllocatedPrice:  allocPrice,
			PlatformFee:     allocFee,
			ProviderAmount:  allocProv,
		})
	}
	return settlements, rows
}

// providerIDFor resolves a listing's payout identity for a settlement
// row's audit trail. A resolution failure never blocks finalize — it
// just leaves the row's provider identity blank for later reconciliation.
func (e *Engine) providerIDFor(ctx context.Context, listingID string) string {
	listing, err := e.resolver.ResolveByID(ctx, listingID)
	if err != nil {
		e.log.Warn().Err(err).Str("listing_id", listingID).Msg("settlement row provider lookup failed")
		return ""
	}
	return listing.ProviderPayoutAddr
}

func (e *Engine) loadStoredResult(ctx context.Context, sess store.BundleSession) (FinalizeResult, error) {
	rows, err := e.store.ListSettlementRows(ctx, sess.ID)
	if err != nil {
		return FinalizeResult{}, apierrors.New(apierrors.CodeInternalError, "settlement row lookup failed")
	}
	return FinalizeResult{Session: sess, Rows: rows}, nil
}

func (e *Engine) reloadAfterConflict(ctx context.Context, sessionID string) (FinalizeResult, error) {
	refreshed, err := e.store.LookupBundleSession(ctx, sessionID)
	if err == nil && refreshed.Status == store.BundleFinalized {
		return e.loadStoredResult(ctx, refreshed)
	}
	return FinalizeResult{}, apierrors.New(apierrors.CodeConflict, "bundle session finalize collided with a concurrent caller")
}

// selectSteps groups txs (already ordered by step index ascending, then
// createdAt descending) by bundle-step-index, keeping the first entry per
// index — the newest, per the secondary sort — as selected and routing
// every other entry, plus any with a negative index, to failed.
func selectSteps(txs []store.TransactionRecord) (selected, failed []store.TransactionRecord) {
	seen := make(map[int]bool, len(txs))
	for _, tx := range txs {
		if tx.BundleStepIndex < 0 {
			failed = append(failed, tx)
			continue
		}
		if seen[tx.BundleStepIndex] {
			failed = append(failed, tx)
			continue
		}
		seen[tx.BundleStepIndex] = true
		selected = append(selected, tx)
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].BundleStepIndex < selected[j].BundleStepIndex
	})
	return selected, failed
}

// discountFraction implements §4.7.3 step 6: d = 0 if registered-gross is
// zero, else the shortfall between registered-gross and target, clamped
// to [0, 0.95].
func discountFraction(registeredGross, target money.Decimal6) float64 {
	if registeredGross.IsZero() {
		return 0
	}
	d := float64(registeredGross.Sub(target).Micros()) / float64(registeredGross.Micros())
	if d < 0 {
		d = 0
	}
	if d > maxDiscountFraction {
		d = maxDiscountFraction
	}
	return d
}

// roundWeight rounds num/den to 8 decimal places, per §4.7.3's "weight
// rounded to 8 decimals" audit requirement.
func roundWeight(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(num/den*1e8) / 1e8
}
