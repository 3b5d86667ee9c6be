package bundle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/reqctx"
	"github.com/nexusx/gateway/internal/store"
)

type fakeStore struct {
	sessions    map[string]store.BundleSession
	txs         map[string][]store.TransactionRecord
	settlements map[string][]store.SettlementRow
	wallets     map[string]int64

	claimErr    error
	finalizeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:    make(map[string]store.BundleSession),
		txs:         make(map[string][]store.TransactionRecord),
		settlements: make(map[string][]store.SettlementRow),
		wallets:     make(map[string]int64),
	}
}

func (f *fakeStore) RegisterBundleSession(ctx context.Context, session store.BundleSession) error {
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) LookupBundleSession(ctx context.Context, id string) (store.BundleSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return store.BundleSession{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ClaimBundleSessionInProgress(ctx context.Context, id, buyerID string) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	s := f.sessions[id]
	if s.Status != store.BundleRegistered {
		return store.ErrConflict
	}
	s.Status = store.BundleInProgress
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) ExpireBundleSession(ctx context.Context, id string) error {
	s := f.sessions[id]
	s.Status = store.BundleExpired
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) ListBundleStepTransactions(ctx context.Context, bundleSessionID string) ([]store.TransactionRecord, error) {
	return f.txs[bundleSessionID], nil
}

func (f *fakeStore) FinalizeBundleSession(ctx context.Context, session store.BundleSession, settlements []store.TransactionSettlement, rows []store.SettlementRow) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	existing := f.sessions[session.ID]
	if existing.Status == store.BundleFinalized {
		return store.ErrConflict
	}
	f.sessions[session.ID] = session
	f.settlements[session.ID] = rows
	return nil
}

func (f *fakeStore) ListSettlementRows(ctx context.Context, bundleSessionID string) ([]store.SettlementRow, error) {
	return f.settlements[bundleSessionID], nil
}

func (f *fakeStore) DebitWallet(ctx context.Context, userID string, amount money.Decimal6) error {
	bal := f.wallets[userID]
	if bal < amount.Micros() {
		return store.ErrConflict
	}
	f.wallets[userID] = bal - amount.Micros()
	return nil
}

type fakeResolver struct {
	bySlug map[string]store.Listing
	byID   map[string]store.Listing
}

func (r *fakeResolver) ResolveBySlug(ctx context.Context, slug string) (store.Listing, error) {
	l, ok := r.bySlug[slug]
	if !ok {
		return store.Listing{}, store.ErrNotFound
	}
	return l, nil
}

func (r *fakeResolver) ResolveByID(ctx context.Context, id string) (store.Listing, error) {
	l, ok := r.byID[id]
	if !ok {
		return store.Listing{}, store.ErrNotFound
	}
	return l, nil
}

func newResolver() *fakeResolver {
	a := store.Listing{ID: "lst_a", Slug: "tool-a", Status: store.ListingActive, CurrentPrice: money.MustFromMajor("1.00"), ProviderPayoutAddr: "provider-a"}
	b := store.Listing{ID: "lst_b", Slug: "tool-b", Status: store.ListingActive, CurrentPrice: money.MustFromMajor("2.00"), ProviderPayoutAddr: "provider-b"}
	return &fakeResolver{
		bySlug: map[string]store.Listing{"tool-a": a, "tool-b": b},
		byID:   map[string]store.Listing{"lst_a": a, "lst_b": b},
	}
}

func TestRegister_ComputesGrossAndRejectsExcessiveTarget(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())

	sess, err := e.Register(context.Background(), RegisterInput{
		BuyerID:     "buyer_1",
		StepSlugs:   []string{"tool-a", "tool-b"},
		TargetPrice: money.MustFromMajor("2.50"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.RegisteredGrossPrice != money.MustFromMajor("3.00") {
		t.Errorf("expected gross 3.00, got %s", sess.RegisteredGrossPrice)
	}
	if sess.Status != store.BundleRegistered {
		t.Errorf("expected REGISTERED, got %s", sess.Status)
	}

	_, err = e.Register(context.Background(), RegisterInput{
		BuyerID:     "buyer_1",
		StepSlugs:   []string{"tool-a"},
		TargetPrice: money.MustFromMajor("5.00"),
	})
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for target exceeding gross, got %v", err)
	}
}

func TestRegister_UnknownSlugRejected(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())

	_, err := e.Register(context.Background(), RegisterInput{
		BuyerID:     "buyer_1",
		StepSlugs:   []string{"tool-missing"},
		TargetPrice: money.MustFromMajor("1.00"),
	})
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestAdmitStep_RejectsPayPerCall(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())
	rc := &reqctx.RequestContext{AuthMode: reqctx.AuthModePayPerCall}

	err := e.AdmitStep(context.Background(), rc, "tool-a")
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInvalidBundleContext {
		t.Fatalf("expected INVALID_BUNDLE_CONTEXT, got %v", err)
	}
}

func TestAdmitStep_MismatchedSlugRejected(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())

	sess := store.BundleSession{
		ID: "sess_1", BuyerID: "buyer_1", Status: store.BundleRegistered,
		StepSlugs: []string{"tool-a", "tool-b"}, ExpiresAt: time.Now().Add(time.Hour),
	}
	s.sessions[sess.ID] = sess

	rc := &reqctx.RequestContext{AuthMode: reqctx.AuthModeAPIKey, BuyerID: "buyer_1", BundleSessionID: "sess_1", BundleStepIndex: 0}
	if err := e.AdmitStep(context.Background(), rc, "tool-b"); err == nil {
		t.Fatal("expected BUNDLE_STEP_MISMATCH error, got nil")
	} else if apiErr, ok := apierrors.As(err); !ok || apiErr.Code != apierrors.CodeBundleStepMismatch {
		t.Fatalf("expected BUNDLE_STEP_MISMATCH, got %v", err)
	}

	if err := e.AdmitStep(context.Background(), rc, "tool-a"); err != nil {
		t.Fatalf("expected first step to be admitted, got %v", err)
	}
	if s.sessions["sess_1"].Status != store.BundleInProgress {
		t.Errorf("expected session claimed IN_PROGRESS after first step, got %s", s.sessions["sess_1"].Status)
	}
}

func TestAdmitStep_ExpiredSessionRejected(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())

	sess := store.BundleSession{
		ID: "sess_1", BuyerID: "buyer_1", Status: store.BundleRegistered,
		StepSlugs: []string{"tool-a"}, ExpiresAt: time.Now().Add(-time.Minute),
	}
	s.sessions[sess.ID] = sess

	rc := &reqctx.RequestContext{AuthMode: reqctx.AuthModeAPIKey, BuyerID: "buyer_1", BundleSessionID: "sess_1", BundleStepIndex: 0}
	err := e.AdmitStep(context.Background(), rc, "tool-a")
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeBundleSessionExpired {
		t.Fatalf("expected BUNDLE_SESSION_EXPIRED, got %v", err)
	}
}

func TestFinalize_AllocatesExactlyAndDebitsBilledAmount(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())
	s.wallets["buyer_1"] = money.MustFromMajor("100.00").Micros()

	sess := store.BundleSession{
		ID: "sess_1", BuyerID: "buyer_1", Status: store.BundleInProgress,
		StepSlugs:            []string{"tool-a", "tool-b"},
		RegisteredGrossPrice: money.MustFromMajor("3.00"),
		TargetBundlePrice:    money.MustFromMajor("2.50"),
		PlatformFeeRate:      money.RateFromFloat(0.10),
		ExpiresAt:            time.Now().Add(time.Hour),
	}
	s.sessions[sess.ID] = sess
	s.txs[sess.ID] = []store.TransactionRecord{
		{RequestID: "req_a", ListingID: "lst_a", BundleSessionID: sess.ID, BundleStepIndex: 0, Status: store.TransactionPending, Price: money.MustFromMajor("1.00")},
		{RequestID: "req_b", ListingID: "lst_b", BundleSessionID: sess.ID, BundleStepIndex: 1, Status: store.TransactionPending, Price: money.MustFromMajor("2.00")},
	}

	result, err := e.Finalize(context.Background(), FinalizeInput{SessionID: sess.ID, BuyerID: "buyer_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Session.Status != store.BundleFinalized {
		t.Fatalf("expected FINALIZED, got %s", result.Session.Status)
	}

	var sumAlloc money.Decimal6
	for _, row := range result.Rows {
		sumAlloc = sumAlloc.Add(row.AllocatedPrice)
	}
	if sumAlloc != result.Session.BilledPrice {
		t.Errorf("allocated rows must sum exactly to billed price: sum=%s billed=%s", sumAlloc, result.Session.BilledPrice)
	}

	wantBalance := money.MustFromMajor("100.00").Micros() - result.Session.BilledPrice.Micros()
	if s.wallets["buyer_1"] != wantBalance {
		t.Errorf("expected wallet debited by billed price, got balance %d want %d", s.wallets["buyer_1"], wantBalance)
	}
}

func TestFinalize_DuplicateStepIndexFailsRunnerUp(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())
	s.wallets["buyer_1"] = money.MustFromMajor("100.00").Micros()

	sess := store.BundleSession{
		ID: "sess_1", BuyerID: "buyer_1", Status: store.BundleInProgress,
		StepSlugs:            []string{"tool-a"},
		RegisteredGrossPrice: money.MustFromMajor("1.00"),
		TargetBundlePrice:    money.MustFromMajor("1.00"),
		ExpiresAt:            time.Now().Add(time.Hour),
	}
	s.sessions[sess.ID] = sess
	older := time.Now().Add(-time.Minute)
	newer := time.Now()
	s.txs[sess.ID] = []store.TransactionRecord{
		{RequestID: "req_old", ListingID: "lst_a", BundleSessionID: sess.ID, BundleStepIndex: 0, Status: store.TransactionPending, Price: money.MustFromMajor("1.00"), CreatedAt: older},
		{RequestID: "req_new", ListingID: "lst_a", BundleSessionID: sess.ID, BundleStepIndex: 0, Status: store.TransactionPending, Price: money.MustFromMajor("1.00"), CreatedAt: newer},
	}
	// Emulate the store-layer ordering contract (index asc, createdAt desc).
	s.txs[sess.ID][0], s.txs[sess.ID][1] = s.txs[sess.ID][1], s.txs[sess.ID][0]

	result, err := e.Finalize(context.Background(), FinalizeInput{SessionID: sess.ID, BuyerID: "buyer_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected exactly one settled row, got %d", len(result.Rows))
	}
	if result.Rows[0].TransactionID != "req_new" {
		t.Errorf("expected the newest duplicate to win, got %s", result.Rows[0].TransactionID)
	}
}

func TestFinalize_IdempotentOnAlreadyFinalizedSession(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())

	sess := store.BundleSession{ID: "sess_1", BuyerID: "buyer_1", Status: store.BundleFinalized, BilledPrice: money.MustFromMajor("1.00")}
	s.sessions[sess.ID] = sess
	s.settlements[sess.ID] = []store.SettlementRow{{BundleSessionID: sess.ID, TransactionID: "req_a", AllocatedPrice: money.MustFromMajor("1.00")}}

	result, err := e.Finalize(context.Background(), FinalizeInput{SessionID: sess.ID, BuyerID: "buyer_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected stored settlement row to be returned, got %d", len(result.Rows))
	}
}

func TestFinalize_InsufficientFunds(t *testing.T) {
	s := newFakeStore()
	e := New(s, newResolver(), zerolog.Nop())

	sess := store.BundleSession{
		ID: "sess_1", BuyerID: "buyer_1", Status: store.BundleInProgress,
		StepSlugs:            []string{"tool-a"},
		RegisteredGrossPrice: money.MustFromMajor("1.00"),
		TargetBundlePrice:    money.MustFromMajor("1.00"),
		ExpiresAt:            time.Now().Add(time.Hour),
	}
	s.sessions[sess.ID] = sess
	s.txs[sess.ID] = []store.TransactionRecord{
		{RequestID: "req_a", ListingID: "lst_a", BundleSessionID: sess.ID, BundleStepIndex: 0, Status: store.TransactionPending, Price: money.MustFromMajor("1.00")},
	}

	_, err := e.Finalize(context.Background(), FinalizeInput{SessionID: sess.ID, BuyerID: "buyer_1"})
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
}
