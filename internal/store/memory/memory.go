// Package memory implements store.Store entirely in-process, matching the
// development/test backend the gateway falls back to when no database is
// configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/store"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.Mutex

	apiKeys  map[string]store.APIKeyRecord // keyed by prefix
	listings map[string]store.Listing      // keyed by slug
	byID     map[string]string             // listing id -> slug

	transactions []store.TransactionRecord
	bundles      map[string]store.BundleSession
	settlements  map[string][]store.SettlementRow
	walletBal    map[string]int64 // micro-units, keyed by userID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		apiKeys:     make(map[string]store.APIKeyRecord),
		listings:    make(map[string]store.Listing),
		byID:        make(map[string]string),
		bundles:     make(map[string]store.BundleSession),
		settlements: make(map[string][]store.SettlementRow),
		walletBal:   make(map[string]int64),
	}
}

// SeedAPIKey installs an API key record, for tests and bootstrap fixtures.
func (s *Store) SeedAPIKey(rec store.APIKeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[rec.Prefix] = rec
}

// SeedListing installs a listing record, for tests and bootstrap fixtures.
func (s *Store) SeedListing(l store.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.Slug] = l
	s.byID[l.ID] = l.Slug
}

// SeedWalletBalance sets a wallet's starting balance in micro-units.
func (s *Store) SeedWalletBalance(userID string, micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.walletBal[userID] = micros
}

func (s *Store) LookupAPIKey(ctx context.Context, prefix string) (store.APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.apiKeys[prefix]
	if !ok {
		return store.APIKeyRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	return nil
}

func (s *Store) LookupListingBySlug(ctx context.Context, slug string) (store.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[slug]
	if !ok {
		return store.Listing{}, store.ErrNotFound
	}
	return l, nil
}

func (s *Store) LookupListingByID(ctx context.Context, id string) (store.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slug, ok := s.byID[id]
	if !ok {
		return store.Listing{}, store.ErrNotFound
	}
	return s.listings[slug], nil
}

func (s *Store) PersistTransaction(ctx context.Context, record store.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.transactions = append(s.transactions, record)
	return nil
}

func (s *Store) RegisterBundleSession(ctx context.Context, session store.BundleSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bundles[session.ID]; exists {
		return store.ErrConflict
	}
	s.bundles[session.ID] = session
	return nil
}

func (s *Store) LookupBundleSession(ctx context.Context, id string) (store.BundleSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.bundles[id]
	if !ok {
		return store.BundleSession{}, store.ErrNotFound
	}
	return sess, nil
}

// ClaimBundleSessionInProgress performs the CAS transition REGISTERED ->
// IN_PROGRESS used when the first step of a bundle is proxied.
func (s *Store) ClaimBundleSessionInProgress(ctx context.Context, id, buyerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.bundles[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.BuyerID != buyerID {
		return store.ErrConflict
	}
	if sess.Status != store.BundleRegistered {
		return store.ErrConflict
	}
	sess.Status = store.BundleInProgress
	sess.UpdatedAt = time.Now()
	s.bundles[id] = sess
	return nil
}

// ExpireBundleSession performs the CAS transition REGISTERED/IN_PROGRESS
// -> EXPIRED used when finalize observes a past expiry.
func (s *Store) ExpireBundleSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.bundles[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.Status != store.BundleRegistered && sess.Status != store.BundleInProgress {
		return store.ErrConflict
	}
	sess.Status = store.BundleExpired
	sess.UpdatedAt = time.Now()
	s.bundles[id] = sess
	return nil
}

// ListBundleStepTransactions returns every PENDING or CONFIRMED
// transaction recorded against bundleSessionID, ordered by step index
// ascending then createdAt descending.
func (s *Store) ListBundleStepTransactions(ctx context.Context, bundleSessionID string) ([]store.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TransactionRecord
	for _, tx := range s.transactions {
		if tx.BundleSessionID != bundleSessionID {
			continue
		}
		if tx.Status != store.TransactionPending && tx.Status != store.TransactionConfirmed {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BundleStepIndex != out[j].BundleStepIndex {
			return out[i].BundleStepIndex < out[j].BundleStepIndex
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) FinalizeBundleSession(ctx context.Context, session store.BundleSession, settlements []store.TransactionSettlement, rows []store.SettlementRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.bundles[session.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Status != store.BundleRegistered && existing.Status != store.BundleInProgress {
		return store.ErrConflict
	}
	session.Status = store.BundleFinalized
	session.UpdatedAt = time.Now()
	s.bundles[session.ID] = session
	s.settlements[session.ID] = rows

	byRequestID := make(map[string]store.TransactionSettlement, len(settlements))
	for _, u := range settlements {
		byRequestID[u.RequestID] = u
	}
	for i, tx := range s.transactions {
		u, ok := byRequestID[tx.RequestID]
		if !ok {
			continue
		}
		tx.Status = u.Status
		tx.Price = u.Price
		tx.PlatformFee = u.PlatformFee
		tx.ProviderAmount = u.ProviderAmount
		tx.FeeRateApplied = u.FeeRateApplied
		tx.SettledViaBundle = u.SettledViaBundle
		s.transactions[i] = tx
	}
	return nil
}

func (s *Store) DebitWallet(ctx context.Context, userID string, amount money.Decimal6) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.walletBal[userID]
	micros := amount.Micros()
	if bal < micros {
		return store.ErrConflict
	}
	s.walletBal[userID] = bal - micros
	return nil
}

func (s *Store) DeleteAndInsertSettlementRows(ctx context.Context, bundleSessionID string, rows []store.SettlementRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements[bundleSessionID] = rows
	return nil
}

func (s *Store) ListSettlementRows(ctx context.Context, bundleSessionID string) ([]store.SettlementRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.settlements[bundleSessionID]
	out := make([]store.SettlementRow, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) Close() error { return nil }
