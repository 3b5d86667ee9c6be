// Package store defines the persistence collaborator abstraction consumed
// by the gateway's request-path and bundle-settlement components. The
// gateway never embeds a database directly; every component that needs
// durable state talks to a Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexusx/gateway/internal/money"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a compare-and-swap precondition fails
// (e.g. a bundle session has already left the expected status, or a
// wallet debit would overdraw the balance).
var ErrConflict = errors.New("store: conflict")

// ListingStatus is the lifecycle state of an upstream listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingPaused    ListingStatus = "PAUSED"
	ListingSuspended ListingStatus = "SUSPENDED"
)

// Listing is the read-only-at-request-time route record.
type Listing struct {
	ID                 string
	Slug               string
	UpstreamBaseURL    string
	CapacityPerMinute  int
	CurrentPrice       money.Decimal6
	FloorPrice         money.Decimal6
	ProviderPayoutAddr string
	Status             ListingStatus
	Sandbox            bool
}

// APIKeyStatus is the lifecycle state of an API key.
type APIKeyStatus string

const (
	APIKeyActive   APIKeyStatus = "ACTIVE"
	APIKeyInactive APIKeyStatus = "INACTIVE"
	APIKeyRevoked  APIKeyStatus = "REVOKED"
)

// APIKeyRecord is the stored representation of an issued API key. The full
// secret is never persisted — only its SHA-256 hash.
type APIKeyRecord struct {
	ID            string
	OwnerUserID   string
	Prefix        string
	SecretHash    [32]byte
	Status        APIKeyStatus
	RateLimitRPM  int
	IPAllowList   []string
	ExpiresAt     *time.Time
	WalletAddress string
}

// TransactionStatus is the settlement lifecycle of a billed transaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionConfirmed TransactionStatus = "CONFIRMED"
	TransactionFailed    TransactionStatus = "FAILED"
	TransactionRefunded  TransactionStatus = "REFUNDED"
	TransactionDisputed  TransactionStatus = "DISPUTED"
)

// BillingMode distinguishes a standalone call from a bundle-session step.
type BillingMode string

const (
	BillingIndividual BillingMode = "INDIVIDUAL"
	BillingBundleStep BillingMode = "BUNDLE_STEP"
)

// QuotedAmounts captures the pre-settlement price/fee/provider split used
// by a BUNDLE_STEP record prior to finalization.
type QuotedAmounts struct {
	Price    money.Decimal6
	Fee      money.Decimal6
	Provider money.Decimal6
}

// TransactionRecord is the write-out persisted per proxied call.
type TransactionRecord struct {
	RequestID         string
	ListingID         string
	BuyerID           string
	Status            TransactionStatus
	BillingMode       BillingMode
	BundleSessionID   string
	BundleStepIndex   int
	SettledViaBundle  bool
	Price             money.Decimal6
	PlatformFee       money.Decimal6
	ProviderAmount    money.Decimal6
	FeeRateApplied    money.Rate4
	Quoted            *QuotedAmounts
	ResponseTimeMs    int64
	HTTPStatus        int
	BytesTransferred  int64
	CreatedAt         time.Time
}

// BundleSessionStatus is the bundle-execution-session lifecycle.
type BundleSessionStatus string

const (
	BundleRegistered BundleSessionStatus = "REGISTERED"
	BundleInProgress BundleSessionStatus = "IN_PROGRESS"
	BundleFinalized  BundleSessionStatus = "FINALIZED"
	BundleExpired    BundleSessionStatus = "EXPIRED"
	BundleFailed     BundleSessionStatus = "FAILED"
	BundleCancelled  BundleSessionStatus = "CANCELLED"
)

// BundleSession is the bundle execution session aggregate.
type BundleSession struct {
	ID                  string
	BuyerID             string
	APIKeyID            string
	BundleSlug          string
	StepSlugs           []string
	Status              BundleSessionStatus
	RegisteredGrossPrice money.Decimal6
	TargetBundlePrice   money.Decimal6
	ExecutedGrossPrice  money.Decimal6
	BilledPrice         money.Decimal6
	Discount            money.Decimal6
	PlatformFee         money.Decimal6
	ProviderPool        money.Decimal6
	PlatformFeeRate     money.Rate4
	ExpiresAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SettlementRow is one provider's allocation within a finalized bundle.
type SettlementRow struct {
	BundleSessionID string
	TransactionID   string
	ProviderID      string
	ListingID       string
	ListPrice       money.Decimal6
	Weight          float64 // 8-decimal precision, sums to 1.0 across a session
	AllocatedPrice  money.Decimal6
	PlatformFee     money.Decimal6
	ProviderAmount  money.Decimal6
}

// TransactionSettlement is a per-transaction status and realized-amount
// write applied atomically alongside a bundle finalize: the selected step
// transactions move to CONFIRMED with their allocated split, and any
// runner-up PENDING transactions (duplicate step indices, or steps the
// finalize pass didn't select) move to FAILED.
type TransactionSettlement struct {
	RequestID        string
	Status           TransactionStatus
	Price            money.Decimal6
	PlatformFee      money.Decimal6
	ProviderAmount   money.Decimal6
	FeeRateApplied   money.Rate4
	SettledViaBundle bool
}

// Store captures every persistence operation the gateway's request-path
// and bundle-settlement components invoke on an external collaborator.
// Implementations must be safe for concurrent use.
type Store interface {
	// LookupAPIKey resolves a key record by its 8-character prefix.
	LookupAPIKey(ctx context.Context, prefix string) (APIKeyRecord, error)
	// TouchAPIKey records last-used-at bookkeeping; failures are never
	// surfaced to the request path (fire-and-forget by the caller).
	TouchAPIKey(ctx context.Context, id string) error

	// LookupListingBySlug resolves a listing by its human-readable slug.
	LookupListingBySlug(ctx context.Context, slug string) (Listing, error)
	// LookupListingByID resolves a listing by its opaque id (reverse lookup).
	LookupListingByID(ctx context.Context, id string) (Listing, error)

	// PersistTransaction writes a billed-call record.
	PersistTransaction(ctx context.Context, record TransactionRecord) error

	// RegisterBundleSession creates a new session in REGISTERED status.
	RegisterBundleSession(ctx context.Context, session BundleSession) error
	// LookupBundleSession resolves a session by id.
	LookupBundleSession(ctx context.Context, id string) (BundleSession, error)
	// ClaimBundleSessionInProgress performs the compare-and-swap
	// REGISTERED -> IN_PROGRESS transition used on first-step admission.
	// Returns ErrConflict if the session has already left REGISTERED.
	ClaimBundleSessionInProgress(ctx context.Context, id, buyerID string) error
	// ExpireBundleSession performs the compare-and-swap transition to
	// EXPIRED from REGISTERED or IN_PROGRESS, used when finalize observes
	// a past expiry. Returns ErrConflict if the session has already left
	// those statuses (e.g. a concurrent finalize already won).
	ExpireBundleSession(ctx context.Context, id string) error
	// ListBundleStepTransactions returns the PENDING or CONFIRMED step
	// transactions recorded against a bundle session, ordered by
	// bundle-step-index ascending then createdAt descending, for the
	// finalizer to select from.
	ListBundleStepTransactions(ctx context.Context, bundleSessionID string) ([]TransactionRecord, error)
	// FinalizeBundleSession atomically transitions a session to FINALIZED
	// (or returns ErrConflict if it has already left the expected status),
	// applying the selected step transactions' settlements, replacing the
	// session's settlement rows, and writing the session's aggregate
	// totals. The postgres backend does all of this in one transaction
	// and the memory backend under one lock; the mongo backend performs
	// them as separate writes, so a failure part-way leaves the earlier
	// writes in place.
	FinalizeBundleSession(ctx context.Context, session BundleSession, settlements []TransactionSettlement, rows []SettlementRow) error

	// DebitWallet performs an atomic compare-and-swap balance debit,
	// returning ErrConflict if the balance would go negative.
	DebitWallet(ctx context.Context, userID string, amount money.Decimal6) error

	// DeleteAndInsertSettlementRows replaces a session's settlement rows
	// (atomically in postgres and memory; as a delete followed by an
	// insert in mongo). Its only caller is the mongo backend's
	// FinalizeBundleSession.
	DeleteAndInsertSettlementRows(ctx context.Context, bundleSessionID string, rows []SettlementRow) error
	// ListSettlementRows returns a session's settlement rows, used to
	// serve the idempotent stored result when finalize is retried after
	// the session is already FINALIZED.
	ListSettlementRows(ctx context.Context, bundleSessionID string) ([]SettlementRow, error)

	Close() error
}
