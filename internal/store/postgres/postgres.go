// Package postgres implements store.Store on PostgreSQL via database/sql
// and lib/pq, using serializable transactions and RowsAffected-gated
// compare-and-swap updates for the bundle-finalize state machine.
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nexusx/gateway/internal/config"
	"github.com/nexusx/gateway/internal/metrics"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db      *sql.DB
	ownsDB  bool
	metrics *metrics.Metrics
}

// New opens a PostgreSQL-backed store and ensures its schema exists.
func New(connectionString string, pool config.PostgresPoolConfig) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, pool)

	s := &Store{db: db, ownsDB: true}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithMetrics attaches m so the store's hottest queries (listing
// lookup, transaction persistence) report their duration via
// metrics.MeasureDBQuery.
func (s *Store) WithMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// NewWithDB wraps an existing connection pool, used when the gateway shares
// one pool across multiple collaborators.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.createTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 10*time.Second)
}

func (s *Store) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			prefix TEXT UNIQUE NOT NULL,
			secret_hash BYTEA NOT NULL,
			status TEXT NOT NULL,
			rate_limit_rpm INTEGER NOT NULL DEFAULT 60,
			ip_allow_list TEXT[] DEFAULT '{}',
			expires_at TIMESTAMPTZ,
			wallet_address TEXT NOT NULL DEFAULT '',
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			slug TEXT UNIQUE NOT NULL,
			upstream_base_url TEXT NOT NULL,
			capacity_per_minute INTEGER NOT NULL DEFAULT 0,
			current_price_micros BIGINT NOT NULL,
			floor_price_micros BIGINT NOT NULL,
			provider_payout_addr TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			sandbox BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			request_id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			billing_mode TEXT NOT NULL,
			bundle_session_id TEXT NOT NULL DEFAULT '',
			bundle_step_index INTEGER NOT NULL DEFAULT 0,
			settled_via_bundle BOOLEAN NOT NULL DEFAULT FALSE,
			price_micros BIGINT NOT NULL,
			platform_fee_micros BIGINT NOT NULL,
			provider_amount_micros BIGINT NOT NULL,
			fee_rate_applied BIGINT NOT NULL,
			quoted JSONB,
			response_time_ms BIGINT NOT NULL,
			http_status INTEGER NOT NULL,
			bytes_transferred BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_sessions (
			id TEXT PRIMARY KEY,
			buyer_id TEXT NOT NULL,
			api_key_id TEXT NOT NULL DEFAULT '',
			bundle_slug TEXT NOT NULL,
			step_slugs TEXT[] NOT NULL,
			status TEXT NOT NULL,
			registered_gross_price_micros BIGINT NOT NULL,
			target_bundle_price_micros BIGINT NOT NULL,
			executed_gross_price_micros BIGINT NOT NULL DEFAULT 0,
			billed_price_micros BIGINT NOT NULL DEFAULT 0,
			discount_micros BIGINT NOT NULL DEFAULT 0,
			platform_fee_micros BIGINT NOT NULL DEFAULT 0,
			provider_pool_micros BIGINT NOT NULL DEFAULT 0,
			platform_fee_rate BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_settlement_rows (
			bundle_session_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			listing_id TEXT NOT NULL,
			list_price_micros BIGINT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			allocated_price_micros BIGINT NOT NULL,
			platform_fee_micros BIGINT NOT NULL,
			provider_amount_micros BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_balances (
			user_id TEXT PRIMARY KEY,
			balance_micros BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) LookupAPIKey(ctx context.Context, prefix string) (store.APIKeyRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var rec store.APIKeyRecord
	var hash []byte
	var allow pq.StringArray
	var expiresAt sql.NullTime

	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, prefix, secret_hash, status, rate_limit_rpm,
		       ip_allow_list, expires_at, wallet_address
		FROM api_keys WHERE prefix = $1`, prefix)
	if err := row.Scan(&rec.ID, &rec.OwnerUserID, &rec.Prefix, &hash, &rec.Status,
		&rec.RateLimitRPM, &allow, &expiresAt, &rec.WalletAddress); err != nil {
		if err == sql.ErrNoRows {
			return store.APIKeyRecord{}, store.ErrNotFound
		}
		return store.APIKeyRecord{}, err
	}
	copy(rec.SecretHash[:], hash)
	rec.IPAllowList = []string(allow)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return rec, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

func (s *Store) LookupListingBySlug(ctx context.Context, slug string) (store.Listing, error) {
	return s.lookupListing(ctx, "slug", slug)
}

func (s *Store) LookupListingByID(ctx context.Context, id string) (store.Listing, error) {
	return s.lookupListing(ctx, "id", id)
}

func (s *Store) lookupListing(ctx context.Context, column, value string) (store.Listing, error) {
	defer metrics.MeasureDBQuery(s.metrics, "lookup_listing", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var l store.Listing
	var currentMicros, floorMicros int64
	query := fmt.Sprintf(`
		SELECT id, slug, upstream_base_url, capacity_per_minute, current_price_micros,
		       floor_price_micros, provider_payout_addr, status, sandbox
		FROM listings WHERE %s = $1`, column)
	row := s.db.QueryRowContext(ctx, query, value)
	if err := row.Scan(&l.ID, &l.Slug, &l.UpstreamBaseURL, &l.CapacityPerMinute, &currentMicros,
		&floorMicros, &l.ProviderPayoutAddr, &l.Status, &l.Sandbox); err != nil {
		if err == sql.ErrNoRows {
			return store.Listing{}, store.ErrNotFound
		}
		return store.Listing{}, err
	}
	l.CurrentPrice = money.FromMicros(currentMicros)
	l.FloorPrice = money.FromMicros(floorMicros)
	return l, nil
}

func (s *Store) PersistTransaction(ctx context.Context, rec store.TransactionRecord) error {
	defer metrics.MeasureDBQuery(s.metrics, "persist_transaction", "postgres")()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var quotedJSON []byte
	if rec.Quoted != nil {
		var err error
		quotedJSON, err = json.Marshal(rec.Quoted)
		if err != nil {
			return fmt.Errorf("marshal quoted amounts: %w", err)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (request_id, listing_id, buyer_id, status, billing_mode,
			bundle_session_id, bundle_step_index, settled_via_bundle, price_micros,
			platform_fee_micros, provider_amount_micros, fee_rate_applied, quoted,
			response_time_ms, http_status, bytes_transferred, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.ListingID, rec.BuyerID, rec.Status, rec.BillingMode,
		rec.BundleSessionID, rec.BundleStepIndex, rec.SettledViaBundle, rec.Price.Micros(),
		rec.PlatformFee.Micros(), rec.ProviderAmount.Micros(), int64(rec.FeeRateApplied), quotedJSON,
		rec.ResponseTimeMs, rec.HTTPStatus, rec.BytesTransferred, rec.CreatedAt.UTC())
	return err
}

func (s *Store) RegisterBundleSession(ctx context.Context, sess store.BundleSession) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.UpdatedAt = sess.CreatedAt

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO bundle_sessions (id, buyer_id, api_key_id, bundle_slug, step_slugs, status,
			registered_gross_price_micros, target_bundle_price_micros, platform_fee_rate,
			expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.BuyerID, sess.APIKeyID, sess.BundleSlug, pq.Array(sess.StepSlugs), sess.Status,
		sess.RegisteredGrossPrice.Micros(), sess.TargetBundlePrice.Micros(), int64(sess.PlatformFeeRate),
		sess.ExpiresAt, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) LookupBundleSession(ctx context.Context, id string) (store.BundleSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var sess store.BundleSession
	var stepSlugs pq.StringArray
	var registered, target, executed, billed, discount, fee, pool int64
	var feeRate int64

	row := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, api_key_id, bundle_slug, step_slugs, status,
		       registered_gross_price_micros, target_bundle_price_micros, executed_gross_price_micros,
		       billed_price_micros, discount_micros, platform_fee_micros, provider_pool_micros,
		       platform_fee_rate, expires_at, created_at, updated_at
		FROM bundle_sessions WHERE id = $1`, id)
	if err := row.Scan(&sess.ID, &sess.BuyerID, &sess.APIKeyID, &sess.BundleSlug, &stepSlugs, &sess.Status,
		&registered, &target, &executed, &billed, &discount, &fee, &pool, &feeRate,
		&sess.ExpiresAt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return store.BundleSession{}, store.ErrNotFound
		}
		return store.BundleSession{}, err
	}
	sess.StepSlugs = []string(stepSlugs)
	sess.RegisteredGrossPrice = money.FromMicros(registered)
	sess.TargetBundlePrice = money.FromMicros(target)
	sess.ExecutedGrossPrice = money.FromMicros(executed)
	sess.BilledPrice = money.FromMicros(billed)
	sess.Discount = money.FromMicros(discount)
	sess.PlatformFee = money.FromMicros(fee)
	sess.ProviderPool = money.FromMicros(pool)
	sess.PlatformFeeRate = money.Rate4(feeRate)
	return sess, nil
}

// ClaimBundleSessionInProgress performs the compare-and-swap transition
// REGISTERED -> IN_PROGRESS used on first-step admission.
func (s *Store) ClaimBundleSessionInProgress(ctx context.Context, id, buyerID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE bundle_sessions SET status = $1, updated_at = now()
		WHERE id = $2 AND buyer_id = $3 AND status = $4`,
		store.BundleInProgress, id, buyerID, store.BundleRegistered)
	if err != nil {
		return fmt.Errorf("cas claim: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

// ExpireBundleSession performs the compare-and-swap transition
// REGISTERED/IN_PROGRESS -> EXPIRED used when finalize observes a past
// expiry.
func (s *Store) ExpireBundleSession(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE bundle_sessions SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN ('REGISTERED', 'IN_PROGRESS')`,
		store.BundleExpired, id)
	if err != nil {
		return fmt.Errorf("cas expire: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

// ListBundleStepTransactions returns every PENDING or CONFIRMED
// transaction recorded against bundleSessionID, ordered by step index
// ascending then createdAt descending.
func (s *Store) ListBundleStepTransactions(ctx context.Context, bundleSessionID string) ([]store.TransactionRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, listing_id, buyer_id, status, billing_mode, bundle_session_id,
		       bundle_step_index, settled_via_bundle, price_micros, platform_fee_micros,
		       provider_amount_micros, fee_rate_applied, quoted, response_time_ms,
		       http_status, bytes_transferred, created_at
		FROM transactions
		WHERE bundle_session_id = $1 AND status IN ('PENDING', 'CONFIRMED')
		ORDER BY bundle_step_index ASC, created_at DESC`, bundleSessionID)
	if err != nil {
		return nil, fmt.Errorf("list bundle step transactions: %w", err)
	}
	defer rows.Close()

	var out []store.TransactionRecord
	for rows.Next() {
		var rec store.TransactionRecord
		var priceMicros, feeMicros, providerMicros int64
		var feeRate int64
		var quotedJSON []byte
		if err := rows.Scan(&rec.RequestID, &rec.ListingID, &rec.BuyerID, &rec.Status, &rec.BillingMode,
			&rec.BundleSessionID, &rec.BundleStepIndex, &rec.SettledViaBundle, &priceMicros, &feeMicros,
			&providerMicros, &feeRate, &quotedJSON, &rec.ResponseTimeMs, &rec.HTTPStatus,
			&rec.BytesTransferred, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bundle step transaction: %w", err)
		}
		rec.Price = money.FromMicros(priceMicros)
		rec.PlatformFee = money.FromMicros(feeMicros)
		rec.ProviderAmount = money.FromMicros(providerMicros)
		rec.FeeRateApplied = money.Rate4(feeRate)
		if len(quotedJSON) > 0 {
			var q store.QuotedAmounts
			if err := json.Unmarshal(quotedJSON, &q); err != nil {
				return nil, fmt.Errorf("unmarshal quoted amounts: %w", err)
			}
			rec.Quoted = &q
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FinalizeBundleSession performs the compare-and-swap transition into
// FINALIZED inside a serializable transaction: the UPDATE's WHERE clause
// pins the expected pre-finalize statuses, and a zero RowsAffected means
// another caller already finalized (or expired) the session. Step
// transaction settlements and settlement rows are written in the same
// transaction so a partial failure never leaves the session FINALIZED
// with unsettled steps.
func (s *Store) FinalizeBundleSession(ctx context.Context, sess store.BundleSession, settlements []store.TransactionSettlement, rows []store.SettlementRow) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE bundle_sessions
		SET status = $1, executed_gross_price_micros = $2, billed_price_micros = $3,
		    discount_micros = $4, platform_fee_micros = $5, provider_pool_micros = $6,
		    updated_at = now()
		WHERE id = $7 AND status IN ('REGISTERED', 'IN_PROGRESS')`,
		store.BundleFinalized, sess.ExecutedGrossPrice.Micros(), sess.BilledPrice.Micros(),
		sess.Discount.Micros(), sess.PlatformFee.Micros(), sess.ProviderPool.Micros(), sess.ID)
	if err != nil {
		return fmt.Errorf("cas finalize: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}

	for _, u := range settlements {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET status = $1, price_micros = $2, platform_fee_micros = $3,
			    provider_amount_micros = $4, fee_rate_applied = $5, settled_via_bundle = $6
			WHERE request_id = $7`,
			u.Status, u.Price.Micros(), u.PlatformFee.Micros(), u.ProviderAmount.Micros(),
			int64(u.FeeRateApplied), u.SettledViaBundle, u.RequestID); err != nil {
			return fmt.Errorf("settle step transaction %s: %w", u.RequestID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bundle_settlement_rows WHERE bundle_session_id = $1`, sess.ID); err != nil {
		return fmt.Errorf("clear settlement rows: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bundle_settlement_rows (bundle_session_id, transaction_id, provider_id,
				listing_id, list_price_micros, weight, allocated_price_micros, platform_fee_micros,
				provider_amount_micros)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			r.BundleSessionID, r.TransactionID, r.ProviderID, r.ListingID, r.ListPrice.Micros(),
			r.Weight, r.AllocatedPrice.Micros(), r.PlatformFee.Micros(), r.ProviderAmount.Micros()); err != nil {
			return fmt.Errorf("insert settlement row: %w", err)
		}
	}

	return tx.Commit()
}

// DebitWallet performs the balance CAS via an UPDATE ... WHERE balance >=
// amount guard, returning store.ErrConflict when it would overdraw.
func (s *Store) DebitWallet(ctx context.Context, userID string, amount money.Decimal6) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_balances (user_id, balance_micros) VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE wallet_balances SET balance_micros = balance_micros - $2
		WHERE user_id = $1 AND balance_micros >= $2`, userID, amount.Micros())
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) DeleteAndInsertSettlementRows(ctx context.Context, bundleSessionID string, rows []store.SettlementRow) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bundle_settlement_rows WHERE bundle_session_id = $1`, bundleSessionID); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bundle_settlement_rows (bundle_session_id, transaction_id, provider_id,
				listing_id, list_price_micros, weight, allocated_price_micros, platform_fee_micros,
				provider_amount_micros)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			r.BundleSessionID, r.TransactionID, r.ProviderID, r.ListingID, r.ListPrice.Micros(),
			r.Weight, r.AllocatedPrice.Micros(), r.PlatformFee.Micros(), r.ProviderAmount.Micros()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListSettlementRows(ctx context.Context, bundleSessionID string) ([]store.SettlementRow, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_session_id, transaction_id, provider_id, listing_id, list_price_micros,
		       weight, allocated_price_micros, platform_fee_micros, provider_amount_micros
		FROM bundle_settlement_rows WHERE bundle_session_id = $1`, bundleSessionID)
	if err != nil {
		return nil, fmt.Errorf("list settlement rows: %w", err)
	}
	defer rows.Close()

	var out []store.SettlementRow
	for rows.Next() {
		var r store.SettlementRow
		var listPrice, allocated, fee, provider int64
		if err := rows.Scan(&r.BundleSessionID, &r.TransactionID, &r.ProviderID, &r.ListingID,
			&listPrice, &r.Weight, &allocated, &fee, &provider); err != nil {
			return nil, fmt.Errorf("scan settlement row: %w", err)
		}
		r.ListPrice = money.FromMicros(listPrice)
		r.AllocatedPrice = money.FromMicros(allocated)
		r.PlatformFee = money.FromMicros(fee)
		r.ProviderAmount = money.FromMicros(provider)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// HashSecret computes the SHA-256 hash stored alongside an API key record.
func HashSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}
