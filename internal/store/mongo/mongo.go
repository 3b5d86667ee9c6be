// Package mongo implements store.Store on MongoDB via the official driver.
// It is grounded as a read-mostly catalog store: listings and API keys are
// document collections that change rarely and benefit from Mongo's
// schema-flexible catalog modeling, while write-heavy transactional state
// (bundle CAS, wallet debits) still goes through UpdateOne with an
// explicit status/balance filter to preserve the same compare-and-swap
// guarantee the PostgreSQL backend provides. Every collection has a
// dedicated bson-tagged doc type rather than marshaling store's domain
// structs directly, so field names on the wire are pinned independent of
// Go field renames.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nexusx/gateway/internal/metrics"
	"github.com/nexusx/gateway/internal/money"
	"github.com/nexusx/gateway/internal/store"
)

// Store implements store.Store backed by MongoDB.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	listings     *mongo.Collection
	apiKeys      *mongo.Collection
	transactions *mongo.Collection
	bundles      *mongo.Collection
	settlements  *mongo.Collection
	wallets      *mongo.Collection
	metrics      *metrics.Metrics
}

// WithMetrics attaches m so the store's hottest queries report their
// duration via metrics.MeasureDBQuery.
func (s *Store) WithMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// New connects to MongoDB and ensures catalog indexes exist.
func New(connectionString, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:       client,
		db:           db,
		listings:     db.Collection("listings"),
		apiKeys:      db.Collection("api_keys"),
		transactions: db.Collection("transactions"),
		bundles:      db.Collection("bundle_sessions"),
		settlements:  db.Collection("bundle_settlement_rows"),
		wallets:      db.Collection("wallet_balances"),
	}
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.listings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create listing slug index: %w", err)
	}
	_, err = s.apiKeys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "prefix", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create api key prefix index: %w", err)
	}
	_, err = s.transactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bundleSessionId", Value: 1}, {Key: "bundleStepIndex", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create transaction bundle index: %w", err)
	}
	return nil
}

type listingDoc struct {
	ID                 string `bson:"_id"`
	Slug               string `bson:"slug"`
	UpstreamBaseURL    string `bson:"upstreamBaseUrl"`
	CapacityPerMinute  int    `bson:"capacityPerMinute"`
	CurrentPriceMicros int64  `bson:"currentPriceMicros"`
	FloorPriceMicros   int64  `bson:"floorPriceMicros"`
	ProviderPayoutAddr string `bson:"providerPayoutAddr"`
	Status             string `bson:"status"`
	Sandbox            bool   `bson:"sandbox"`
}

func (d listingDoc) toListing() store.Listing {
	return store.Listing{
		ID:                 d.ID,
		Slug:               d.Slug,
		UpstreamBaseURL:    d.UpstreamBaseURL,
		CapacityPerMinute:  d.CapacityPerMinute,
		CurrentPrice:       money.FromMicros(d.CurrentPriceMicros),
		FloorPrice:         money.FromMicros(d.FloorPriceMicros),
		ProviderPayoutAddr: d.ProviderPayoutAddr,
		Status:             store.ListingStatus(d.Status),
		Sandbox:            d.Sandbox,
	}
}

func (s *Store) LookupListingBySlug(ctx context.Context, slug string) (store.Listing, error) {
	return s.lookupListing(ctx, bson.M{"slug": slug})
}

func (s *Store) LookupListingByID(ctx context.Context, id string) (store.Listing, error) {
	return s.lookupListing(ctx, bson.M{"_id": id})
}

func (s *Store) lookupListing(ctx context.Context, filter bson.M) (store.Listing, error) {
	defer metrics.MeasureDBQuery(s.metrics, "lookup_listing", "mongo")()

	var doc listingDoc
	if err := s.listings.FindOne(ctx, filter).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return store.Listing{}, store.ErrNotFound
		}
		return store.Listing{}, err
	}
	return doc.toListing(), nil
}

type apiKeyDoc struct {
	ID            string     `bson:"_id"`
	OwnerUserID   string     `bson:"ownerUserId"`
	Prefix        string     `bson:"prefix"`
	SecretHash    []byte     `bson:"secretHash"`
	Status        string     `bson:"status"`
	RateLimitRPM  int        `bson:"rateLimitRpm"`
	IPAllowList   []string   `bson:"ipAllowList"`
	ExpiresAt     *time.Time `bson:"expiresAt,omitempty"`
	WalletAddress string     `bson:"walletAddress"`
}

func (s *Store) LookupAPIKey(ctx context.Context, prefix string) (store.APIKeyRecord, error) {
	var doc apiKeyDoc
	if err := s.apiKeys.FindOne(ctx, bson.M{"prefix": prefix}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return store.APIKeyRecord{}, store.ErrNotFound
		}
		return store.APIKeyRecord{}, err
	}
	rec := store.APIKeyRecord{
		ID:            doc.ID,
		OwnerUserID:   doc.OwnerUserID,
		Prefix:        doc.Prefix,
		Status:        store.APIKeyStatus(doc.Status),
		RateLimitRPM:  doc.RateLimitRPM,
		IPAllowList:   doc.IPAllowList,
		ExpiresAt:     doc.ExpiresAt,
		WalletAddress: doc.WalletAddress,
	}
	copy(rec.SecretHash[:], doc.SecretHash)
	return rec, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.apiKeys.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastUsedAt": time.Now()}})
	return err
}

// quotedDoc mirrors store.QuotedAmounts for bson encoding.
type quotedDoc struct {
	PriceMicros    int64 `bson:"priceMicros"`
	FeeMicros      int64 `bson:"feeMicros"`
	ProviderMicros int64 `bson:"providerMicros"`
}

type transactionDoc struct {
	ID                string     `bson:"_id"`
	ListingID         string     `bson:"listingId"`
	BuyerID           string     `bson:"buyerId"`
	Status            string     `bson:"status"`
	BillingMode       string     `bson:"billingMode"`
	BundleSessionID   string     `bson:"bundleSessionId"`
	BundleStepIndex   int        `bson:"bundleStepIndex"`
	SettledViaBundle  bool       `bson:"settledViaBundle"`
	PriceMicros       int64      `bson:"priceMicros"`
	PlatformFeeMicros int64      `bson:"platformFeeMicros"`
	ProviderMicros    int64      `bson:"providerAmountMicros"`
	FeeRateApplied    int64      `bson:"feeRateApplied"`
	Quoted            *quotedDoc `bson:"quoted,omitempty"`
	ResponseTimeMs    int64      `bson:"responseTimeMs"`
	HTTPStatus        int        `bson:"httpStatus"`
	BytesTransferred  int64      `bson:"bytesTransferred"`
	CreatedAt         time.Time  `bson:"createdAt"`
}

func transactionToDoc(rec store.TransactionRecord) transactionDoc {
	var quoted *quotedDoc
	if rec.Quoted != nil {
		quoted = &quotedDoc{
			PriceMicros:    rec.Quoted.Price.Micros(),
			FeeMicros:      rec.Quoted.Fee.Micros(),
			ProviderMicros: rec.Quoted.Provider.Micros(),
		}
	}
	return transactionDoc{
		ID:                rec.RequestID,
		ListingID:         rec.ListingID,
		BuyerID:           rec.BuyerID,
		Status:            string(rec.Status),
		BillingMode:       string(rec.BillingMode),
		BundleSessionID:   rec.BundleSessionID,
		BundleStepIndex:   rec.BundleStepIndex,
		SettledViaBundle:  rec.SettledViaBundle,
		PriceMicros:       rec.Price.Micros(),
		PlatformFeeMicros: rec.PlatformFee.Micros(),
		ProviderMicros:    rec.ProviderAmount.Micros(),
		FeeRateApplied:    int64(rec.FeeRateApplied),
		Quoted:            quoted,
		ResponseTimeMs:    rec.ResponseTimeMs,
		HTTPStatus:        rec.HTTPStatus,
		BytesTransferred:  rec.BytesTransferred,
		CreatedAt:         rec.CreatedAt,
	}
}

func (d transactionDoc) toTransaction() store.TransactionRecord {
	rec := store.TransactionRecord{
		RequestID:        d.ID,
		ListingID:        d.ListingID,
		BuyerID:          d.BuyerID,
		Status:           store.TransactionStatus(d.Status),
		BillingMode:      store.BillingMode(d.BillingMode),
		BundleSessionID:  d.BundleSessionID,
		BundleStepIndex:  d.BundleStepIndex,
		SettledViaBundle: d.SettledViaBundle,
		Price:            money.FromMicros(d.PriceMicros),
		PlatformFee:      money.FromMicros(d.PlatformFeeMicros),
		ProviderAmount:   money.FromMicros(d.ProviderMicros),
		FeeRateApplied:   money.Rate4(d.FeeRateApplied),
		ResponseTimeMs:   d.ResponseTimeMs,
		HTTPStatus:       d.HTTPStatus,
		BytesTransferred: d.BytesTransferred,
		CreatedAt:        d.CreatedAt,
	}
	if d.Quoted != nil {
		rec.Quoted = &store.QuotedAmounts{
			Price:    money.FromMicros(d.Quoted.PriceMicros),
			Fee:      money.FromMicros(d.Quoted.FeeMicros),
			Provider: money.FromMicros(d.Quoted.ProviderMicros),
		}
	}
	return rec
}

func (s *Store) PersistTransaction(ctx context.Context, rec store.TransactionRecord) error {
	defer metrics.MeasureDBQuery(s.metrics, "persist_transaction", "mongo")()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.transactions.UpdateOne(ctx,
		bson.M{"_id": rec.RequestID},
		bson.M{"$setOnInsert": transactionToDoc(rec)},
		options.Update().SetUpsert(true))
	return err
}

type bundleSessionDoc struct {
	ID                   string    `bson:"_id"`
	BuyerID              string    `bson:"buyerId"`
	APIKeyID             string    `bson:"apiKeyId"`
	BundleSlug           string    `bson:"bundleSlug"`
	StepSlugs            []string  `bson:"stepSlugs"`
	Status               string    `bson:"status"`
	RegisteredGrossMicros int64    `bson:"registeredGrossMicros"`
	TargetPriceMicros    int64     `bson:"targetPriceMicros"`
	ExecutedGrossMicros  int64     `bson:"executedGrossMicros"`
	BilledPriceMicros    int64     `bson:"billedPriceMicros"`
	DiscountMicros       int64     `bson:"discountMicros"`
	PlatformFeeMicros    int64     `bson:"platformFeeMicros"`
	ProviderPoolMicros   int64     `bson:"providerPoolMicros"`
	PlatformFeeRate      int64     `bson:"platformFeeRate"`
	ExpiresAt            time.Time `bson:"expiresAt"`
	CreatedAt            time.Time `bson:"createdAt"`
	UpdatedAt            time.Time `bson:"updatedAt"`
}

func bundleSessionToDoc(sess store.BundleSession) bundleSessionDoc {
	return bundleSessionDoc{
		ID:                    sess.ID,
		BuyerID:               sess.BuyerID,
		APIKeyID:              sess.APIKeyID,
		BundleSlug:            sess.BundleSlug,
		StepSlugs:             sess.StepSlugs,
		Status:                string(sess.Status),
		RegisteredGrossMicros: sess.RegisteredGrossPrice.Micros(),
		TargetPriceMicros:     sess.TargetBundlePrice.Micros(),
		ExecutedGrossMicros:   sess.ExecutedGrossPrice.Micros(),
		BilledPriceMicros:     sess.BilledPrice.Micros(),
		DiscountMicros:        sess.Discount.Micros(),
		PlatformFeeMicros:     sess.PlatformFee.Micros(),
		ProviderPoolMicros:    sess.ProviderPool.Micros(),
		PlatformFeeRate:       int64(sess.PlatformFeeRate),
		ExpiresAt:             sess.ExpiresAt,
		CreatedAt:             sess.CreatedAt,
		UpdatedAt:             sess.UpdatedAt,
	}
}

func (d bundleSessionDoc) toBundleSession() store.BundleSession {
	return store.BundleSession{
		ID:                   d.ID,
		BuyerID:              d.BuyerID,
		APIKeyID:             d.APIKeyID,
		BundleSlug:           d.BundleSlug,
		StepSlugs:            d.StepSlugs,
		Status:               store.BundleSessionStatus(d.Status),
		RegisteredGrossPrice: money.FromMicros(d.RegisteredGrossMicros),
		TargetBundlePrice:    money.FromMicros(d.TargetPriceMicros),
		ExecutedGrossPrice:   money.FromMicros(d.ExecutedGrossMicros),
		BilledPrice:          money.FromMicros(d.BilledPriceMicros),
		Discount:             money.FromMicros(d.DiscountMicros),
		PlatformFee:          money.FromMicros(d.PlatformFeeMicros),
		ProviderPool:         money.FromMicros(d.ProviderPoolMicros),
		PlatformFeeRate:      money.Rate4(d.PlatformFeeRate),
		ExpiresAt:            d.ExpiresAt,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

func (s *Store) RegisterBundleSession(ctx context.Context, sess store.BundleSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.UpdatedAt = sess.CreatedAt
	_, err := s.bundles.InsertOne(ctx, bundleSessionToDoc(sess))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) LookupBundleSession(ctx context.Context, id string) (store.BundleSession, error) {
	var doc bundleSessionDoc
	if err := s.bundles.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return store.BundleSession{}, store.ErrNotFound
		}
		return store.BundleSession{}, err
	}
	return doc.toBundleSession(), nil
}

// ClaimBundleSessionInProgress uses UpdateOne with a status filter
// to implement the CAS REGISTERED -> IN_PROGRESS transition used on
// first-step admission.
func (s *Store) ClaimBundleSessionInProgress(ctx context.Context, id, buyerID string) error {
	result, err := s.bundles.UpdateOne(ctx,
		bson.M{"_id": id, "buyerId": buyerID, "status": string(store.BundleRegistered)},
		bson.M{"$set": bson.M{"status": string(store.BundleInProgress), "updatedAt": time.Now()}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return store.ErrConflict
	}
	return nil
}

// ExpireBundleSession performs the compare-and-swap transition
// REGISTERED/IN_PROGRESS -> EXPIRED used when finalize observes a past
// expiry.
func (s *Store) ExpireBundleSession(ctx context.Context, id string) error {
	result, err := s.bundles.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": bson.A{string(store.BundleRegistered), string(store.BundleInProgress)}}},
		bson.M{"$set": bson.M{"status": string(store.BundleExpired), "updatedAt": time.Now()}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return store.ErrConflict
	}
	return nil
}

// ListBundleStepTransactions returns every PENDING or CONFIRMED
// transaction recorded against bundleSessionID, ordered by step index
// ascending then createdAt descending.
func (s *Store) ListBundleStepTransactions(ctx context.Context, bundleSessionID string) ([]store.TransactionRecord, error) {
	filter := bson.M{
		"bundleSessionId": bundleSessionID,
		"status":          bson.M{"$in": bson.A{string(store.TransactionPending), string(store.TransactionConfirmed)}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "bundleStepIndex", Value: 1}, {Key: "createdAt", Value: -1}})
	cur, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list bundle step transactions: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.TransactionRecord
	for cur.Next(ctx) {
		var doc transactionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode bundle step transaction: %w", err)
		}
		out = append(out, doc.toTransaction())
	}
	return out, cur.Err()
}

// FinalizeBundleSession uses UpdateOne with a status filter to
// implement the same compare-and-swap guarantee as the SQL backend's
// RowsAffected check: a matched-count of zero means the session already
// left REGISTERED/IN_PROGRESS. Mongo has no cross-collection transaction
// here (single-document atomicity per write is sufficient for this
// store's write shape), so step settlements are applied right after the
// session CAS succeeds, before the settlement rows are replaced.
func (s *Store) FinalizeBundleSession(ctx context.Context, sess store.BundleSession, settlements []store.TransactionSettlement, rows []store.SettlementRow) error {
	result, err := s.bundles.UpdateOne(ctx,
		bson.M{"_id": sess.ID, "status": bson.M{"$in": bson.A{string(store.BundleRegistered), string(store.BundleInProgress)}}},
		bson.M{"$set": bson.M{
			"status":                string(store.BundleFinalized),
			"executedGrossMicros": sess.ExecutedGrossPrice.Micros(),
			"billedPriceMicros":   sess.BilledPrice.Micros(),
			"discountMicros":      sess.Discount.Micros(),
			"platformFeeMicros":   sess.PlatformFee.Micros(),
			"providerPoolMicros":  sess.ProviderPool.Micros(),
			"updatedAt":           time.Now(),
		}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return store.ErrConflict
	}

	for _, u := range settlements {
		if _, err := s.transactions.UpdateOne(ctx,
			bson.M{"_id": u.RequestID},
			bson.M{"$set": bson.M{
				"status":               string(u.Status),
				"priceMicros":          u.Price.Micros(),
				"platformFeeMicros":    u.PlatformFee.Micros(),
				"providerAmountMicros": u.ProviderAmount.Micros(),
				"feeRateApplied":       int64(u.FeeRateApplied),
				"settledViaBundle":     u.SettledViaBundle,
			}}); err != nil {
			return fmt.Errorf("settle step transaction %s: %w", u.RequestID, err)
		}
	}

	return s.DeleteAndInsertSettlementRows(ctx, sess.ID, rows)
}

func (s *Store) DebitWallet(ctx context.Context, userID string, amount money.Decimal6) error {
	result, err := s.wallets.UpdateOne(ctx,
		bson.M{"_id": userID, "balanceMicros": bson.M{"$gte": amount.Micros()}},
		bson.M{"$inc": bson.M{"balanceMicros": -amount.Micros()}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return store.ErrConflict
	}
	return nil
}

type settlementRowDoc struct {
	BundleSessionID string  `bson:"bundleSessionId"`
	TransactionID   string  `bson:"transactionId"`
	ProviderID      string  `bson:"providerId"`
	ListingID       string  `bson:"listingId"`
	ListPriceMicros int64   `bson:"listPriceMicros"`
	Weight          float64 `bson:"weight"`
	AllocatedMicros int64   `bson:"allocatedPriceMicros"`
	FeeMicros       int64   `bson:"platformFeeMicros"`
	ProviderMicros  int64   `bson:"providerAmountMicros"`
}

func settlementRowToDoc(r store.SettlementRow) settlementRowDoc {
	return settlementRowDoc{
		BundleSessionID: r.BundleSessionID,
		TransactionID:   r.TransactionID,
		ProviderID:      r.ProviderID,
		ListingID:       r.ListingID,
		ListPriceMicros: r.ListPrice.Micros(),
		Weight:          r.Weight,
		AllocatedMicros: r.AllocatedPrice.Micros(),
		FeeMicros:       r.PlatformFee.Micros(),
		ProviderMicros:  r.ProviderAmount.Micros(),
	}
}

func (s *Store) DeleteAndInsertSettlementRows(ctx context.Context, bundleSessionID string, rows []store.SettlementRow) error {
	if _, err := s.settlements.DeleteMany(ctx, bson.M{"bundleSessionId": bundleSessionID}); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	docs := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i] = settlementRowToDoc(r)
	}
	_, err := s.settlements.InsertMany(ctx, docs)
	return err
}

func (d settlementRowDoc) toSettlementRow() store.SettlementRow {
	return store.SettlementRow{
		BundleSessionID: d.BundleSessionID,
		TransactionID:   d.TransactionID,
		ProviderID:      d.ProviderID,
		ListingID:       d.ListingID,
		ListPrice:       money.FromMicros(d.ListPriceMicros),
		Weight:          d.Weight,
		AllocatedPrice:  money.FromMicros(d.AllocatedMicros),
		PlatformFee:     money.FromMicros(d.FeeMicros),
		ProviderAmount:  money.FromMicros(d.ProviderMicros),
	}
}

func (s *Store) ListSettlementRows(ctx context.Context, bundleSessionID string) ([]store.SettlementRow, error) {
	cur, err := s.settlements.Find(ctx, bson.M{"bundleSessionId": bundleSessionID})
	if err != nil {
		return nil, fmt.Errorf("list settlement rows: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.SettlementRow
	for cur.Next(ctx) {
		var doc settlementRowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode settlement row: %w", err)
		}
		out = append(out, doc.toSettlementRow())
	}
	return out, cur.Err()
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
