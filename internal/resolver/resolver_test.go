package resolver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/store"
)

type countingLookup struct {
	listing   store.Listing
	found     bool
	bySlugN   int32
	byIDN     int32
	fault     bool
}

func (c *countingLookup) LookupListingBySlug(ctx context.Context, slug string) (store.Listing, error) {
	atomic.AddInt32(&c.bySlugN, 1)
	if c.fault {
		return store.Listing{}, context.DeadlineExceeded
	}
	if !c.found || slug != c.listing.Slug {
		return store.Listing{}, store.ErrNotFound
	}
	return c.listing, nil
}

func (c *countingLookup) LookupListingByID(ctx context.Context, id string) (store.Listing, error) {
	atomic.AddInt32(&c.byIDN, 1)
	if !c.found || id != c.listing.ID {
		return store.Listing{}, store.ErrNotFound
	}
	return c.listing, nil
}

func TestResolveBySlug_CachesWithinTTL(t *testing.T) {
	lookup := &countingLookup{listing: store.Listing{ID: "lst_1", Slug: "weather-api", Status: store.ListingActive}, found: true}
	r := New(lookup, time.Hour, nil)
	defer r.Close()

	for i := 0; i < 5; i++ {
		if _, err := r.ResolveBySlug(context.Background(), "weather-api"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if atomic.LoadInt32(&lookup.bySlugN) != 1 {
		t.Errorf("expected exactly 1 upstream lookup, got %d", lookup.bySlugN)
	}
}

func TestResolveBySlug_ExpiresAfterTTL(t *testing.T) {
	lookup := &countingLookup{listing: store.Listing{ID: "lst_1", Slug: "weather-api", Status: store.ListingActive}, found: true}
	r := New(lookup, 10*time.Millisecond, nil)
	defer r.Close()

	if _, err := r.ResolveBySlug(context.Background(), "weather-api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := r.ResolveBySlug(context.Background(), "weather-api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&lookup.bySlugN) != 2 {
		t.Errorf("expected 2 upstream lookups after expiry, got %d", lookup.bySlugN)
	}
}

func TestResolveBySlug_SuspendedNotCached(t *testing.T) {
	lookup := &countingLookup{listing: store.Listing{ID: "lst_1", Slug: "weather-api", Status: store.ListingSuspended}, found: true}
	r := New(lookup, time.Hour, nil)
	defer r.Close()

	r.ResolveBySlug(context.Background(), "weather-api")
	r.ResolveBySlug(context.Background(), "weather-api")
	if atomic.LoadInt32(&lookup.bySlugN) != 2 {
		t.Errorf("expected suspended listing to bypass cache, got %d lookups", lookup.bySlugN)
	}
}

func TestResolveBySlug_NotFoundPropagatesUnwrapped(t *testing.T) {
	lookup := &countingLookup{found: false}
	r := New(lookup, time.Hour, nil)
	defer r.Close()

	_, err := r.ResolveBySlug(context.Background(), "missing")
	if err != store.ErrNotFound {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
}

func TestResolveBySlug_StoreFaultBecomesInternalError(t *testing.T) {
	lookup := &countingLookup{fault: true}
	r := New(lookup, time.Hour, nil)
	defer r.Close()

	_, err := r.ResolveBySlug(context.Background(), "weather-api")
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInternalError {
		t.Fatalf("expected CodeInternalError, got %v", err)
	}
}

func TestResolveByID_UsesReverseIndex(t *testing.T) {
	lookup := &countingLookup{listing: store.Listing{ID: "lst_1", Slug: "weather-api", Status: store.ListingActive}, found: true}
	r := New(lookup, time.Hour, nil)
	defer r.Close()

	if _, err := r.ResolveBySlug(context.Background(), "weather-api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.ResolveByID(context.Background(), "lst_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&lookup.byIDN) != 0 {
		t.Errorf("expected reverse index to satisfy lookup without a byID call, got %d", lookup.byIDN)
	}
}

func TestInvalidate_RemovesForwardAndReverseEntries(t *testing.T) {
	lookup := &countingLookup{listing: store.Listing{ID: "lst_1", Slug: "weather-api", Status: store.ListingActive}, found: true}
	r := New(lookup, time.Hour, nil)
	defer r.Close()

	r.ResolveBySlug(context.Background(), "weather-api")
	r.Invalidate("weather-api")

	r.mu.RLock()
	_, slugPresent := r.bySlug["weather-api"]
	_, idPresent := r.byID["lst_1"]
	r.mu.RUnlock()

	if slugPresent || idPresent {
		t.Error("expected both forward and reverse entries to be removed")
	}
}
