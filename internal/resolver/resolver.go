// Package resolver implements the route-resolution cache that sits
// between the gateway's request path and the listing catalog store.
// The forward/reverse dual-map plus background sweeper is modeled on
// the teacher's internal/products and internal/coupons
// cached_repository.go write-through/TTL-cache pattern, generalized
// here to slug+id dual indexing with an explicit cache-admission rule.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/store"
)

// ListingLookup is the subset of store.Store the resolver depends on.
type ListingLookup interface {
	LookupListingBySlug(ctx context.Context, slug string) (store.Listing, error)
	LookupListingByID(ctx context.Context, id string) (store.Listing, error)
}

// Breaker isolates a call to an external dependency, matching
// internal/circuitbreaker.Manager.Execute bound to one ServiceType
// without requiring this package to import circuitbreaker directly.
type Breaker func(fn func() (interface{}, error)) (interface{}, error)

type cacheEntry struct {
	listing   store.Listing
	expiresAt time.Time
}

// Resolver caches listing lookups for ttl, evicting stale entries via a
// background sweeper running at 2*ttl.
type Resolver struct {
	lookup  ListingLookup
	ttl     time.Duration
	breaker Breaker

	mu      sync.RWMutex
	bySlug  map[string]cacheEntry
	byID    map[string]string // listing id -> slug

	stop chan struct{}
}

// New returns a Resolver backed by lookup, caching entries for ttl and
// starting its background sweeper. A nil breaker runs lookups
// unprotected; pass a Manager bound to ServicePersistence to isolate a
// cache miss storm from a degraded store.
func New(lookup ListingLookup, ttl time.Duration, breaker Breaker) *Resolver {
	r := &Resolver{
		lookup:  lookup,
		ttl:     ttl,
		breaker: breaker,
		bySlug:  make(map[string]cacheEntry),
		byID:    make(map[string]string),
		stop:    make(chan struct{}),
	}
	go r.runSweeper()
	return r
}

func (r *Resolver) execute(fn func() (store.Listing, error)) (store.Listing, error) {
	if r.breaker == nil {
		return fn()
	}
	result, err := r.breaker(func() (interface{}, error) {
		listing, err := fn()
		return listing, err
	})
	if err != nil {
		return store.Listing{}, err
	}
	return result.(store.Listing), nil
}

// cacheable reports whether a listing's lifecycle permits caching. Only
// ACTIVE and PAUSED listings are admitted; SUSPENDED listings are
// returned on every call so a re-activation is observed immediately.
func cacheable(l store.Listing) bool {
	return l.Status == store.ListingActive || l.Status == store.ListingPaused
}

// ResolveBySlug returns the listing for slug, serving from cache when
// fresh. Store faults are wrapped as a retriable INTERNAL_ERROR; a
// missing listing is returned as store.ErrNotFound unchanged so callers
// can map it to LISTING_NOT_FOUND themselves.
func (r *Resolver) ResolveBySlug(ctx context.Context, slug string) (store.Listing, error) {
	r.mu.RLock()
	if entry, ok := r.bySlug[slug]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.RUnlock()
		return entry.listing, nil
	}
	r.mu.RUnlock()

	listing, err := r.execute(func() (store.Listing, error) { return r.lookup.LookupListingBySlug(ctx, slug) })
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Listing{}, err
		}
		return store.Listing{}, apierrors.New(apierrors.CodeInternalError, "route resolution failed")
	}

	if cacheable(listing) {
		r.put(listing)
	}
	return listing, nil
}

// ResolveByID returns the listing for id via the reverse index,
// falling back to a direct store lookup on a cache miss.
func (r *Resolver) ResolveByID(ctx context.Context, id string) (store.Listing, error) {
	r.mu.RLock()
	if slug, ok := r.byID[id]; ok {
		if entry, ok := r.bySlug[slug]; ok && time.Now().Before(entry.expiresAt) {
			r.mu.RUnlock()
			return entry.listing, nil
		}
	}
	r.mu.RUnlock()

	listing, err := r.execute(func() (store.Listing, error) { return r.lookup.LookupListingByID(ctx, id) })
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Listing{}, err
		}
		return store.Listing{}, apierrors.New(apierrors.CodeInternalError, "route resolution failed")
	}

	if cacheable(listing) {
		r.put(listing)
	}
	return listing, nil
}

func (r *Resolver) put(listing store.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlug[listing.Slug] = cacheEntry{listing: listing, expiresAt: time.Now().Add(r.ttl)}
	r.byID[listing.ID] = listing.Slug
}

// Invalidate removes slug (and its reverse index entry) from the
// cache.
func (r *Resolver) Invalidate(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.bySlug[slug]
	if !ok {
		return
	}
	delete(r.byID, entry.listing.ID)
	delete(r.bySlug, slug)
}

// InvalidateAll clears the entire cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlug = make(map[string]cacheEntry)
	r.byID = make(map[string]string)
}

func (r *Resolver) runSweeper() {
	ticker := time.NewTicker(2 * r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Resolver) sweep() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for slug, entry := range r.bySlug {
		if now.After(entry.expiresAt) {
			delete(r.byID, entry.listing.ID)
			delete(r.bySlug, slug)
		}
	}
}

// Close stops the background sweeper.
func (r *Resolver) Close() {
	close(r.stop)
}
