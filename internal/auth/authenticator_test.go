package auth

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/store"
	"github.com/rs/zerolog"
)

type fakeStore struct {
	rec     store.APIKeyRecord
	found   bool
	touched int
}

func (f *fakeStore) LookupAPIKey(ctx context.Context, prefix string) (store.APIKeyRecord, error) {
	if !f.found || prefix != f.rec.Prefix {
		return store.APIKeyRecord{}, store.ErrNotFound
	}
	return f.rec, nil
}

func (f *fakeStore) TouchAPIKey(ctx context.Context, id string) error {
	f.touched++
	return nil
}

func newActiveKey(secret string) store.APIKeyRecord {
	hash := sha256.Sum256([]byte(secret))
	return store.APIKeyRecord{
		ID:           "key_1",
		OwnerUserID:  "user_1",
		Prefix:       secret[:8],
		SecretHash:   hash,
		Status:       store.APIKeyActive,
		RateLimitRPM: 60,
	}
}

func waitForTouch(fs *fakeStore) {
	for i := 0; i < 50; i++ {
		if fs.touched > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAuthenticate_ValidBearerToken(t *testing.T) {
	secret := "abcd1234secretvalue"
	fs := &fakeStore{rec: newActiveKey(secret), found: true}
	a := New(fs, nil, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer "+secret)

	rc, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.BuyerID != "user_1" || rc.APIKeyID != "key_1" {
		t.Errorf("unexpected context: %+v", rc)
	}
	waitForTouch(fs)
	if fs.touched != 1 {
		t.Errorf("expected TouchAPIKey to fire once, got %d", fs.touched)
	}
}

func TestAuthenticate_KeyExtractionOrder(t *testing.T) {
	secret := "zzzz9999secretvalue"
	fs := &fakeStore{rec: newActiveKey(secret), found: true}
	a := New(fs, nil, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast?api_key=wrongvaluewrongvalue", nil)
	r.Header.Set("X-NexusX-Key", secret)

	if _, err := a.Authenticate(r); err != nil {
		t.Fatalf("expected X-NexusX-Key to win over query param, got %v", err)
	}
}

func TestAuthenticate_TooShortSecretRejected(t *testing.T) {
	a := New(&fakeStore{}, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer short")

	_, err := a.Authenticate(r)
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInvalidKey {
		t.Fatalf("expected CodeInvalidKey, got %v", err)
	}
}

func TestAuthenticate_UnknownPrefixRejected(t *testing.T) {
	fs := &fakeStore{found: false}
	a := New(fs, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer nosuchkeyexists123")

	_, err := a.Authenticate(r)
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInvalidKey {
		t.Fatalf("expected CodeInvalidKey, got %v", err)
	}
}

func TestAuthenticate_WrongSecretRejected(t *testing.T) {
	fs := &fakeStore{rec: newActiveKey("abcd1234realvalue"), found: true}
	a := New(fs, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer abcd1234wrongvalue")

	_, err := a.Authenticate(r)
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInvalidKey {
		t.Fatalf("expected CodeInvalidKey, got %v", err)
	}
}

func TestAuthenticate_InactiveKeyRejected(t *testing.T) {
	rec := newActiveKey("abcd1234secretvalue")
	rec.Status = store.APIKeyRevoked
	fs := &fakeStore{rec: rec, found: true}
	a := New(fs, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer abcd1234secretvalue")

	_, err := a.Authenticate(r)
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeKeyInactive {
		t.Fatalf("expected CodeKeyInactive, got %v", err)
	}
}

func TestAuthenticate_ExpiredKeyRejected(t *testing.T) {
	rec := newActiveKey("abcd1234secretvalue")
	past := time.Now().Add(-time.Hour)
	rec.ExpiresAt = &past
	fs := &fakeStore{rec: rec, found: true}
	a := New(fs, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer abcd1234secretvalue")

	_, err := a.Authenticate(r)
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeKeyExpired {
		t.Fatalf("expected CodeKeyExpired, got %v", err)
	}
}

func TestAuthenticate_IPRestrictedRejected(t *testing.T) {
	rec := newActiveKey("abcd1234secretvalue")
	rec.IPAllowList = []string{"10.0.0.1"}
	fs := &fakeStore{rec: rec, found: true}
	a := New(fs, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer abcd1234secretvalue")
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	_, err := a.Authenticate(r)
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeIPRestricted {
		t.Fatalf("expected CodeIPRestricted, got %v", err)
	}
}

func TestAuthenticate_IPAllowedPasses(t *testing.T) {
	rec := newActiveKey("abcd1234secretvalue")
	rec.IPAllowList = []string{"203.0.113.5"}
	fs := &fakeStore{rec: rec, found: true}
	a := New(fs, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer abcd1234secretvalue")
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if _, err := a.Authenticate(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthenticate_StorageFaultIsInternalNotInvalidKey(t *testing.T) {
	a := New(&faultingStore{}, nil, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/v1/weather-api/forecast", nil)
	r.Header.Set("Authorization", "Bearer abcd1234secretvalue")

	_, err := a.Authenticate(r)
	apiErr, ok := apierrors.As(err)
	if !ok || apiErr.Code != apierrors.CodeInternalError {
		t.Fatalf("expected CodeInternalError, got %v", err)
	}
}

type faultingStore struct{}

func (faultingStore) LookupAPIKey(ctx context.Context, prefix string) (store.APIKeyRecord, error) {
	return store.APIKeyRecord{}, context.DeadlineExceeded
}

func (faultingStore) TouchAPIKey(ctx context.Context, id string) error { return nil }

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	if ip := ClientIP(r); ip != "198.51.100.9" {
		t.Errorf("got %q, want 198.51.100.9", ip)
	}
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:54321"
	if ip := ClientIP(r); ip != "192.0.2.1" {
		t.Errorf("got %q, want 192.0.2.1", ip)
	}
}
