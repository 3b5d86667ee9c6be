package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	apierrors "github.com/nexusx/gateway/internal/errors"
	"github.com/nexusx/gateway/internal/reqctx"
	"github.com/nexusx/gateway/internal/store"
	"github.com/rs/zerolog"
)

const minSecretLength = 12

// KeyStore is the subset of store.Store the Authenticator depends on.
type KeyStore interface {
	LookupAPIKey(ctx context.Context, prefix string) (store.APIKeyRecord, error)
	TouchAPIKey(ctx context.Context, id string) error
}

// Submitter schedules a detached task, matching internal/worker.Pool's
// Submit signature without requiring this package to import it directly.
type Submitter func(task func(ctx context.Context))

// Authenticator verifies the prefix+hash API-key scheme and builds the
// per-request context every downstream stage consumes.
type Authenticator struct {
	store  KeyStore
	submit Submitter
	log    zerolog.Logger
}

// New returns an Authenticator backed by store. A nil submit falls back
// to a bare goroutine per touch; pass a worker.Pool's Submit method to
// route the bookkeeping through the bounded pool instead.
func New(s KeyStore, submit Submitter, log zerolog.Logger) *Authenticator {
	return &Authenticator{store: s, submit: submit, log: log}
}

// Authenticate extracts the presented secret, looks it up by its
// 8-character prefix, and validates status, expiry, and IP allow-list.
// Storage faults are surfaced distinctly from invalid-key failures so
// callers never conflate the two in the response.
func (a *Authenticator) Authenticate(r *http.Request) (*reqctx.RequestContext, error) {
	secret := extractSecret(r)
	if len(secret) < minSecretLength {
		return nil, apierrors.New(apierrors.CodeInvalidKey, "missing or malformed api key")
	}

	prefix := secret[:8]
	rec, err := a.store.LookupAPIKey(r.Context(), prefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.New(apierrors.CodeInvalidKey, "invalid api key")
		}
		return nil, apierrors.New(apierrors.CodeInternalError, "key lookup failed")
	}

	presentedHash := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(presentedHash[:], rec.SecretHash[:]) != 1 {
		return nil, apierrors.New(apierrors.CodeInvalidKey, "invalid api key")
	}

	if rec.Status != store.APIKeyActive {
		return nil, apierrors.New(apierrors.CodeKeyInactive, "api key is not active")
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(time.Now()) {
		return nil, apierrors.New(apierrors.CodeKeyExpired, "api key has expired")
	}

	clientIP := ClientIP(r)
	if len(rec.IPAllowList) > 0 && !ipAllowed(clientIP, rec.IPAllowList) {
		return nil, apierrors.New(apierrors.CodeIPRestricted, "client ip not permitted for this key")
	}

	if a.submit != nil {
		a.submit(func(ctx context.Context) { a.touch(rec.ID) })
	} else {
		go a.touch(rec.ID)
	}

	return &reqctx.RequestContext{
		BuyerID:      rec.OwnerUserID,
		BuyerWallet:  rec.WalletAddress,
		APIKeyID:     rec.ID,
		RateLimitRPM: rec.RateLimitRPM,
		RequestID:    newRequestID(),
		ReceivedAt:   time.Now(),
		AuthMode:     reqctx.AuthModeAPIKey,
		ClientIP:     clientIP,
	}, nil
}

func (a *Authenticator) touch(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.TouchAPIKey(ctx, keyID); err != nil {
		a.log.Warn().Err(err).Str("api_key_id", keyID).Msg("touch api key last-used-at failed")
	}
}

// extractSecret applies the Authorization: Bearer -> X-NexusX-Key ->
// api_key query parameter precedence.
func extractSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	if key := r.Header.Get("X-NexusX-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// ClientIP derives the caller's address from X-Forwarded-For's first
// entry, falling back to the transport-peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipAllowed(ip string, allowList []string) bool {
	for _, allowed := range allowList {
		if allowed == ip {
			return true
		}
	}
	return false
}

// newRequestID generates a UUIDv4 request identifier, matching the
// teacher's google/uuid convention used elsewhere for entity ids.
func newRequestID() string {
	return uuid.New().String()
}
