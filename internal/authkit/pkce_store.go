package authkit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrPendingAuthorizationNotFound indicates the state was never issued, already redeemed, or expired.
var ErrPendingAuthorizationNotFound = errors.New("pkce_store.not_found")

const (
	pkceChallengeMethodS256 = "S256"
	stateByteLength         = 32
	codeVerifierByteLength  = 64
)

// PendingAuthorization is the in-flight state of one login attempt.
type PendingAuthorization struct {
	State        string
	CodeVerifier string
	CreatedAt    time.Time
}

// PKCEChallenge is the public half of a pending authorization, embedded in the authorization URL.
type PKCEChallenge struct {
	State         string
	CodeChallenge string
}

// PKCEChallengeStore issues and single-use redeems PKCE state/verifier pairs.
type PKCEChallengeStore interface {
	// Begin records a new pending authorization and returns its state and S256 challenge.
	Begin(ctx context.Context) (PKCEChallenge, error)
	// Redeem atomically removes the pending authorization and returns its verifier.
	// Any state that is absent, expired, or already redeemed yields ErrPendingAuthorizationNotFound.
	Redeem(ctx context.Context, state string) (string, error)
	// Close releases background resources.
	Close() error
}

func newPendingAuthorization(now time.Time) (PendingAuthorization, PKCEChallenge, error) {
	state, stateErr := randomURLSafe(stateByteLength)
	if stateErr != nil {
		return PendingAuthorization{}, PKCEChallenge{}, stateErr
	}
	verifier, verifierErr := randomURLSafe(codeVerifierByteLength)
	if verifierErr != nil {
		return PendingAuthorization{}, PKCEChallenge{}, verifierErr
	}
	pending := PendingAuthorization{
		State:        state,
		CodeVerifier: verifier,
		CreatedAt:    now,
	}
	return pending, PKCEChallenge{State: state, CodeChallenge: deriveCodeChallenge(verifier)}, nil
}

func pendingExpired(pending PendingAuthorization, now time.Time, ttl time.Duration) bool {
	return now.Sub(pending.CreatedAt) > ttl
}

// MemoryPKCEStore keeps pending authorizations in a single-process TTL cache.
type MemoryPKCEStore struct {
	cache *ttlcache.Cache[string, PendingAuthorization]
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryPKCEStore constructs an in-memory store whose entries expire after ttl.
func NewMemoryPKCEStore(ttl time.Duration) *MemoryPKCEStore {
	if ttl <= 0 {
		ttl = DefaultPKCETTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, PendingAuthorization](ttl),
		ttlcache.WithDisableTouchOnHit[string, PendingAuthorization](),
	)
	go cache.Start()

	return &MemoryPKCEStore{
		cache: cache,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Begin stores a fresh pending authorization.
func (store *MemoryPKCEStore) Begin(ctx context.Context) (PKCEChallenge, error) {
	pending, challenge, err := newPendingAuthorization(store.now())
	if err != nil {
		return PKCEChallenge{}, err
	}
	store.cache.Set(pending.State, pending, ttlcache.DefaultTTL)
	return challenge, nil
}

// Redeem removes and returns the verifier for state.
func (store *MemoryPKCEStore) Redeem(ctx context.Context, state string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", ErrPendingAuthorizationNotFound
	}
	item, found := store.cache.GetAndDelete(state)
	if !found || item == nil {
		return "", ErrPendingAuthorizationNotFound
	}
	pending := item.Value()
	if pendingExpired(pending, store.now(), store.ttl) {
		return "", ErrPendingAuthorizationNotFound
	}
	return pending.CodeVerifier, nil
}

// Len reports the number of live pending authorizations.
func (store *MemoryPKCEStore) Len() int {
	return store.cache.Len()
}

// Close stops the cache cleanup goroutine.
func (store *MemoryPKCEStore) Close() error {
	store.cache.Stop()
	return nil
}
