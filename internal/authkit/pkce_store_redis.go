package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "oauthgate"

var errPendingStateCollision = errors.New("pkce_store.redis.state_collision")

// RedisPKCEStore keeps pending authorizations in Redis so that every instance
// behind a load balancer can redeem a state issued by any other.
type RedisPKCEStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

type storedPendingAuthorization struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	CreatedAt    int64  `json:"created_at"`
}

// NewRedisPKCEStore wraps an existing client.
func NewRedisPKCEStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisPKCEStore {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultPKCETTL
	}
	return &RedisPKCEStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OpenRedisPKCEStore connects to redisURL (redis:// or rediss://) and verifies the connection.
func OpenRedisPKCEStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisPKCEStore, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("pkce_store.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pkce_store.redis.ping: %w", pingErr)
	}
	return NewRedisPKCEStore(client, defaultRedisKeyPrefix, ttl), nil
}

func (store *RedisPKCEStore) key(state string) string {
	return fmt.Sprintf("%s:pkce:%s", store.keyPrefix, state)
}

// Begin stores a fresh pending authorization with the store TTL.
func (store *RedisPKCEStore) Begin(ctx context.Context) (PKCEChallenge, error) {
	pending, challenge, err := newPendingAuthorization(store.now())
	if err != nil {
		return PKCEChallenge{}, err
	}
	data, marshalErr := json.Marshal(storedPendingAuthorization{
		State:        pending.State,
		CodeVerifier: pending.CodeVerifier,
		CreatedAt:    pending.CreatedAt.Unix(),
	})
	if marshalErr != nil {
		return PKCEChallenge{}, fmt.Errorf("pkce_store.redis.marshal: %w", marshalErr)
	}
	stored, setErr := store.client.SetNX(ctx, store.key(pending.State), data, store.ttl).Result()
	if setErr != nil {
		return PKCEChallenge{}, fmt.Errorf("pkce_store.redis.begin: %w", setErr)
	}
	if !stored {
		return PKCEChallenge{}, errPendingStateCollision
	}
	return challenge, nil
}

// Redeem uses GETDEL so that exactly one concurrent caller receives the verifier.
func (store *RedisPKCEStore) Redeem(ctx context.Context, state string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", ErrPendingAuthorizationNotFound
	}
	data, err := store.client.GetDel(ctx, store.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrPendingAuthorizationNotFound
		}
		return "", fmt.Errorf("pkce_store.redis.redeem: %w", err)
	}
	var stored storedPendingAuthorization
	if unmarshalErr := json.Unmarshal(data, &stored); unmarshalErr != nil {
		return "", fmt.Errorf("pkce_store.redis.unmarshal: %w", unmarshalErr)
	}
	pending := PendingAuthorization{
		State:        stored.State,
		CodeVerifier: stored.CodeVerifier,
		CreatedAt:    time.Unix(stored.CreatedAt, 0).UTC(),
	}
	if pendingExpired(pending, store.now(), store.ttl) {
		return "", ErrPendingAuthorizationNotFound
	}
	return pending.CodeVerifier, nil
}

// Close closes the underlying client.
func (store *RedisPKCEStore) Close() error {
	return store.client.Close()
}
