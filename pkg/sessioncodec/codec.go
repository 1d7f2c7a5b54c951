// Package sessioncodec signs and verifies the compact HS256 session credentials
// handed to browsers after a completed login.
package sessioncodec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

// DefaultTTL is the lifetime of a session credential when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

// Registered claim names added by Sign.
const (
	ClaimIssuedAt  = "iat"
	ClaimExpiresAt = "exp"
	ClaimUserID    = "uid"
)

// Sentinel errors exposed by the codec.
var (
	ErrMissingSigningKey = errors.New("session.codec.missing_signing_key")
	ErrMissingToken      = errors.New("session.codec.missing_token")
	ErrInvalidToken      = errors.New("session.codec.invalid_token")
	ErrTokenExpired      = errors.New("session.codec.expired")
)

// Claims is the payload carried by a session credential.
type Claims map[string]any

// UserID returns the internal user identifier bound to the credential.
func (claims Claims) UserID() string {
	value, _ := claims[ClaimUserID].(string)
	return value
}

// IssuedAt returns the iat claim, or the zero time when absent.
func (claims Claims) IssuedAt() time.Time {
	issuedAt, err := jwt.MapClaims(claims).GetIssuedAt()
	if err != nil || issuedAt == nil {
		return time.Time{}
	}
	return issuedAt.Time
}

// ExpiresAt returns the exp claim, or the zero time when absent.
func (claims Claims) ExpiresAt() time.Time {
	expiresAt, err := jwt.MapClaims(claims).GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}
	}
	return expiresAt.Time
}

// Sign mints a credential carrying claims plus iat and exp = iat + ttl.
// A non-positive ttl falls back to DefaultTTL.
func Sign(clock Clock, claims Claims, signingKey []byte, ttl time.Duration) (string, error) {
	if len(signingKey) == 0 {
		return "", fmt.Errorf("session.codec.sign: %w", ErrMissingSigningKey)
	}
	if clock == nil {
		clock = systemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	issuedAt := clock.Now().UTC().Truncate(time.Second)
	payload := make(jwt.MapClaims, len(claims)+2)
	for key, value := range claims {
		payload[key] = value
	}
	payload[ClaimIssuedAt] = issuedAt.Unix()
	payload[ClaimExpiresAt] = issuedAt.Add(ttl).Unix()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("session.codec.sign: %w", err)
	}
	return signed, nil
}

// Verify checks the credential signature and expiry and returns its claims.
func Verify(clock Clock, credential string, signingKey []byte) (Claims, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("session.codec.verify: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(credential) == "" {
		return nil, fmt.Errorf("session.codec.verify: %w", ErrMissingToken)
	}
	if strings.Count(credential, ".") != 2 {
		return nil, fmt.Errorf("session.codec.verify: %w", ErrInvalidToken)
	}
	if clock == nil {
		clock = systemClock{}
	}
	payload := jwt.MapClaims{}
	parsedToken, parseErr := jwt.ParseWithClaims(credential, payload, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time {
			return clock.Now()
		}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.codec.verify: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.codec.verify: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.codec.verify: %w", ErrInvalidToken)
	}
	parsedClaims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("session.codec.verify: %w", ErrInvalidToken)
	}
	return Claims(parsedClaims), nil
}

// Config configures a Codec.
type Config struct {
	SigningKey []byte
	TTL        time.Duration
	Clock      Clock
}

// Codec binds a signing key, lifetime, and clock for repeated use.
type Codec struct {
	signingKey []byte
	ttl        time.Duration
	clock      Clock
}

// New constructs a Codec after validating the supplied configuration.
func New(configuration Config) (*Codec, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.codec.new: %w", ErrMissingSigningKey)
	}
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Codec{
		signingKey: configuration.SigningKey,
		ttl:        ttl,
		clock:      clock,
	}, nil
}

// TTL reports the configured credential lifetime.
func (codec *Codec) TTL() time.Duration {
	return codec.ttl
}

// Sign mints a credential with the codec's key and lifetime.
func (codec *Codec) Sign(claims Claims) (string, error) {
	return Sign(codec.clock, claims, codec.signingKey, codec.ttl)
}

// Verify validates a credential with the codec's key.
func (codec *Codec) Verify(credential string) (Claims, error) {
	return Verify(codec.clock, credential, codec.signingKey)
}
