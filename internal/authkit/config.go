package authkit

import (
	"time"
)

// Default values applied when a ServerConfig field is left empty.
const (
	DefaultSessionTTL      = 7 * 24 * time.Hour
	DefaultPKCETTL         = 10 * time.Minute
	DefaultProviderTimeout = 10 * time.Second
	DefaultRefreshSkew     = 60 * time.Second
)

// DefaultProviderScopes are requested when no scopes are configured.
var DefaultProviderScopes = []string{
	"openid",
	"email",
	"profile",
	"https://www.googleapis.com/auth/youtube.readonly",
}

// ServerConfig configures the provider client, session credentials, and refresh policy.
type ServerConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	ProviderAuthURL    string
	ProviderTokenURL   string
	ProviderScopes     []string
	ProviderTimeout    time.Duration
	SessionSigningKey  []byte
	SessionTTL         time.Duration
	ClientOrigin       string
	PKCETTL            time.Duration
	RefreshSkew        time.Duration
	DedupeRefresh      bool
}
