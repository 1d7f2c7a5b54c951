package authkit

import (
	"time"
)

// UserAccount is the durable record of a user and their delegated provider grant.
type UserAccount struct {
	ID                string
	SubjectID         string
	Email             string
	DisplayName       string
	PictureURL        string
	AccessToken       string
	RefreshToken      *string
	AccessTokenExpiry *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PublicProfile is the subset of an account that is safe to hand to clients.
type PublicProfile struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// PublicProfile strips the delegated credentials from the account.
func (account *UserAccount) PublicProfile() PublicProfile {
	return PublicProfile{
		ID:      account.ID,
		Email:   account.Email,
		Name:    account.DisplayName,
		Picture: account.PictureURL,
	}
}

// HasRefreshToken reports whether a refresh token is stored.
func (account *UserAccount) HasRefreshToken() bool {
	return account.RefreshToken != nil && *account.RefreshToken != ""
}

// Clone returns a copy that shares no mutable state with the receiver.
func (account *UserAccount) Clone() *UserAccount {
	if account == nil {
		return nil
	}
	cloned := *account
	if account.RefreshToken != nil {
		refreshToken := *account.RefreshToken
		cloned.RefreshToken = &refreshToken
	}
	if account.AccessTokenExpiry != nil {
		expiry := *account.AccessTokenExpiry
		cloned.AccessTokenExpiry = &expiry
	}
	return &cloned
}

// ProviderIdentity is the caller identity resolved from the provider's id_token.
type ProviderIdentity struct {
	SubjectID   string
	Email       string
	DisplayName string
	PictureURL  string
}

// TokenGrant is a delegated token set returned by the provider's token endpoint.
// RefreshToken is nil when the provider did not issue a new one.
type TokenGrant struct {
	AccessToken  string
	RefreshToken *string
	ExpiresIn    time.Duration
}

// ApplyTokenGrant merges a grant into the account. The access token and expiry
// are always replaced; the refresh token only when the grant carries one.
func ApplyTokenGrant(account *UserAccount, grant TokenGrant, now time.Time) {
	account.AccessToken = grant.AccessToken
	expiry := now.Add(grant.ExpiresIn)
	account.AccessTokenExpiry = &expiry
	if grant.RefreshToken != nil && *grant.RefreshToken != "" {
		refreshToken := *grant.RefreshToken
		account.RefreshToken = &refreshToken
	}
}

func newAccountFromIdentity(identity ProviderIdentity) *UserAccount {
	return &UserAccount{
		SubjectID:   identity.SubjectID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		PictureURL:  identity.PictureURL,
	}
}

func stringPointer(value string) *string {
	return &value
}
