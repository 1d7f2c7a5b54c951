package authkit

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google-issued id_tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

var newGoogleTokenValidator = func(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// NewGoogleTokenValidator builds a validator that fetches Google's signing certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return newGoogleTokenValidator(ctx)
}

func resolveIdentity(ctx context.Context, validator GoogleTokenValidator, idToken string, audience string) (ProviderIdentity, error) {
	payload, validateErr := validator.Validate(ctx, idToken, audience)
	if validateErr != nil {
		return ProviderIdentity{}, fmt.Errorf("provider.identity: id_token rejected: %w: %w", ErrIncompleteResponse, validateErr)
	}
	if payload == nil {
		return ProviderIdentity{}, fmt.Errorf("provider.identity: empty id_token payload: %w", ErrIncompleteResponse)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return ProviderIdentity{}, fmt.Errorf("provider.identity: unexpected issuer %q: %w", issuerValue, ErrIncompleteResponse)
	}
	subjectID, _ := payload.Claims["sub"].(string)
	if strings.TrimSpace(subjectID) == "" {
		subjectID = payload.Subject
	}
	email, _ := payload.Claims["email"].(string)
	displayName, _ := payload.Claims["name"].(string)
	pictureURL, _ := payload.Claims["picture"].(string)
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(email) == "" {
		return ProviderIdentity{}, fmt.Errorf("provider.identity: missing sub or email: %w", ErrIncompleteResponse)
	}
	return ProviderIdentity{
		SubjectID:   subjectID,
		Email:       email,
		DisplayName: displayName,
		PictureURL:  pictureURL,
	}, nil
}
