package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

var (
	// ErrConfiguration indicates a missing signing secret or provider credential.
	ErrConfiguration = errors.New("auth.configuration")
	// ErrInvalidState indicates the PKCE state was never issued, already redeemed, or expired.
	ErrInvalidState = errors.New("auth.invalid_state")
	// ErrUpstream indicates the code exchange failed for any provider-side reason.
	ErrUpstream = errors.New("auth.upstream_error")
	// ErrUpstreamUnavailable indicates a network failure or unexpected status from the provider.
	ErrUpstreamUnavailable = errors.New("auth.upstream_unavailable")
	// ErrInvalidGrant indicates the provider rejected the code, verifier, or refresh token.
	ErrInvalidGrant = errors.New("auth.invalid_grant")
	// ErrIncompleteResponse indicates a successful provider response without required fields.
	ErrIncompleteResponse = errors.New("auth.incomplete_response")
	// ErrUnauthenticated indicates a missing, invalid, or expired session credential.
	ErrUnauthenticated = errors.New("auth.unauthenticated")
	// ErrReauthRequired indicates the delegated access token is stale and cannot be renewed.
	ErrReauthRequired = errors.New("auth.reauth_required")
)

// Error codes written in {"error": <code>} response bodies.
const (
	errorCodeInvalidRequest   = "invalid_request"
	errorCodeInvalidState     = "invalid_state"
	errorCodeAccessDenied     = "access_denied"
	errorCodeNotAuthorized    = "not_authorized"
	errorCodeReauthRequired   = "reauth_required"
	errorCodeMisconfiguration = "server_misconfiguration"
	errorCodeCallbackFailed   = "auth_callback_failed"
	errorCodeInternal         = "internal_error"
)

// HTTPStatusForError maps the error taxonomy to a response status.
func HTTPStatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrReauthRequired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return errorCodeMisconfiguration
	case errors.Is(err, ErrInvalidState):
		return errorCodeInvalidState
	case errors.Is(err, ErrReauthRequired):
		return errorCodeReauthRequired
	case errors.Is(err, ErrUnauthenticated):
		return errorCodeNotAuthorized
	case errors.Is(err, ErrUpstream):
		return errorCodeCallbackFailed
	default:
		return errorCodeInternal
	}
}

// AbortWithError writes the uniform error body for err and stops the handler chain.
func AbortWithError(contextGin *gin.Context, err error) {
	contextGin.AbortWithStatusJSON(HTTPStatusForError(err), gin.H{"error": errorCodeFor(err)})
}
