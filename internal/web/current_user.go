package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/oauthgate/internal/authkit"
	"go.uber.org/zap"
)

// CurrentUserResolver resolves a session credential to the caller's public profile.
type CurrentUserResolver interface {
	GetCurrentUser(ctx context.Context, credential string) (authkit.PublicProfile, error)
}

// HandleCurrentUser returns the profile bound to the bearer session credential.
func HandleCurrentUser(logger *zap.Logger, resolver CurrentUserResolver) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		panic("current user resolver is required")
	}

	return func(contextGin *gin.Context) {
		credential, ok := authkit.BearerCredential(contextGin.GetHeader("Authorization"))
		if !ok {
			logger.Debug("missing bearer credential",
				zap.String("code", "api.me.missing_credential"))
			authkit.AbortWithError(contextGin, authkit.ErrUnauthenticated)
			return
		}

		profile, err := resolver.GetCurrentUser(contextGin.Request.Context(), credential)
		if err != nil {
			if errors.Is(err, authkit.ErrUnauthenticated) {
				logger.Info("session credential rejected",
					zap.String("code", "api.me.unauthenticated"),
					zap.Error(err))
			} else {
				logger.Error("current user lookup failed",
					zap.String("code", "api.me.lookup_error"),
					zap.Error(err))
			}
			authkit.AbortWithError(contextGin, err)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{"user": profile})
	}
}
