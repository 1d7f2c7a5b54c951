package authkit

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MountAuthRoutes registers /auth/google/login, /auth/google/callback, and /provider/access
// on router, which is expected to be the /api/v1 group.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, manager *SessionManager, guard *AccessGuard, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/auth/google/login", func(contextGin *gin.Context) {
		authorizationURL, startErr := manager.StartLogin(contextGin.Request.Context())
		if startErr != nil {
			AbortWithError(contextGin, startErr)
			return
		}
		contextGin.Redirect(http.StatusFound, authorizationURL)
	})

	router.GET("/auth/google/callback", func(contextGin *gin.Context) {
		state := contextGin.Query("state")
		if providerError := contextGin.Query("error"); providerError != "" {
			manager.AbandonLogin(contextGin.Request.Context(), state)
			logger.Info("provider declined authorization",
				zap.String("code", "auth.callback.access_denied"),
				zap.String("provider_error", providerError))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeAccessDenied})
			return
		}
		code := contextGin.Query("code")
		if strings.TrimSpace(code) == "" {
			manager.AbandonLogin(contextGin.Request.Context(), state)
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
			return
		}

		credential, _, callbackErr := manager.HandleCallback(contextGin.Request.Context(), code, state)
		if callbackErr != nil {
			if errors.Is(callbackErr, ErrInvalidState) || errors.Is(callbackErr, ErrConfiguration) {
				AbortWithError(contextGin, callbackErr)
				return
			}
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorCodeCallbackFailed})
			return
		}
		contextGin.Redirect(http.StatusFound, sessionRedirectURL(configuration.ClientOrigin, credential))
	})

	router.GET("/provider/access", guard.RequireSession(), guard.RequireFreshAccess(), func(contextGin *gin.Context) {
		account, _ := AccountFromContext(contextGin.Request.Context())
		response := gin.H{
			"user_id":           account.ID,
			"has_refresh_token": account.HasRefreshToken(),
			"expires_at":        nil,
		}
		if account.AccessTokenExpiry != nil {
			response["expires_at"] = account.AccessTokenExpiry.UTC()
		}
		contextGin.JSON(http.StatusOK, response)
	})
}

func sessionRedirectURL(clientOrigin string, credential string) string {
	return strings.TrimRight(clientOrigin, "/") + "/?" + url.Values{"session": []string{credential}}.Encode()
}
