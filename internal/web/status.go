package web

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
)

// HandleServiceStatus reports that the service is up along with request metadata.
func HandleServiceStatus(now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(contextGin *gin.Context) {
		protocol := "http"
		if contextGin.Request.TLS != nil {
			protocol = "https"
		} else if forwarded := contextGin.GetHeader("X-Forwarded-Proto"); forwarded != "" {
			protocol = forwarded
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"message": "Service is up",
			"metadata": gin.H{
				"hostname": requestHostname(contextGin.Request),
				"path":     contextGin.Request.URL.RequestURI(),
				"protocol": protocol,
				"method":   contextGin.Request.Method,
				"date":     now().UTC(),
			},
		})
	}
}

func requestHostname(request *http.Request) string {
	host := request.Host
	if host == "" {
		return "localhost"
	}
	if hostname := (&url.URL{Host: host}).Hostname(); hostname != "" {
		return hostname
	}
	return host
}
