package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/smallbiznis-tokens/internal/nonce"
)

const nonceHeader = "X-Request-Nonce"

// ReplayGuard rejects mutating requests that reuse a request nonce within
// the configured window. Requests without a nonce pass through untouched.
func ReplayGuard(store nonce.Store, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	return func(c *gin.Context) {
		value := strings.TrimSpace(c.GetHeader(nonceHeader))
		if value == "" {
			c.Next()
			return
		}

		fresh, err := store.CheckAndStore(c.Request.Context(), value, ttl)
		if err != nil {
			logger.Error("nonce store unavailable", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":             "temporarily_unavailable",
				"error_description": "Replay protection is unavailable.",
			})
			return
		}
		if !fresh {
			logger.Warn("request nonce replayed",
				zap.String("nonce", value),
				zap.String("path", c.FullPath()),
			)
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":             "replay_detected",
				"error_description": "Request nonce was already used.",
			})
			return
		}
		c.Next()
	}
}
