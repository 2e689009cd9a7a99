package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/smallbiznis-tokens/internal/config"
	"github.com/smallbiznis/smallbiznis-tokens/internal/http/handler"
	"github.com/smallbiznis/smallbiznis-tokens/internal/http/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, tokenHandler *handler.TokenHandler, replayGuard gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(nil))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/.well-known/jwks.json", tokenHandler.JWKS)

	v1 := r.Group("/v1")
	{
		serviceAccounts := v1.Group("/service-accounts")
		{
			serviceAccounts.POST("/tokens", replayGuard, tokenHandler.IssueToken)
			serviceAccounts.POST("/tokens/revoke", replayGuard, tokenHandler.RevokeToken)
			serviceAccounts.GET("/tokens", tokenHandler.ListTokens)
		}

		v1.POST("/keys/rotate", replayGuard, tokenHandler.RotateKey)
	}

	return r
}
