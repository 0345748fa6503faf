package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/http/handler"
	httpmiddleware "github.com/tradeport/sso-broker/internal/http/middleware"
	"github.com/tradeport/sso-broker/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, ssoHandler *handler.SSOHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	ssoGroup := r.Group("/sso")
	{
		ssoGroup.GET("/authorize", ssoHandler.Authorize)
		ssoGroup.POST("/callback", ssoHandler.Callback)
		ssoGroup.GET("/profile", ssoHandler.Profile)
		ssoGroup.POST("/refresh", ssoHandler.Refresh)
		ssoGroup.GET("/org/:orgId", ssoHandler.OrgProfile)
		ssoGroup.GET("/org/:orgId/trading-status", ssoHandler.OrgTradingStatus)
		ssoGroup.GET("/validate-okta-token", ssoHandler.ValidateUpstreamToken)
		ssoGroup.POST("/revoke", authMiddleware.Authenticate, ssoHandler.Revoke)
		ssoGroup.GET("/health", ssoHandler.Health)
	}

	r.GET("/.well-known/jwks.json", ssoHandler.JWKS)

	return r
}
