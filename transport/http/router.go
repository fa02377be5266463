package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/marketgate/service"
	"github.com/layer-3/marketgate/transport/ws"
	"github.com/rs/zerolog"
)

// Deps are the services the router exposes
type Deps struct {
	Auth      *service.AuthService
	Gateway   *service.Gateway
	Projector *service.Projector
	Webhook   *WebhookHandler
	Hub       *ws.Hub
	Cookies   CookieConfig
	Log       zerolog.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(deps.Log))

	// Create handlers
	authHandlers := NewAuthHandlers(deps.Auth, deps.Cookies, deps.Log)
	marketHandlers := NewMarketHandlers(deps.Gateway, deps.Projector, deps.Log)
	requireSession := AuthMiddleware(deps.Auth, deps.Log)
	requireCSRF := CSRFMiddleware(deps.Cookies, deps.Log)

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.GET("/challenge", authHandlers.Challenge)
		auth.POST("/login", authHandlers.Login)
		auth.POST("/refresh", authHandlers.Refresh)
		auth.POST("/logout", authHandlers.Logout)
	}

	router.GET("/api/listings", marketHandlers.Listings)

	// Protected API routes
	api := router.Group("/api")
	api.Use(requireSession)
	{
		api.GET("/me", authHandlers.Me)
		api.GET("/inventory", marketHandlers.Inventory)
		api.GET("/credits", marketHandlers.Credits)
		api.POST("/invoke", requireCSRF, marketHandlers.Invoke)
	}

	router.POST("/webhooks/ledger", deps.Webhook.Deliver)
	router.GET("/ws", requireSession, channelHandler(deps.Hub, deps.Log))

	return router
}

// channelHandler upgrades an authenticated request to a real-time channel.
func channelHandler(hub *ws.Hub, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFrom(c)
		if !ok {
			return
		}
		if err := hub.Serve(c.Writer, c.Request, principal.Address); err != nil {
			// The upgrader has already written the failure response.
			log.Debug().Err(err).Str("address", principal.Address).Msg("channel upgrade failed")
		}
	}
}
