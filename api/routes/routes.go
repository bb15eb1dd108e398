package routes

import (
	"example.com/modelgate/api/handlers"
	"example.com/modelgate/api/middleware"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(
	r *gin.Engine,
	tokens service.TokenService,
	keys service.APIKeyService,
	roles service.RoleService,
	limiter service.RateLimitService,
	log *logrus.Logger,
) {
	// Health check
	r.GET("/health", handlers.HealthCheck)

	// API routes
	api := r.Group("/api/v1")

	// Auth routes
	authHandler := handlers.NewAuthHandler(tokens, log)
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
	}

	// Everything below requires an access token or API key
	authed := api.Group("")
	authed.Use(middleware.Authenticate(tokens, keys, roles, log))

	// Account routes
	accountHandler := handlers.NewAccountHandler(roles, limiter, log)
	me := authed.Group("/me")
	{
		me.GET("", accountHandler.Profile)
		me.GET("/limits", accountHandler.Limits)
		me.GET("/usage", accountHandler.Usage)
	}

	// Gateway authorization routes, one group per gateway so each carries
	// its own permission gate and rate limit
	gatewayHandler := handlers.NewGatewayHandler(log)
	ollama := authed.Group("/gateway/ollama")
	ollama.Use(middleware.RequirePermission(models.PermissionUseOllama))
	ollama.Use(middleware.RateLimit(limiter, "ollama", log))
	{
		ollama.POST("/authorize", gatewayHandler.Authorize)
	}

	openai := authed.Group("/gateway/openai")
	openai.Use(middleware.RequirePermission(models.PermissionUseOpenAI))
	openai.Use(middleware.RateLimit(limiter, "openai", log))
	{
		openai.POST("/authorize", gatewayHandler.Authorize)
	}
}
