package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/camlink/internal/middleware"
)

// NewRouter builds the gin engine with every route of the signaling server.
func NewRouter(h *Handler, allowedOrigins []string, log *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/", h.Health)
	router.GET("/health", h.Health)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/code/generate", h.GenerateCode)
		apiGroup.GET("/rooms/:code", h.GetRoom)
		apiGroup.DELETE("/rooms/:code", middleware.JWTAuth(h.tokens), h.DeleteRoom)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", h.HandleSignaling)
	}

	return router
}
