package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// originAllowed builds the origin predicate shared by CORS and WebSocket
// upgrades. A "*" entry allows every origin.
func originAllowed(allowedOrigins []string) func(origin string) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			wildcard = true
		}
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}

	return func(origin string) bool {
		if wildcard {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

// OriginFilter applies CORS headers for allowed origins and rejects the rest
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	allow := originAllowed(allowedOrigins)

	corsHandler := cors.New(cors.Config{
		AllowOriginFunc:  allow,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && !allow(origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}
		corsHandler(c)
	}
}
