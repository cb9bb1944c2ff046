package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig selects allowed origins.
type CORSConfig struct {
	AllowedOrigins        []string
	AllowCredentials      bool
	UnsafeAllowAllOrigins bool
}

// CORS returns the CORS middleware, or nil when no origin is allowed.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	if !cfg.UnsafeAllowAllOrigins && len(cfg.AllowedOrigins) == 0 {
		return nil
	}
	c := cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowAllOrigins:  cfg.UnsafeAllowAllOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: cfg.AllowCredentials && !cfg.UnsafeAllowAllOrigins,
		MaxAge:           12 * time.Hour,
	}
	if cfg.UnsafeAllowAllOrigins {
		c.AllowOrigins = nil
	}
	return cors.New(c)
}
