package app

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"keel.dev/keel/internal/api/handlers"
	"keel.dev/keel/internal/api/middleware"
	"keel.dev/keel/internal/config"
)

// Public routes that do NOT require JWT authentication.
var publicPrefixes = []string{
	"/api/v1/health/",
}

func newRouter(cfg *config.Config, server *handlers.Server, jwtCfg middleware.JWTConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.OTel.Enabled {
		router.Use(otelgin.Middleware(serviceName(cfg)))
	}
	router.Use(middleware.RequestID(), middleware.ErrorHandler())
	if corsMw := middleware.CORS(buildCORSConfig(cfg)); corsMw != nil {
		router.Use(corsMw)
	}
	router.Use(jwtSkipPublic(jwtCfg))

	api := router.Group("/api/v1")
	server.RegisterRoutes(api)
	handlers.RegisterLogLevel(api, "/admin/log-level")
	return router
}

func serviceName(cfg *config.Config) string {
	if cfg.OTel.ServiceName != "" {
		return cfg.OTel.ServiceName
	}
	return "keel"
}

// buildCORSConfig drops the "*" wildcard unless all origins are explicitly
// allowed.
func buildCORSConfig(cfg *config.Config) middleware.CORSConfig {
	out := middleware.CORSConfig{
		AllowCredentials:      cfg.Server.AllowCredentials,
		UnsafeAllowAllOrigins: cfg.Server.UnsafeAllowAllOrigins,
	}
	if out.UnsafeAllowAllOrigins {
		out.AllowCredentials = false
		return out
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		out.AllowedOrigins = append(out.AllowedOrigins, origin)
	}
	return out
}

// jwtSkipPublic returns middleware that applies JWT auth only on non-public routes.
func jwtSkipPublic(jwtCfg middleware.JWTConfig) gin.HandlerFunc {
	jwtMw := middleware.JWTAuth(jwtCfg)
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		jwtMw(c)
	}
}
