// Package handlers implements the HTTP handlers of the Keel API.
//
// Import Path: keel.dev/keel/internal/api/handlers
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"keel.dev/keel/internal/dispatch"
	"keel.dev/keel/internal/governance/audit"
	"keel.dev/keel/internal/pkg/logger"
)

// Pinger reports database health. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditReader lists the audit trail of one resource.
type AuditReader interface {
	List(ctx context.Context, resourceType, resourceID string) ([]audit.Record, error)
}

// MetricsSource reports worker pool usage. *worker.Pools satisfies it.
type MetricsSource interface {
	Metrics() map[string]interface{}
}

// Server implements all API handlers.
type Server struct {
	dispatcher *dispatch.Dispatcher
	db         Pinger
	audit      AuditReader
	workers    MetricsSource
}

// ServerDeps holds all dependencies for creating a Server. Everything except
// Dispatcher is optional.
type ServerDeps struct {
	Dispatcher *dispatch.Dispatcher
	DB         Pinger
	Audit      AuditReader
	Workers    MetricsSource
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		dispatcher: deps.Dispatcher,
		db:         deps.DB,
		audit:      deps.Audit,
		workers:    deps.Workers,
	}
}

// RegisterRoutes mounts the API under api (normally /api/v1).
func (s *Server) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/health/live", s.GetLiveness)
	api.GET("/health/ready", s.GetReadiness)

	api.GET("/aggregates", s.ListAggregateTypes)
	api.POST("/aggregates/:type/commands/:command", s.ExecuteCommand)
	api.GET("/aggregates/:type/:id", s.GetAggregate)
	api.GET("/aggregates/:type/:id/snapshot", s.GetSnapshot)
	api.GET("/aggregates/:type/:id/audit", s.GetAuditTrail)
}

// RegisterLogLevel mounts the runtime log level endpoint (GET reads, PUT
// changes) at path.
func RegisterLogLevel(router gin.IRoutes, path string) {
	h := gin.WrapH(logger.HTTPHandler())
	router.GET(path, h)
	router.PUT(path, h)
}

func notConfigured(c *gin.Context, what string) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"code":    "NOT_CONFIGURED",
		"message": what + " is not configured",
	})
}
