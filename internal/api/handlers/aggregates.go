package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keel.dev/keel/internal/api/middleware"
	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
)

// aggregateType describes one registered aggregate type.
type aggregateType struct {
	Type          string   `json:"type"`
	IdentityField string   `json:"identity_field"`
	Commands      []string `json:"commands"`
}

// ListAggregateTypes handles GET /aggregates.
func (s *Server) ListAggregateTypes(c *gin.Context) {
	types := s.dispatcher.Types()
	items := make([]aggregateType, 0, len(types))
	for _, t := range types {
		rt, err := s.dispatcher.Runtime(t)
		if err != nil {
			continue
		}
		desc := rt.Descriptor()
		items = append(items, aggregateType{
			Type:          desc.Type(),
			IdentityField: desc.IdentityField(),
			Commands:      desc.CommandNames(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ExecuteCommand handles POST /aggregates/:type/commands/:command.
//
// The request body is the command's field map. Command metadata comes from
// the request: request id and the authenticated principal.
func (s *Server) ExecuteCommand(c *gin.Context) {
	ctx := c.Request.Context()
	aggType, name := c.Param("type"), c.Param("command")

	values := domain.NewParams()
	if err := c.ShouldBindJSON(&values); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(apperrors.BadRequest("INVALID_REQUEST", "request body must be a JSON object").WithParams(map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	cmd := domain.NewCommand(name, values, middleware.CommandMetadata(ctx))
	out, err := s.dispatcher.Dispatch(ctx, aggType, cmd)
	if err != nil {
		_ = c.Error(err)
		return
	}

	logger.Debug("Command accepted over HTTP",
		append(logger.Aggregate(aggType, out.Event.AggregateID),
			zap.String("command", name),
			zap.Int64("version", out.Event.Version),
			zap.String("request_id", middleware.GetRequestID(ctx)),
		)...,
	)

	status := http.StatusOK
	if out.Event.Version == 1 {
		status = http.StatusCreated
	}
	c.JSON(status, out)
}

// GetAggregate handles GET /aggregates/:type/:id.
func (s *Server) GetAggregate(c *gin.Context) {
	state, err := s.dispatcher.State(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetSnapshot handles GET /aggregates/:type/:id/snapshot.
func (s *Server) GetSnapshot(c *gin.Context) {
	rt, err := s.dispatcher.Runtime(c.Param("type"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	mgr := rt.Snapshots()
	if mgr == nil {
		notConfigured(c, "snapshotting for "+c.Param("type"))
		return
	}
	snap, err := mgr.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetAuditTrail handles GET /aggregates/:type/:id/audit.
func (s *Server) GetAuditTrail(c *gin.Context) {
	if s.audit == nil {
		notConfigured(c, "audit log")
		return
	}
	if _, err := s.dispatcher.Runtime(c.Param("type")); err != nil {
		_ = c.Error(err)
		return
	}
	records, err := s.audit.List(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": records})
}
