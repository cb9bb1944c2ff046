package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetReadiness handles GET /health/ready.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			checks["database"] = "error"
			allHealthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	body := gin.H{"status": "ok", "checks": checks}
	if s.workers != nil {
		body["workers"] = s.workers.Metrics()
	}

	httpStatus := http.StatusOK
	if !allHealthy {
		body["status"] = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, body)
}
