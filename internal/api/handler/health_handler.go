package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// HealthHandler reports liveness and dependency checks
type HealthHandler struct {
	logger *slog.Logger
	port   int
	checks map[string]HealthCheck
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger: deps.Logger,
		port:   deps.Port,
		checks: deps.Checks,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := dto.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Port:      h.port,
		Checks:    make(map[string]string, len(names)),
	}
	code := http.StatusOK

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	c.JSON(code, resp)
}
