package router

import (
	"github.com/cuongbtq/image-enhancer/internal/api/handler"
	"github.com/cuongbtq/image-enhancer/shared/metrics"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes.
// A nil limiter disables per-client upload rate limiting.
func SetupRouter(deps *handler.Dependencies, limiter *ClientLimiter) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	jobHandler := handler.NewJobHandler(deps)

	api := r.Group("/api")
	{
		// POST /api/upload - Submit an image for enhancement
		if limiter != nil {
			api.POST("/upload", RateLimitMiddleware(limiter), jobHandler.Upload)
		} else {
			api.POST("/upload", jobHandler.Upload)
		}

		// GET /api/status/:job_id - Job status
		api.GET("/status/:job_id", jobHandler.GetStatus)

		// GET /api/result/:job_id - Enhanced image
		api.GET("/result/:job_id", jobHandler.GetResult)

		// DELETE /api/job/:job_id - Delete a job and its files
		api.DELETE("/job/:job_id", jobHandler.DeleteJob)

		// GET /api/stats - Storage counts and limits
		api.GET("/stats", jobHandler.GetStats)

		// GET /api/jobs - List jobs with filtering and pagination
		api.GET("/jobs", jobHandler.ListJobs)
	}

	return r
}
