package router

import (
	"github.com/gin-gonic/gin"

	"github.com/mediaops/transformd/internal/api/handler"
)

// Options carries router-level configuration.
type Options struct {
	APIKey     string
	StorageDir string
	BaseURL    string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	// Health check endpoint
	r.GET("/health", jobHandler.Health)

	// Published artifacts are served straight from disk.
	if opts.StorageDir != "" {
		public := r.Group(opts.BaseURL)
		public.Use(CacheControlMiddleware())
		public.Static("", opts.StorageDir)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(APIKeyMiddleware(opts.APIKey))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new transform job
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a pending job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	return r
}
