package api

import (
	"github.com/gin-gonic/gin"

	"github.com/fislearning/fischat/internal/api/handler"
	"github.com/fislearning/fischat/internal/api/middleware"
	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/logger"
	"github.com/fislearning/fischat/internal/metrics"
	"github.com/fislearning/fischat/internal/service"
)

// Services are the application services exposed over HTTP.
type Services struct {
	Submission *service.SubmissionService
	Status     *service.StatusService
	Models     *service.ModelCatalog
	Jobs       handler.JobCounter
	Metrics    *metrics.Collector
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, cfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.WithError(err).Warn("Invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.Tracing())
	r.Use(middleware.SecureHeaders())
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))
	if svc.Metrics != nil {
		r.Use(svc.Metrics.GinMiddleware())
	}

	// Create handlers
	healthHandler := handler.NewHealthHandler(svc.Jobs)
	videoJobHandler := handler.NewVideoJobHandler(svc.Submission, svc.Status)
	modelsHandler := handler.NewModelsHandler(svc.Models)

	// Health check
	r.GET("/health", healthHandler.Health)
	if svc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(svc.Metrics.Handler()))
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Script models
		v1.GET("/models", modelsHandler.List)

		// Video jobs
		v1.POST("/video-jobs", videoJobHandler.Create)
		v1.GET("/video-jobs/:id", videoJobHandler.Get)
	}

	return r
}
