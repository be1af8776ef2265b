package api

import (
	"log/slog"
	"net/http"

	"variantlab/app"
	"variantlab/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Options tunes request handling
type Options struct {
	// GenerateMaxVariants caps /variants/generate when the body names no cap
	GenerateMaxVariants int
}

// Server is the JSON API over the adaptive and experiment services
type Server struct {
	optimizer   *app.OptimizationService
	experiments *app.ExperimentManager
	options     Options
	metrics     *metrics.Metrics
	logger      *slog.Logger
	router      *gin.Engine
}

// NewServer builds the gin engine and registers every route
func NewServer(optimizer *app.OptimizationService, experiments *app.ExperimentManager, options Options, m *metrics.Metrics, logger *slog.Logger) *Server {
	if options.GenerateMaxVariants <= 0 {
		options.GenerateMaxVariants = 50
	}
	s := &Server{
		optimizer:   optimizer,
		experiments: experiments,
		options:     options,
		metrics:     m,
		logger:      logger,
		router:      gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler exposes the engine for http.Server and httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger, s.metrics))
}

func (s *Server) setupRoutes() {
	ab := s.router.Group("/ab-content")
	ab.POST("/variants/initialize", s.handleInitialize())
	ab.POST("/variants/generate", s.handleGenerate())
	ab.POST("/optimize", s.handleOptimize())
	ab.POST("/track", s.handleTrack())
	ab.GET("/insights", s.handleInsights())
	ab.GET("/health", s.handleHealth())

	s.router.GET("/variants", s.handleListVariants())
	s.router.GET("/variants/:id/stats", s.handleVariantStats())

	exp := s.router.Group("/experiments")
	exp.POST("/create", s.handleCreateExperiment())
	exp.GET("/list", s.handleListExperiments())
	exp.GET("/active/:persona", s.handleActiveExperiments())
	exp.GET("/:id", s.handleGetExperiment())
	exp.POST("/:id/start", s.handleStartExperiment())
	exp.POST("/:id/pause", s.handlePauseExperiment())
	exp.POST("/:id/complete", s.handleCompleteExperiment())
	exp.POST("/:id/assign", s.handleAssign())
	exp.POST("/:id/track", s.handleTrackExperiment())
	exp.GET("/:id/results", s.handleResults())
}
