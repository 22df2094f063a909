// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/database"
	"potentiostat-service/internal/handler"
	"potentiostat-service/internal/metrics"
	"potentiostat-service/internal/middleware"
	"potentiostat-service/internal/service"
	"potentiostat-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config            *config.Config
	logger            *zap.Logger
	db                *database.DB
	instrumentService *service.InstrumentService
	experimentService *service.ExperimentService
	eventBus          *handler.EventBus
}

// NewRouter creates a new router instance. db is nil when runs are kept in memory.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db *database.DB,
	instrumentService *service.InstrumentService,
	experimentService *service.ExperimentService,
	eventBus *handler.EventBus,
) *Router {
	return &Router{
		config:            config,
		logger:            logger,
		db:                db,
		instrumentService: instrumentService,
		experimentService: experimentService,
		eventBus:          eventBus,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.db, r.instrumentService, r.config, r.logger)
	instrumentHandler := handler.NewInstrumentHandler(r.instrumentService, r.logger)
	experimentHandler := handler.NewExperimentHandler(r.experimentService, r.config.Experiment.RunTimeout, r.logger)
	runHandler := handler.NewRunHandler(r.experimentService, r.logger)
	wsHandler := handler.NewWebSocketHandler(r.instrumentService, r.experimentService, r.eventBus, r.config, r.logger)

	// Health check routes
	healthHandler.RegisterRoutes(router.Group(""))

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	instrumentHandler.RegisterRoutes(apiV1)
	experimentHandler.RegisterRoutes(apiV1)
	runHandler.RegisterRoutes(apiV1)
	apiV1.GET("/ws/stats", func(c *gin.Context) {
		utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics retrieved", wsHandler.GetConnectionStats())
	})

	// WebSocket routes
	wsHandler.RegisterRoutes(router.Group("/ws"))

	r.addMetricsRoute(router)
	r.addDocumentationRoutes(router)

	r.logger.Info("All routes configured successfully")
}

// addMetricsRoute exposes Prometheus metrics fed from the event bus
func (r *Router) addMetricsRoute(router *gin.Engine) {
	collector, err := metrics.NewCollector(r.instrumentService)
	if err != nil {
		r.logger.Error("Metrics disabled", zap.Error(err))
		return
	}
	go collector.Consume(r.eventBus.SubscribeAll())

	router.GET("/metrics", gin.WrapH(collector.Handler()))
}

// addDocumentationRoutes sets up documentation routes
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
