// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "potentiostat-service/docs"
	"potentiostat-service/internal/config"
	"potentiostat-service/internal/database"
	"potentiostat-service/internal/driver"
	"potentiostat-service/internal/handler"
	"potentiostat-service/internal/repository"
	"potentiostat-service/internal/routes"
	"potentiostat-service/internal/service"
	"potentiostat-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	eventBus *handler.EventBus

	// Services
	instrumentService *service.InstrumentService
	experimentService *service.ExperimentService

	// Repositories
	runRepo         repository.RunRepository
	calibrationRepo repository.CalibrationRepository

	// Firmware variant registry
	driverRegistry *driver.Registry

	// Background work is stopped through this
	background context.CancelFunc
}

// @title Potentiostat Service API
// @version 1.0.0
// @description Host-side controller for an electrochemical potentiostat: cyclic, linear and square-wave voltammetry, anodic stripping and amperometry

// @contact.name Potentiostat Service API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8084
// @BasePath /api/v1
func main() {
	configPath := flag.String("config", "", "path to config file")
	autoConnect := flag.Bool("connect", true, "connect to the instrument on startup")
	flag.Parse()

	// Initialize application
	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Start the application
	if err := app.Start(*autoConnect); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, cfg.App.Name)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	// Initialize components
	if err := app.initializeDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initializeRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := app.initializeDriverRegistry(); err != nil {
		return nil, fmt.Errorf("failed to initialize driver registry: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeDatabase sets up database connection and runs migrations
func (app *Application) initializeDatabase() error {
	if !app.config.Database.Enabled {
		app.logger.Info("Database disabled, runs are kept in memory")
		return nil
	}

	db, err := database.NewConnection(&app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	migrator := database.NewMigrator(db, app.logger, &app.config.Database)
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() error {
	if app.database == nil {
		app.runRepo = repository.NewMemoryRunRepository()
		app.calibrationRepo = repository.NewMemoryCalibrationRepository()
	} else {
		app.runRepo = repository.NewRunRepository(app.database, app.logger)
		app.calibrationRepo = repository.NewCalibrationRepository(app.database, app.logger)
	}

	app.logger.Info("Repositories initialized successfully", zap.Bool("persistent", app.database != nil))
	return nil
}

// initializeDriverRegistry sets up the firmware variant registry
func (app *Application) initializeDriverRegistry() error {
	app.driverRegistry = driver.NewRegistry(app.logger)
	driver.RegisterDefaultVariants(app.driverRegistry, app.logger)

	app.logger.Info("Driver registry initialized successfully",
		zap.Int("registered_variants", len(app.driverRegistry.ListVariants())),
	)
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	app.eventBus = handler.NewEventBus(app.logger)
	go app.eventBus.Start()

	scanner := service.NewScannerManager(&app.config.Device, app.logger)

	app.instrumentService = service.NewInstrumentService(
		app.config,
		app.driverRegistry,
		scanner,
		app.calibrationRepo,
		app.eventBus,
		app.logger,
	)

	app.experimentService = service.NewExperimentService(
		&app.config.Experiment,
		app.instrumentService,
		app.runRepo,
		app.eventBus,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.instrumentService,
		app.experimentService,
		app.eventBus,
	)

	router := routerManager.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)

	return nil
}

// startBackgroundServices starts background services
func (app *Application) startBackgroundServices(autoConnect bool) {
	ctx, cancel := context.WithCancel(context.Background())
	app.background = cancel

	if autoConnect {
		go app.connectInstrument(ctx)
	}

	go app.instrumentService.StartHealthCheck(ctx, app.config.Device.HealthCheckInterval)

	app.logger.Info("Background services started",
		zap.Bool("auto_connect", autoConnect),
		zap.Duration("health_check_interval", app.config.Device.HealthCheckInterval),
	)
}

// connectInstrument opens the configured link. A missing instrument is not
// fatal; it can be connected later through the API.
func (app *Application) connectInstrument(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	info, err := app.instrumentService.Connect(ctx, nil)
	if err != nil {
		app.logger.Warn("Instrument not connected on startup", zap.Error(err))
		return
	}

	app.logger.Info("Instrument connected on startup",
		zap.String("variant", info.Variant),
		zap.String("address", info.Address),
	)
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStop("shutdown signal received")

	if app.background != nil {
		app.background()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Leave the instrument idle with the cell disconnected
	if err := app.instrumentService.Disconnect(ctx); err != nil {
		app.logger.Warn("Instrument disconnect error", zap.Error(err))
	}

	app.eventBus.Stop()

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the HTTP server and blocks until a shutdown signal arrives
func (app *Application) Start(autoConnect bool) error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.startBackgroundServices(autoConnect)

	app.waitForShutdown()

	return nil
}
