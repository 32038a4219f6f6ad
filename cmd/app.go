package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"calcgrid/app/handler"
	"calcgrid/internal/hub"
	"calcgrid/internal/jobs"
	"calcgrid/internal/scheduler"
	"calcgrid/internal/service"
	"calcgrid/pkg/config"
	"calcgrid/pkg/logger"
	queueasynq "calcgrid/pkg/queue/asynq"
	queueredis "calcgrid/pkg/queue/redis"
	mysqlstore "calcgrid/pkg/store/mysql"
	redisstore "calcgrid/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

// Application manages the lifecycle of the entire application
type Application struct {
	// Infrastructure components
	config       *config.Config
	mysqlRepo    *mysqlstore.Repository
	redisClient  *redisstore.RedisClient
	queueManager *queueasynq.Manager
	delivery     *queueredis.DeliveryQueue
	presence     *redisstore.WorkerRepository
	instances    *redisstore.InstanceRepository
	instanceID   string

	// Core
	scheduler *scheduler.Scheduler
	hub       *hub.Hub

	// Service layer
	auditService        *service.AuditService
	resultService       *service.ResultService
	monitoringService   *service.MonitoringService
	housekeepingService *service.HousekeepingService

	// Handler layer
	socketHandler     *handler.SocketHandler
	workerHandler     *handler.WorkerHandler
	monitoringHandler *handler.MonitoringHandler
	healthHandler     *handler.HealthHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Cleanup functions, run in reverse registration order
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Tracing", app.initTracing},
		{"MySQL", app.initMySQL},
		{"Redis", app.initRedis},
		{"Audit Queue", app.initQueue},
		{"Scheduler", app.initScheduler},
		{"Service Layer", app.initServices},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	// 1. Audit queue consumer
	if app.queueManager != nil {
		app.queueManager.RegisterHandler(queueasynq.TypeAuditRecord, asynq.HandlerFunc(app.auditService.HandleAuditTask))
		if err := app.queueManager.Start(); err != nil {
			return fmt.Errorf("failed to start audit queue: %w", err)
		}
	}

	// 2. Scheduler event loop
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.scheduler.Run(app.ctx); err != nil {
			logger.ErrorCtx(app.ctx, "Scheduler stopped: %v", err)
		}
	}()

	// 3. Background tasks
	if app.jobsManager != nil {
		logger.InfoCtx(app.ctx, "Starting background task manager")
		app.jobsManager.Start()
	}

	// 4. HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Stop accepting connections and drop the open websockets
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}
	app.hub.CloseAll()

	// 2. Stop background tasks and the scheduler loop
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}
	app.cancel()

	// 3. Wait for the scheduler and HTTP goroutines
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 4. The scheduler has flushed its audit writes by now; drain the queue consumer
	if app.queueManager != nil {
		app.queueManager.Stop()
	}

	// 5. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	logger.Sync()
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
