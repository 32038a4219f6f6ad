package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"calcgrid/app/handler"
	"calcgrid/app/router"
	"calcgrid/internal/hub"
	"calcgrid/internal/scheduler"
	"calcgrid/internal/service"
	"calcgrid/pkg/config"
	"calcgrid/pkg/logger"
	"calcgrid/pkg/notification"
	queueasynq "calcgrid/pkg/queue/asynq"
	queueredis "calcgrid/pkg/queue/redis"
	mysqlstore "calcgrid/pkg/store/mysql"
	redisstore "calcgrid/pkg/store/redis"
	"calcgrid/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	return nil
}

// initTracing installs the OpenTelemetry tracer provider
func (app *Application) initTracing() error {
	shutdown, err := tracing.Init(app.ctx, app.config.Tracing)
	if err != nil {
		return err
	}
	app.registerCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.WarnCtx(app.ctx, "Tracer shutdown error: %v", err)
		}
	})
	return nil
}

// initMySQL opens the audit store and migrates its tables
func (app *Application) initMySQL() error {
	repo, err := mysqlstore.NewRepository(mysqlstore.DSN(app.config.MySQL))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30 * time.Second)
	defer cancel()
	if err := repo.GetDatastore().AutoMigrate(ctx); err != nil {
		repo.Close()
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})

	return nil
}

// initRedis initializes Redis
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config.Redis)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.delivery = queueredis.NewDeliveryQueue(client, app.config.Scheduler.DeliveryPrefix)
	app.presence = redisstore.NewWorkerRepository(client)
	app.instances = redisstore.NewInstanceRepository(client)
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	app.instanceID = app.config.Server.InstanceID
	if app.instanceID == "" {
		app.instanceID = uuid.NewString()
	}
	// hold the lease before any run is stamped with this id
	if err := app.instances.Heartbeat(app.ctx, app.instanceID, app.config.Housekeeping.InstanceTTL); err != nil {
		return err
	}
	app.registerCleanup(func() {
		if err := app.instances.Release(context.Background(), app.instanceID); err != nil {
			logger.WarnCtx(app.ctx, "failed to release instance lease: %v", err)
		}
	})
	logger.InfoCtx(app.ctx, "Running as instance %s", app.instanceID)

	return nil
}

// initQueue creates the asynq manager when audit writes are queued
func (app *Application) initQueue() error {
	if !app.config.Queue.Enabled {
		logger.InfoCtx(app.ctx, "Audit queue disabled, audit writes go straight to MySQL")
		return nil
	}

	manager, err := queueasynq.NewManager(app.config.Redis, app.config.Queue)
	if err != nil {
		return err
	}
	app.queueManager = manager
	app.registerCleanup(func() {
		manager.Close()
		logger.InfoCtx(app.ctx, "Audit queue client has been closed")
	})
	return nil
}

// initScheduler wires the hub, audit store and finalizer around the scheduler
func (app *Application) initScheduler() error {
	app.auditService = service.NewAuditService(app.mysqlRepo.Run, app.mysqlRepo.Batch, app.mysqlRepo.Reassignment)
	if app.queueManager != nil {
		app.auditService.WithQueue(app.queueManager)
	}
	alerter := notification.NewFeishuNotifier(app.config.Notification.FeishuWebhookURL)
	if alerter.Enabled() {
		app.auditService.WithAlerter(alerter)
	}

	app.resultService = service.NewResultService()

	app.hub = hub.New(app.delivery, app.presence, hub.Options{
		SendBuffer: app.config.Worker.SendBuffer,
	})

	sc := app.config.Scheduler
	app.scheduler = scheduler.New(scheduler.Options{
		BatchCount:       sc.BatchCount,
		ProgressInterval: sc.ProgressInterval,
		FinalizeTimeout:  sc.FinalizeTimeout,
		DefaultScore:     sc.DefaultScore,
		InstanceID:       app.instanceID,
	}, app.delivery, app.hub, app.resultService, app.auditService)
	app.hub.Bind(app.scheduler)

	return nil
}

// initServices initializes the read side services
func (app *Application) initServices() error {
	app.monitoringService = service.NewMonitoringService(
		app.scheduler,
		app.mysqlRepo.Run,
		app.mysqlRepo.Batch,
		app.mysqlRepo.Reassignment,
		app.presence,
	)

	app.housekeepingService = service.NewHousekeepingService(
		app.mysqlRepo.Run,
		app.scheduler,
		app.config.Housekeeping.MinAge,
	).WithOwnership(app.instanceID, app.instances)
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.socketHandler = handler.NewSocketHandler(app.hub)
	app.workerHandler = handler.NewWorkerHandler(app.monitoringService)
	app.monitoringHandler = handler.NewMonitoringHandler(app.monitoringService)
	app.healthHandler = handler.NewHealthHandler(app.mysqlRepo.GetDatastore(), app.redisClient, app.hub)
	return nil
}

// initHTTPServer initializes the HTTP server
func (app *Application) initHTTPServer() error {
	r := router.NewRouter(app.socketHandler, app.workerHandler, app.monitoringHandler, app.healthHandler)

	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}

	return nil
}
