package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"calcgrid/internal/jobs"
	"calcgrid/internal/service"
	"calcgrid/pkg/lock"
	"calcgrid/pkg/logger"
)

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)

	checkInterval := time.Duration(app.config.Worker.CheckInterval) * time.Second
	heartbeatTimeout := time.Duration(app.config.Worker.HeartbeatTimeout) * time.Second
	manager.Register(newHeartbeatMonitorJob(checkInterval, heartbeatTimeout, app))

	if app.instances != nil {
		// renew three times per ttl so one missed beat never drops the lease
		ttl := app.config.Housekeeping.InstanceTTL
		manager.Register(jobs.Every("instance-lease", ttl/3, func(ctx context.Context) error {
			return app.instances.Heartbeat(ctx, app.instanceID, ttl)
		}))
	}

	if app.config.Housekeeping.Enabled && app.housekeepingService != nil {
		// Each replica sweeps its own rows plus rows of replicas whose lease
		// expired; the lock keeps two replicas from closing the same dead rows.
		// Without Redis the lock degrades to single-instance mode.
		var redisClient *redis.Client
		if app.redisClient != nil {
			redisClient = app.redisClient.GetClient()
		}
		sweepLock := lock.NewRedisDistributedLock(redisClient, "housekeeping:orphan-run-lock")
		manager.Register(newOrphanRunSweepJob(app.config.Housekeeping.Interval, app.housekeepingService, sweepLock))
	}

	app.jobsManager = manager
	return nil
}

// heartbeatMonitorJob disconnects workers whose heartbeats stopped. It works
// on this instance's scheduler only, so it takes no lock.
type heartbeatMonitorJob struct {
	interval time.Duration
	timeout  time.Duration
	app      *Application
}

func newHeartbeatMonitorJob(interval, timeout time.Duration, app *Application) jobs.Job {
	return &heartbeatMonitorJob{
		interval: interval,
		timeout:  timeout,
		app:      app,
	}
}

func (j *heartbeatMonitorJob) Name() string {
	return "heartbeat-monitor"
}

func (j *heartbeatMonitorJob) Interval() time.Duration {
	return j.interval
}

func (j *heartbeatMonitorJob) Run(ctx context.Context) error {
	stale, err := j.app.scheduler.StaleWorkers(ctx, j.timeout)
	if err != nil {
		return fmt.Errorf("failed to list stale workers: %w", err)
	}

	for _, id := range stale {
		logger.WarnCtx(ctx, "worker %s missed heartbeats for %v, disconnecting", id, j.timeout)
		if j.app.hub.CloseWorker(id) {
			// the connection's read loop reports the disconnect
			continue
		}
		if err := j.app.scheduler.WorkerDisconnected(ctx, id); err != nil {
			logger.WarnCtx(ctx, "failed to disconnect worker %s: %v", id, err)
		}
	}
	return nil
}

// orphanRunSweepJob fails audit rows of runs that no replica owns anymore
type orphanRunSweepJob struct {
	interval            time.Duration
	housekeepingService *service.HousekeepingService
	distributedLock     lock.DistributedLock
}

func newOrphanRunSweepJob(interval time.Duration, svc *service.HousekeepingService, l lock.DistributedLock) jobs.Job {
	return &orphanRunSweepJob{
		interval:            interval,
		housekeepingService: svc,
		distributedLock:     l,
	}
}

func (j *orphanRunSweepJob) Name() string {
	return "orphan-run-sweep"
}

func (j *orphanRunSweepJob) Interval() time.Duration {
	return j.interval
}

func (j *orphanRunSweepJob) AlignToInterval() bool {
	return true
}

func (j *orphanRunSweepJob) Run(ctx context.Context) error {
	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is sweeping orphan runs, skipping this cycle")
			return nil
		}
		defer j.distributedLock.Unlock(ctx)
	}

	n, err := j.housekeepingService.SweepOrphanRuns(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.InfoCtx(ctx, "orphan run sweep failed %d runs", n)
	}
	return nil
}

