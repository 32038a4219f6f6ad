package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"calcgrid/pkg/logger"
)

// Job a periodic background task
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// AlignedJob starts on a multiple of its interval (e.g. on the hour) instead
// of immediately
type AlignedJob interface {
	Job
	AlignToInterval() bool
}

type funcJob struct {
	name     string
	interval time.Duration
	align    bool
	fn       func(ctx context.Context) error
}

func (j *funcJob) Name() string                  { return j.name }
func (j *funcJob) Interval() time.Duration       { return j.interval }
func (j *funcJob) Run(ctx context.Context) error { return j.fn(ctx) }
func (j *funcJob) AlignToInterval() bool         { return j.align }

// Every wraps fn as a job that runs at start and then every interval
func Every(name string, interval time.Duration, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, interval: interval, fn: fn}
}

// Aligned wraps fn as a job that first runs on the next interval boundary
func Aligned(name string, interval time.Duration, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, interval: interval, align: true, fn: fn}
}

// Manager runs registered jobs until stopped. A run never overlaps the
// previous run of the same job.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to parent
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job; jobs registered after Start are ignored
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		logger.WarnCtx(m.ctx, "job %s registered after start, ignored", job.Name())
		return
	}
	m.jobs = append(m.jobs, job)
}

// Start launches all registered jobs
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.loop(job)
	}
}

// Stop cancels every job and waits for running executions to return
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) loop(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	var first time.Duration
	if aligned, ok := job.(AlignedJob); ok && aligned.AlignToInterval() {
		now := time.Now()
		first = now.Truncate(interval).Add(interval).Sub(now)
		logger.InfoCtx(m.ctx, "job %s first runs in %v", job.Name(), first.Round(time.Second))
	}

	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
			m.execute(job)
			timer.Reset(interval)
		}
	}
}

func (m *Manager) execute(job Job) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return job.Run(m.ctx)
	}()
	if err != nil {
		logger.WarnCtx(m.ctx, "background job %s failed after %v: %v", job.Name(), time.Since(start), err)
		return
	}
	logger.DebugCtx(m.ctx, "background job %s done in %v", job.Name(), time.Since(start))
}
