package migration

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/internal/manifest"
	"github.com/Syncano/syncano-platform-sub000/internal/tenant"
)

// maxRetryDelay caps the backoff of tasks that keep failing.
const maxRetryDelay = 10 * time.Minute

// DispatcherConfig holds configuration for the task dispatcher.
type DispatcherConfig struct {
	// PollInterval is how often every tenant queue is scanned
	PollInterval time.Duration

	// RequeueDelay postpones tasks whose klass is locked by another worker,
	// and is the base of the backoff of failed tasks
	RequeueDelay time.Duration

	// Workers bounds how many tenants are processed in parallel
	Workers int

	// BatchSize bounds how many tasks are taken from one tenant per poll
	BatchSize int
}

// DispatcherConfigFromConfig converts the migration configuration.
func DispatcherConfigFromConfig(cfg config.MigrationConfig) DispatcherConfig {
	return DispatcherConfig{
		PollInterval: cfg.PollInterval,
		RequeueDelay: cfg.RequeueDelay,
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
	}
}

// PollStats summarizes one dispatcher pass.
type PollStats struct {
	Tenants   int
	Completed int
	Requeued  int
	Failed    int
}

// Dispatcher drains the per-tenant task queues in the background. Tasks of
// one tenant run one after another; tenants run in parallel up to the
// concurrency the backpressure controller allows.
type Dispatcher struct {
	config  DispatcherConfig
	tenants tenant.Provider
	orch    *Orchestrator
	bp      *Backpressure
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(cfg DispatcherConfig, tenants tenant.Provider, orch *Orchestrator, m *Metrics) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Dispatcher{
		config:  cfg,
		tenants: tenants,
		orch:    orch,
		bp:      NewBackpressure(DefaultBackpressureConfig(cfg.Workers)),
		metrics: m,
		now:     time.Now,
	}
}

// Start begins the dispatch loop. It runs until the context is cancelled or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("migration: dispatcher is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the dispatcher and waits for the current pass to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// RunOnce performs a single pass over every tenant queue.
func (d *Dispatcher) RunOnce(ctx context.Context) PollStats {
	return d.runOnce(ctx)
}

func (d *Dispatcher) runOnce(ctx context.Context) PollStats {
	var stats PollStats
	if ctx.Err() != nil {
		return stats
	}

	ids, err := d.tenants.List(ctx)
	if err != nil {
		log.Printf("migration: failed to list tenants: %v", err)
		return stats
	}
	stats.Tenants = len(ids)

	workers := d.bp.Adjust()
	d.metrics.setConcurrency(workers)

	var (
		completed, requeued, failed atomic.Int64
		wg                          sync.WaitGroup
	)
	sem := make(chan struct{}, workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()
			c, r, f := d.processTenant(ctx, tenantID)
			completed.Add(int64(c))
			requeued.Add(int64(r))
			failed.Add(int64(f))
		}(id)
	}
	wg.Wait()

	stats.Completed = int(completed.Load())
	stats.Requeued = int(requeued.Load())
	stats.Failed = int(failed.Load())
	if stats.Completed+stats.Requeued+stats.Failed > 0 {
		log.Printf("migration: pass over %d tenants: %d completed, %d requeued, %d failed",
			stats.Tenants, stats.Completed, stats.Requeued, stats.Failed)
	}
	return stats
}

// processTenant runs the due tasks of one tenant in queue order.
func (d *Dispatcher) processTenant(ctx context.Context, tenantID string) (completed, requeued, failed int) {
	store, err := manifest.Open(ctx, d.tenants, tenantID)
	if err != nil {
		if !tenant.IsNotFound(err) {
			log.Printf("migration: [WARN] failed to open tenant %s: %v", tenantID, err)
		}
		return
	}

	tasks, err := store.DueTasks(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		log.Printf("migration: [WARN] failed to read task queue of %s: %v", tenantID, err)
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		switch d.handle(ctx, store, tenantID, task) {
		case taskDone:
			completed++
		case taskRequeued:
			requeued++
		case taskFailed:
			failed++
		}
	}

	if n, err := store.PendingTasks(ctx); err == nil {
		d.metrics.setPending(tenantID, n)
	}
	return
}

type taskResult int

const (
	taskDone taskResult = iota
	taskRequeued
	taskFailed
)

func (d *Dispatcher) handle(ctx context.Context, store *manifest.Store, tenantID string, task manifest.Task) taskResult {
	var (
		busy bool
		ok   = true
		err  error
	)
	switch task.Kind {
	case manifest.TaskMigrate:
		var res *Result
		res, err = d.orch.RunMigration(ctx, tenantID, task.KlassID)
		if err == nil {
			busy = res.Outcome == Busy
			ok = len(res.Failed) == 0
		}
	case manifest.TaskCleanup:
		_, err = d.orch.DeleteClassIndexes(ctx, tenantID, task.KlassID)
		if errors.GetCode(err) == errors.CodeLockHeld {
			busy, err = true, nil
		}
	default:
		log.Printf("migration: [WARN] dropping task %d of %s with unknown kind %q", task.ID, tenantID, task.Kind)
	}

	if ctx.Err() != nil {
		return taskFailed
	}

	switch {
	case err != nil:
		d.bp.Record(false)
		delay := d.retryDelay(task.Attempts)
		log.Printf("migration: [WARN] %s task %d of %s/klass %d failed (attempt %d), retrying in %s: %v",
			task.Kind, task.ID, tenantID, task.KlassID, task.Attempts+1, delay, err)
		d.reschedule(ctx, store, task, delay)
		return taskFailed
	case busy:
		d.reschedule(ctx, store, task, d.config.RequeueDelay)
		return taskRequeued
	}

	d.bp.Record(ok)
	if err := store.CompleteTask(ctx, task.ID); err != nil {
		log.Printf("migration: [WARN] failed to complete task %d of %s: %v", task.ID, tenantID, err)
		return taskFailed
	}
	return taskDone
}

func (d *Dispatcher) reschedule(ctx context.Context, store *manifest.Store, task manifest.Task, delay time.Duration) {
	if err := store.RescheduleTask(ctx, task.ID, d.now().Add(delay)); err != nil {
		log.Printf("migration: [WARN] failed to reschedule task %d: %v", task.ID, err)
	}
}

// retryDelay doubles the requeue delay per attempt, up to maxRetryDelay.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.config.RequeueDelay
	for i := 0; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// Backpressure returns the dispatcher's concurrency controller.
func (d *Dispatcher) Backpressure() *Backpressure {
	return d.bp
}
