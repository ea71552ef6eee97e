package core

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"analysisd/metrics"
	"analysisd/util/goroutine"

	"go.uber.org/zap"
)

var poolTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// WorkerPool runs submitted tasks on a fixed number of goroutines
type WorkerPool struct {
	workers   int
	queueSize int
	taskCh    chan func()
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	mu        sync.RWMutex
	poolType  string // metrics label
}

// NewWorkerPool creates a worker pool bound to parentCtx. Workers are not
// started until Start is called; cancelling parentCtx stops them.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, poolType string, logger *zap.SugaredLogger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if !poolTypePattern.MatchString(poolType) {
		logger.Warnw("Invalid poolType, using default", "poolType", poolType)
		poolType = "default"
	}

	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:   workers,
		queueSize: queueSize,
		taskCh:    make(chan func(), queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		poolType:  poolType,
	}
}

// Start begins processing tasks
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return nil
	}
	if wp.ctx.Err() != nil {
		return ErrWorkerPoolNotRunning
	}

	wp.running = true
	wp.logger.Infow("Starting worker pool", "pool_type", wp.poolType, "workers", wp.workers, "queue_size", wp.queueSize)
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop closes the queue and waits for queued tasks to drain.
// Stop is safe to call multiple times.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	close(wp.taskCh)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool_type", wp.poolType)
	case <-time.After(30 * time.Second):
		wp.logger.Errorw("Worker pool shutdown timed out",
			"pool_type", wp.poolType,
			"workers", wp.workers)
	}
	wp.cancel()
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(0)
}

// Submit queues a task, blocking until there is room, the pool's context is
// cancelled, or ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running || wp.ctx.Err() != nil {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
		return nil
	case <-wp.ctx.Done():
		return ErrWorkerPoolNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking.
func (wp *WorkerPool) TrySubmit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running || wp.ctx.Err() != nil {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return WorkerPoolStats{
		Workers:     wp.workers,
		QueueSize:   wp.queueSize,
		Running:     wp.running,
		QueuedTasks: len(wp.taskCh),
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool", wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debugw("Worker stopping due to context cancellation", "worker_id", id)
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			if err := goroutine.Safe(wp.poolType, wp.logger, task); err == nil {
				metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolType).Inc()
			}
		}
	}
}

// WorkerPoolStats contains statistics about the worker pool
type WorkerPoolStats struct {
	Workers     int  `json:"workers"`
	QueueSize   int  `json:"queue_size"`
	Running     bool `json:"running"`
	QueuedTasks int  `json:"queued_tasks"`
}

// Errors
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)
