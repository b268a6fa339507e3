// Package lane runs the commands for one ledger strictly one at a time, in
// the order they were accepted.
package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the lane cannot accept more tasks
	ErrQueueFull = errors.New("lane queue is full")
	// ErrStopped is returned after Stop
	ErrStopped = errors.New("lane is stopped")
)

// Task represents a unit of work to be executed
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Lane is a single-worker FIFO executor
type Lane struct {
	name      string
	queue     chan Task
	queueSize int
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	mu        sync.RWMutex
	stopped   bool
	active    int32
	accepted  uint64
	completed uint64
	failed    uint64
	refused   uint64
}

// Config holds lane configuration
type Config struct {
	Name      string
	QueueSize int
	Logger    *zap.Logger
}

// New creates and starts a lane
func New(cfg Config) *Lane {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lane{
		name:      cfg.Name,
		queue:     make(chan Task, cfg.QueueSize),
		queueSize: cfg.QueueSize,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	l.wg.Add(1)
	go l.run()

	l.logger.Info("Command lane started",
		zap.String("lane", l.name),
		zap.Int("queue_size", l.queueSize))
	return l
}

func (l *Lane) run() {
	defer l.wg.Done()
	for task := range l.queue {
		l.execute(task)
	}
}

func (l *Lane) execute(task Task) {
	atomic.StoreInt32(&l.active, 1)
	defer atomic.StoreInt32(&l.active, 0)

	start := time.Now()
	err := l.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&l.failed, 1)
		l.logger.Warn("Lane task failed",
			zap.String("lane", l.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&l.completed, 1)
	l.logger.Debug("Lane task completed",
		zap.String("lane", l.name),
		zap.String("task_id", task.ID),
		zap.Duration("duration", duration))
}

// safeExecute executes a task with panic recovery
func (l *Lane) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			l.logger.Error("Lane task panic recovered",
				zap.String("lane", l.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(l.ctx)
}

// Submit enqueues a task without blocking
func (l *Lane) Submit(task Task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.stopped {
		atomic.AddUint64(&l.refused, 1)
		return fmt.Errorf("%s: %w", l.name, ErrStopped)
	}
	select {
	case l.queue <- task:
		atomic.AddUint64(&l.accepted, 1)
		return nil
	default:
		atomic.AddUint64(&l.refused, 1)
		return fmt.Errorf("%s: %w", l.name, ErrQueueFull)
	}
}

// Stop refuses new tasks, cancels the context passed to running and queued
// tasks, and waits for the queue to drain.
func (l *Lane) Stop(timeout time.Duration) error {
	var err error
	l.stopOnce.Do(func() {
		l.logger.Info("Stopping command lane", zap.String("lane", l.name))

		l.mu.Lock()
		l.stopped = true
		close(l.queue)
		l.mu.Unlock()
		l.cancel()

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			l.logger.Info("Command lane stopped", zap.String("lane", l.name))
		case <-time.After(timeout):
			err = fmt.Errorf("lane '%s' stop timeout after %v", l.name, timeout)
			l.logger.Warn("Command lane stop timeout", zap.String("lane", l.name))
		}
	})
	return err
}

// Stats represents lane statistics
type Stats struct {
	Name      string
	QueueSize int
	Queued    int
	Busy      bool
	Accepted  uint64
	Completed uint64
	Failed    uint64
	Refused   uint64
}

// Stats returns current lane statistics
func (l *Lane) Stats() Stats {
	return Stats{
		Name:      l.name,
		QueueSize: l.queueSize,
		Queued:    len(l.queue),
		Busy:      atomic.LoadInt32(&l.active) == 1,
		Accepted:  atomic.LoadUint64(&l.accepted),
		Completed: atomic.LoadUint64(&l.completed),
		Failed:    atomic.LoadUint64(&l.failed),
		Refused:   atomic.LoadUint64(&l.refused),
	}
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.Queued) / float64(s.QueueSize)) * 100.0
}
