package app

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned when work is submitted to a loop that is not running
var ErrLoopStopped = errors.New("event loop stopped")

// EventLoop runs posted functions one at a time on a single goroutine.
// All state owned by the loop must only be touched from posted functions.
type EventLoop struct {
	logger   *zap.Logger
	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	running  bool
	stopChan chan struct{}
	exited   chan struct{}
	workerWg sync.WaitGroup
}

// NewEventLoop creates a stopped event loop
func NewEventLoop(logger *zap.Logger) *EventLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLoop{
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start starts the loop goroutine. It exits when ctx is done or Stop is called.
func (l *EventLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("event loop already running")
	}
	l.running = true
	l.mu.Unlock()

	l.workerWg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop stops the loop and waits for the function in progress to return.
// Functions still queued are dropped.
func (l *EventLoop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return errors.New("event loop not running")
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	l.workerWg.Wait()
	return nil
}

// IsRunning returns whether the loop accepts work
func (l *EventLoop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Post queues fn without waiting. It never blocks, so it is safe to call from
// transfer callbacks, timers and the loop itself.
func (l *EventLoop) Post(fn func()) bool {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called from the loop.
func (l *EventLoop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopStopped
	}

	select {
	case <-done:
		return nil
	case <-l.exited:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *EventLoop) run(ctx context.Context) {
	defer l.workerWg.Done()
	defer close(l.exited)
	defer func() {
		l.mu.Lock()
		l.running = false
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Event loop stopped", zap.String("reason", "context_cancelled"))
			return
		case <-l.stopChan:
			l.logger.Debug("Event loop stopped", zap.String("reason", "stop_signal"))
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			for _, fn := range batch {
				l.runOne(fn)
			}
		}
	}
}

func (l *EventLoop) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in event loop task", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
