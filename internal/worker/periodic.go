// Package worker provides supervised periodic background tasks. Each task
// runs on its own ticker with panic isolation, so a failing tick cannot halt
// the runner or its sibling tasks.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of periodic work. Errors are logged, not fatal.
type Task func(ctx context.Context) error

// Periodic runs a Task on a fixed interval until stopped.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPeriodic creates a runner; call Start to begin ticking.
func NewPeriodic(name string, interval time.Duration, logger *zap.Logger, task Task) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With(zap.String("worker", name)),
	}
}

// Start launches the tick loop. Starting an already running worker is a
// no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.logger.Warn("worker already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	p.logger.Info("worker started", zap.Duration("interval", p.interval))

	go p.run(ctx)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("worker stopped")
}

func (p *Periodic) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick executes one round of work with panic recovery and overrun logging.
func (p *Periodic) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker tick panicked", zap.Any("panic", r))
		}
		if elapsed := time.Since(start); elapsed > p.interval {
			p.logger.Warn("worker tick overran its interval",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", p.interval))
		}
	}()

	if err := p.task(ctx); err != nil {
		p.logger.Error("worker tick failed", zap.Error(err))
	}
}
