package webhook

import (
	"context"

	"go.uber.org/zap"

	"github.com/telepay/stargate/internal/worker"
)

// Dispatcher runs the retry loop for undelivered events.
type Dispatcher struct {
	loop *worker.Periodic
}

// NewDispatcher creates the periodic retry dispatcher for svc.
func NewDispatcher(svc *Service, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		loop: worker.NewPeriodic("webhook-dispatcher", svc.cfg.RetryInterval, logger, svc.RetryPending),
	}
}

// Start launches the dispatcher loop.
func (d *Dispatcher) Start(ctx context.Context) { d.loop.Start(ctx) }

// Stop halts the dispatcher loop.
func (d *Dispatcher) Stop() { d.loop.Stop() }
