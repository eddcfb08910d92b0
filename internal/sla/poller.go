package sla

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tenantry/loom/internal/state"
	"github.com/tenantry/loom/pkg/schema"
)

// Poller periodically sweeps active workflow instances through the Monitor.
// The sweep cadence comes from a standard five-field cron expression so
// operators can tune it without a redeploy.
type Poller struct {
	store    state.Store
	monitor  *Monitor
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a Poller sweeping on the given cron schedule
// (e.g. "*/5 * * * *" for every five minutes).
func NewPoller(st state.Store, monitor *Monitor, cronExpr string, logger *slog.Logger) (*Poller, error) {
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "state store is required")
	}
	if monitor == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "monitor is required")
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid sla poll schedule %q", cronExpr).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: st, monitor: monitor, schedule: schedule, logger: logger}, nil
}

// Start launches the background sweep loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("sla poller already started")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(pollCtx)
	p.logger.Info("sla poller started")
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	// Sweep immediately, then follow the schedule.
	p.Sweep(ctx)

	for {
		next := p.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep checks every active instance once. Exposed for on-demand checks and
// tests.
func (p *Poller) Sweep(ctx context.Context) {
	states, err := p.store.List(ctx, state.Filter{
		Statuses: []schema.WorkflowStatus{
			schema.WorkflowStatusRunning,
			schema.WorkflowStatusPaused,
		},
	})
	if err != nil {
		p.logger.Error("sla sweep list failed", slog.String("error", err.Error()))
		return
	}
	for _, st := range states {
		p.monitor.Check(ctx, st)
	}
}

// Stop terminates the sweep loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		p.logger.Info("sla poller stopped")
	}
}
