// Package sla watches running workflow instances for deadline breaches and
// raises workflow.sla_breach events.
package sla

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tenantry/loom/pkg/schema"
)

// BreachKind distinguishes the two deadline classes.
type BreachKind string

const (
	BreachTotal BreachKind = "total"
	BreachStep  BreachKind = "step"
)

// Breach describes a detected deadline violation.
type Breach struct {
	WorkflowID string
	Kind       BreachKind
	StepID     string // set for step breaches
	DeadlineMs int64
	ElapsedMs  int64
	DetectedAt time.Time
}

// BreachHandler receives breach notifications.
type BreachHandler func(ctx context.Context, breach Breach)

// SpecLookup resolves workflow specs by name and version.
type SpecLookup interface {
	Get(key string, version ...int) (schema.WorkflowSpec, bool)
}

// Monitor checks workflow instances against their spec's SLA deadlines.
// With a positive cooldown, a breach is reported at most once per window
// per (workflow, kind, step) key so repeated checks of the same stuck
// instance do not repeat notifications indefinitely. Cooldown zero disables
// de-duplication entirely: every check of a breached instance notifies.
type Monitor struct {
	specs    SpecLookup
	handler  BreachHandler
	emit     func(ctx context.Context, event string, payload map[string]any)
	logger   *slog.Logger
	clock    func() time.Time
	cooldown time.Duration

	mu       sync.Mutex
	notified map[string]time.Time
}

// MonitorConfig configures a Monitor. Specs is required. A positive
// Cooldown suppresses repeat notifications for a breach key inside the
// window, zero notifies on every check, and a negative value notifies
// once per key until Forget re-arms it.
type MonitorConfig struct {
	Specs    SpecLookup
	Handler  BreachHandler
	Events   func(ctx context.Context, event string, payload map[string]any)
	Logger   *slog.Logger
	Clock    func() time.Time
	Cooldown time.Duration
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Specs == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec lookup is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		specs:    cfg.Specs,
		handler:  cfg.Handler,
		emit:     cfg.Events,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		cooldown: cfg.Cooldown,
		notified: make(map[string]time.Time),
	}, nil
}

// Check evaluates one instance against its SLA and returns the breaches
// notified on this pass. Terminal instances and specs without an SLA block
// never breach. Breaches suppressed by the cooldown window are not
// returned.
func (m *Monitor) Check(ctx context.Context, st *schema.WorkflowState) []Breach {
	if st == nil || st.Status.Terminal() {
		return nil
	}
	spec, ok := m.specs.Get(st.WorkflowName, st.WorkflowVersion)
	if !ok || spec.Definition.SLA == nil {
		return nil
	}

	sla := spec.Definition.SLA
	now := m.clock()
	var breaches []Breach

	if sla.TotalDurationMs > 0 {
		elapsed := now.Sub(st.CreatedAt).Milliseconds()
		if elapsed > sla.TotalDurationMs {
			b := Breach{
				WorkflowID: st.WorkflowID,
				Kind:       BreachTotal,
				DeadlineMs: sla.TotalDurationMs,
				ElapsedMs:  elapsed,
				DetectedAt: now,
			}
			if m.shouldNotify(b, now) {
				breaches = append(breaches, b)
			}
		}
	}

	if deadline, ok := sla.StepDurationMs[st.CurrentStep]; ok && deadline > 0 {
		since := currentStepSince(st)
		elapsed := now.Sub(since).Milliseconds()
		if elapsed > deadline {
			b := Breach{
				WorkflowID: st.WorkflowID,
				Kind:       BreachStep,
				StepID:     st.CurrentStep,
				DeadlineMs: deadline,
				ElapsedMs:  elapsed,
				DetectedAt: now,
			}
			if m.shouldNotify(b, now) {
				breaches = append(breaches, b)
			}
		}
	}

	for _, b := range breaches {
		m.notify(ctx, b)
	}
	return breaches
}

// currentStepSince determines when the instance entered its current step:
// a still-running execution's start time, else the completion time of the
// last finished step, else the instance's creation time.
func currentStepSince(st *schema.WorkflowState) time.Time {
	for i := len(st.History) - 1; i >= 0; i-- {
		exec := st.History[i]
		if exec.StepID == st.CurrentStep && exec.Status == schema.ExecutionStatusRunning {
			return exec.StartedAt
		}
	}
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].CompletedAt != nil {
			return *st.History[i].CompletedAt
		}
	}
	return st.CreatedAt
}

func (m *Monitor) shouldNotify(b Breach, now time.Time) bool {
	if m.cooldown == 0 {
		return true
	}
	key := b.WorkflowID + "|" + string(b.Kind) + "|" + b.StepID

	m.mu.Lock()
	defer m.mu.Unlock()
	last, seen := m.notified[key]
	if seen && (m.cooldown < 0 || now.Sub(last) < m.cooldown) {
		return false
	}
	m.notified[key] = now
	return true
}

func (m *Monitor) notify(ctx context.Context, b Breach) {
	m.logger.WarnContext(ctx, "sla breach",
		slog.String("workflow_id", b.WorkflowID),
		slog.String("kind", string(b.Kind)),
		slog.String("step_id", b.StepID),
		slog.Int64("deadline_ms", b.DeadlineMs),
		slog.Int64("elapsed_ms", b.ElapsedMs))

	if m.emit != nil {
		m.emit(ctx, schema.EventSLABreach, map[string]any{
			"workflow_id": b.WorkflowID,
			"kind":        string(b.Kind),
			"step_id":     b.StepID,
			"deadline_ms": b.DeadlineMs,
			"elapsed_ms":  b.ElapsedMs,
		})
	}
	if m.handler != nil {
		m.handler(ctx, b)
	}
}

// Forget clears the dedup record for an instance, re-arming notifications.
// Called when an instance reaches a terminal state.
func (m *Monitor) Forget(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.notified {
		if len(key) > len(workflowID) && key[:len(workflowID)] == workflowID && key[len(workflowID)] == '|' {
			delete(m.notified, key)
		}
	}
}
