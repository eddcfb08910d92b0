// Package integration wraps external integration invocations with slot
// resolution, secret fetching, retry/backoff and telemetry.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tenantry/loom/pkg/schema"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 250 * time.Millisecond
)

// SecretProvider fetches raw secret material for a reference. Providers are
// tried in order; the first whose CanHandle returns true is used.
type SecretProvider interface {
	CanHandle(ref string) bool
	GetSecret(ctx context.Context, ref string) ([]byte, error)
}

// Executor performs the actual integration call once secrets are resolved.
type Executor func(ctx context.Context, binding schema.ResolvedIntegration, secrets map[string]string, input map[string]any) (map[string]any, error)

// TelemetryEvent records one call attempt.
type TelemetryEvent struct {
	Slot      string
	Attempt   int
	Success   bool
	Error     string
	Latency   time.Duration
	Timestamp time.Time
}

// TelemetryEmitter receives one event per attempt, success or failure.
type TelemetryEmitter func(ctx context.Context, event TelemetryEvent)

// Result is the call outcome. Errors are always reported here, never
// returned as a Go error to the caller.
type Result struct {
	Success  bool
	Output   map[string]any
	Err      error
	Attempts int
}

// Request describes one guarded call.
type Request struct {
	Slot      string
	SecretRef string
	Input     map[string]any
}

// ShouldRetry decides whether a failed attempt is worth repeating.
type ShouldRetry func(err error, attempt int) bool

// Guard executes integration calls against the bindings of a resolved app
// configuration. Unbound slots and connections that are not ready fail fast
// without consuming attempts.
type Guard struct {
	providers   []SecretProvider
	telemetry   TelemetryEmitter
	shouldRetry ShouldRetry
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
	clock       func() time.Time
}

// GuardConfig configures a Guard. Zero values fall back to defaults:
// three attempts, 250ms fixed backoff, retry only errors flagged retryable.
type GuardConfig struct {
	Providers   []SecretProvider
	Telemetry   TelemetryEmitter
	ShouldRetry ShouldRetry
	MaxAttempts int
	Backoff     time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      *slog.Logger
	Clock       func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = retryableOnly
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Guard{
		providers:   cfg.Providers,
		telemetry:   cfg.Telemetry,
		shouldRetry: cfg.ShouldRetry,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		sleep:       cfg.Sleep,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}
}

// retryableOnly is the default retry predicate: only errors explicitly
// flagged retryable get another attempt.
func retryableOnly(err error, _ int) bool {
	var le *schema.LoomError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute resolves the request's slot against the configuration, fetches
// its secret and runs the executor under the retry policy. The returned
// Result always carries the outcome; Execute never propagates call errors
// as a Go error.
func (g *Guard) Execute(ctx context.Context, cfg *schema.ResolvedAppConfig, req Request, exec Executor) Result {
	binding, err := g.resolveSlot(cfg, req.Slot)
	if err != nil {
		return Result{Err: err}
	}

	secrets, err := g.resolveSecrets(ctx, req.SecretRef)
	if err != nil {
		return Result{Err: err}
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		attempts = attempt
		start := g.clock()
		output, execErr := exec(ctx, binding, secrets, req.Input)
		g.emitTelemetry(ctx, req.Slot, attempt, execErr, g.clock().Sub(start))

		if execErr == nil {
			return Result{Success: true, Output: output, Attempts: attempt}
		}
		lastErr = execErr
		g.logger.WarnContext(ctx, "integration call failed",
			slog.String("slot", req.Slot),
			slog.Int("attempt", attempt),
			slog.String("error", execErr.Error()))

		if attempt == g.maxAttempts || !g.shouldRetry(execErr, attempt) {
			break
		}
		if err := g.sleep(ctx, g.backoff); err != nil {
			return Result{Err: err, Attempts: attempt}
		}
	}

	return Result{
		Err: schema.NewErrorf(schema.ErrCodeIntegration,
			"integration call to slot %q failed", req.Slot).WithCause(lastErr),
		Attempts: attempts,
	}
}

// resolveSlot fails fast on unbound slots and connections that are not in
// the connected state; neither condition is retryable.
func (g *Guard) resolveSlot(cfg *schema.ResolvedAppConfig, slot string) (schema.ResolvedIntegration, error) {
	if cfg == nil || cfg.Integrations == nil {
		return schema.ResolvedIntegration{}, schema.NewErrorf(schema.ErrCodeSlotNotBound,
			"integration slot %q is not bound", slot)
	}
	binding, ok := cfg.Integrations[slot]
	if !ok {
		return schema.ResolvedIntegration{}, schema.NewErrorf(schema.ErrCodeSlotNotBound,
			"integration slot %q is not bound", slot)
	}
	if binding.Status != "" && binding.Status != "connected" {
		return schema.ResolvedIntegration{}, schema.NewErrorf(schema.ErrCodeConnectionNotReady,
			"integration slot %q connection is %s", slot, binding.Status)
	}
	return binding, nil
}

// resolveSecrets fetches and flattens the secret for the reference. JSON
// object payloads flatten to string key/value pairs; anything else lands
// under the "secret" key verbatim. An empty ref resolves to no secrets.
func (g *Guard) resolveSecrets(ctx context.Context, ref string) (map[string]string, error) {
	if ref == "" {
		return nil, nil
	}
	for _, p := range g.providers {
		if !p.CanHandle(ref) {
			continue
		}
		raw, err := p.GetSecret(ctx, ref)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSecret,
				"resolve secret %q", ref).WithCause(err)
		}
		return flattenSecret(raw), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeSecret,
		"no secret provider can handle %q", ref)
}

func flattenSecret(raw []byte) map[string]string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return map[string]string{"secret": string(raw)}
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func (g *Guard) emitTelemetry(ctx context.Context, slot string, attempt int, execErr error, latency time.Duration) {
	if g.telemetry == nil {
		return
	}
	ev := TelemetryEvent{
		Slot:      slot,
		Attempt:   attempt,
		Success:   execErr == nil,
		Latency:   latency,
		Timestamp: g.clock(),
	}
	if execErr != nil {
		ev.Error = execErr.Error()
	}
	g.telemetry(ctx, ev)
}
