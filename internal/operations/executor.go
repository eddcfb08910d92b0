// Package operations implements the default operation executor for
// automation steps: a keyed registry of operation handlers covering data
// transforms and guarded integration calls.
package operations

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tenantry/loom/internal/expressions"
	"github.com/tenantry/loom/internal/integration"
	"github.com/tenantry/loom/internal/runner"
	"github.com/tenantry/loom/pkg/schema"
)

// Handler executes one operation.
type Handler func(ctx context.Context, input map[string]any, octx *runner.OperationContext) (map[string]any, error)

// Executor dispatches operations by key to registered handlers. Implements
// runner.OperationExecutor.
type Executor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewExecutor creates an executor with no handlers registered.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, handlers: make(map[string]Handler)}
}

// Register binds a handler to an operation key. Duplicate keys conflict.
func (e *Executor) Register(key string, h Handler) error {
	if key == "" || h == nil {
		return schema.NewError(schema.ErrCodeValidation, "operation key and handler are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "operation %q already registered", key)
	}
	e.handlers[key] = h
	return nil
}

// Execute dispatches the operation to its handler.
func (e *Executor) Execute(ctx context.Context, op schema.OperationRef, input map[string]any, octx *runner.OperationContext) (map[string]any, error) {
	e.mu.RLock()
	h, ok := e.handlers[op.Key]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "operation %q not registered", op.Key)
	}

	e.logger.DebugContext(ctx, "executing operation", slog.String("operation", op.Key))
	return h(ctx, input, octx)
}

// Connector performs the transport call for integration.call operations.
type Connector func(ctx context.Context, binding schema.ResolvedIntegration, secrets map[string]string, input map[string]any) (map[string]any, error)

// Defaults registers the built-in operation set:
//
//	echo             — returns its input unchanged
//	transform.expr   — evaluates an expr-lang program over {data, input}
//	transform.jq     — runs a jq filter over {data, input}
//	integration.call — invokes a bound integration via the call guard
func Defaults(e *Executor, guard *integration.Guard, connect Connector) error {
	exprEngine := expressions.NewExprEngine()
	jqEngine := expressions.NewJQEngine()

	if err := e.Register("echo", func(_ context.Context, input map[string]any, _ *runner.OperationContext) (map[string]any, error) {
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	}); err != nil {
		return err
	}

	if err := e.Register("transform.expr", transformHandler(exprEngine)); err != nil {
		return err
	}
	if err := e.Register("transform.jq", transformHandler(jqEngine)); err != nil {
		return err
	}

	if guard != nil && connect != nil {
		if err := e.Register("integration.call", integrationCallHandler(guard, connect)); err != nil {
			return err
		}
	}
	return nil
}

// transformHandler evaluates the expression named by the input's
// "expression" key against {data, input} and returns the result. A map
// result passes through as the output; anything else lands under "result".
func transformHandler(engine expressions.Engine) Handler {
	return func(ctx context.Context, input map[string]any, octx *runner.OperationContext) (map[string]any, error) {
		expression, ok := input["expression"].(string)
		if !ok || expression == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"transform via %s requires an 'expression' input", engine.Name())
		}

		scope := map[string]any{"input": input}
		if octx != nil {
			scope["data"] = octx.Data
		}
		result, err := engine.Evaluate(ctx, expression, scope)
		if err != nil {
			return nil, err
		}
		if m, ok := result.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": result}, nil
	}
}

// integrationCallHandler routes the operation through the integration call
// guard. The input names the slot ("slot") and optionally a secret
// reference ("secret_ref"); the rest of the input is the call payload.
func integrationCallHandler(guard *integration.Guard, connect Connector) Handler {
	return func(ctx context.Context, input map[string]any, octx *runner.OperationContext) (map[string]any, error) {
		slot, ok := input["slot"].(string)
		if !ok || slot == "" {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"integration.call requires a 'slot' input")
		}
		secretRef, _ := input["secret_ref"].(string)

		payload := make(map[string]any, len(input))
		for k, v := range input {
			if k == "slot" || k == "secret_ref" {
				continue
			}
			payload[k] = v
		}

		var cfg *schema.ResolvedAppConfig
		if octx != nil {
			cfg = octx.Config
		}
		result := guard.Execute(ctx, cfg, integration.Request{
			Slot:      slot,
			SecretRef: secretRef,
			Input:     payload,
		}, integration.Executor(connect))
		if !result.Success {
			return nil, result.Err
		}
		return result.Output, nil
	}
}

// Keys returns the registered operation keys, for diagnostics.
func (e *Executor) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		keys = append(keys, k)
	}
	return keys
}

var _ runner.OperationExecutor = (*Executor)(nil)
