package operations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantry/loom/internal/integration"
	"github.com/tenantry/loom/internal/runner"
	"github.com/tenantry/loom/pkg/schema"
)

func newDefaultExecutor(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor(nil)
	require.NoError(t, Defaults(e, nil, nil))
	return e
}

func opRef(key string) schema.OperationRef { return schema.OperationRef{Key: key} }

func TestRegister_Validation(t *testing.T) {
	e := NewExecutor(nil)

	require.Error(t, e.Register("", func(context.Context, map[string]any, *runner.OperationContext) (map[string]any, error) {
		return nil, nil
	}))
	require.Error(t, e.Register("noop", nil))
}

func TestRegister_DuplicateConflicts(t *testing.T) {
	e := newDefaultExecutor(t)

	err := e.Register("echo", func(context.Context, map[string]any, *runner.OperationContext) (map[string]any, error) {
		return nil, nil
	})
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeConflict, le.Code)
}

func TestExecute_UnregisteredOperation(t *testing.T) {
	e := newDefaultExecutor(t)

	_, err := e.Execute(context.Background(), opRef("teleport"), nil, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeNotFound, le.Code)
}

func TestEcho_ReturnsInputCopy(t *testing.T) {
	e := newDefaultExecutor(t)

	input := map[string]any{"a": 1, "b": "two"}
	out, err := e.Execute(context.Background(), opRef("echo"), input, nil)
	require.NoError(t, err)
	assert.Equal(t, input, out)

	out["c"] = 3
	assert.NotContains(t, input, "c", "echo must not alias its input")
}

func TestTransformExpr_MapResultPassesThrough(t *testing.T) {
	e := newDefaultExecutor(t)
	octx := &runner.OperationContext{Data: map[string]any{"qty": 4, "price": 25}}

	out, err := e.Execute(context.Background(), opRef("transform.expr"), map[string]any{
		"expression": `{"total": data.qty * data.price}`,
	}, octx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 100}, out)
}

func TestTransformExpr_ScalarLandsUnderResult(t *testing.T) {
	e := newDefaultExecutor(t)

	out, err := e.Execute(context.Background(), opRef("transform.expr"), map[string]any{
		"expression": "input.x + 1",
		"x":          41,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": 42}, out)
}

func TestTransformJQ_FilterOverScope(t *testing.T) {
	e := newDefaultExecutor(t)
	octx := &runner.OperationContext{
		Data: map[string]any{"items": []any{"a", "b", "c"}},
	}

	out, err := e.Execute(context.Background(), opRef("transform.jq"), map[string]any{
		"expression": ".data.items | length",
	}, octx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": 3}, out)
}

func TestTransform_MissingExpression(t *testing.T) {
	e := newDefaultExecutor(t)

	for _, key := range []string{"transform.expr", "transform.jq"} {
		_, err := e.Execute(context.Background(), opRef(key), map[string]any{}, nil)
		require.Error(t, err, key)
		var le *schema.LoomError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, schema.ErrCodeValidation, le.Code)
	}
}

func TestDefaults_IntegrationCallRequiresGuard(t *testing.T) {
	e := newDefaultExecutor(t)
	assert.NotContains(t, e.Keys(), "integration.call")
}

func TestIntegrationCall_RoutesThroughGuard(t *testing.T) {
	guard := integration.NewGuard(integration.GuardConfig{})
	var gotPayload map[string]any
	connect := func(_ context.Context, _ schema.ResolvedIntegration, _ map[string]string, input map[string]any) (map[string]any, error) {
		gotPayload = input
		return map[string]any{"ticket": "T-99"}, nil
	}

	e := NewExecutor(nil)
	require.NoError(t, Defaults(e, guard, connect))
	require.Contains(t, e.Keys(), "integration.call")

	octx := &runner.OperationContext{
		Config: &schema.ResolvedAppConfig{
			Integrations: map[string]schema.ResolvedIntegration{
				"helpdesk": {Status: "connected"},
			},
		},
	}
	out, err := e.Execute(context.Background(), opRef("integration.call"), map[string]any{
		"slot":    "helpdesk",
		"subject": "printer on fire",
	}, octx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ticket": "T-99"}, out)

	// slot and secret_ref are routing keys, not payload.
	assert.Equal(t, map[string]any{"subject": "printer on fire"}, gotPayload)
}

func TestIntegrationCall_UnboundSlotSurfacesError(t *testing.T) {
	guard := integration.NewGuard(integration.GuardConfig{})
	e := NewExecutor(nil)
	require.NoError(t, Defaults(e, guard, func(context.Context, schema.ResolvedIntegration, map[string]string, map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	_, err := e.Execute(context.Background(), opRef("integration.call"), map[string]any{
		"slot": "helpdesk",
	}, &runner.OperationContext{})
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeSlotNotBound, le.Code)
}

func TestIntegrationCall_MissingSlotInput(t *testing.T) {
	guard := integration.NewGuard(integration.GuardConfig{})
	e := NewExecutor(nil)
	require.NoError(t, Defaults(e, guard, func(context.Context, schema.ResolvedIntegration, map[string]string, map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	_, err := e.Execute(context.Background(), opRef("integration.call"), map[string]any{"subject": "x"}, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeValidation, le.Code)
}
