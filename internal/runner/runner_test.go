package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantry/loom/internal/registry"
	"github.com/tenantry/loom/internal/state"
	"github.com/tenantry/loom/pkg/schema"
)

// mockExecutor returns canned outputs per operation key.
type mockExecutor struct {
	outputs map[string]map[string]any
	err     error
	calls   []string
}

func (m *mockExecutor) Execute(_ context.Context, op schema.OperationRef, input map[string]any, _ *OperationContext) (map[string]any, error) {
	m.calls = append(m.calls, op.Key)
	if m.err != nil {
		return nil, m.err
	}
	if out, ok := m.outputs[op.Key]; ok {
		return out, nil
	}
	return map[string]any{}, nil
}

type recordedEvent struct {
	name    string
	payload map[string]any
}

func newTestRunner(t *testing.T, specs ...schema.WorkflowSpec) (*Runner, *mockExecutor, *[]recordedEvent) {
	t.Helper()
	reg := registry.New[schema.WorkflowSpec]()
	for _, s := range specs {
		require.NoError(t, reg.Register(s))
	}
	exec := &mockExecutor{outputs: map[string]map[string]any{}}
	events := &[]recordedEvent{}
	r, err := New(Config{
		Specs:      reg,
		Store:      state.NewMemoryStore(),
		Operations: exec,
		Events: func(_ context.Context, name string, payload map[string]any) {
			*events = append(*events, recordedEvent{name: name, payload: payload})
		},
	})
	require.NoError(t, err)
	return r, exec, events
}

func autoStep(id string, op string) schema.Step {
	s := schema.Step{ID: id, Type: schema.StepTypeAutomation}
	if op != "" {
		s.Action = &schema.StepAction{Operation: &schema.OperationRef{Key: op}}
	}
	return s
}

func humanStep(id string, guard string) schema.Step {
	s := schema.Step{ID: id, Type: schema.StepTypeHuman}
	if guard != "" {
		s.Guard = &schema.Guard{Type: schema.GuardTypeExpression, Value: guard}
	}
	return s
}

func linearSpec() schema.WorkflowSpec {
	return schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "onboarding", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{
				autoStep("start", "prepare"),
				humanStep("review", "data.approved === true"),
				autoStep("finish", "finalize"),
			},
			Transitions: []schema.Transition{
				{From: "start", To: "review"},
				{From: "review", To: "finish"},
			},
			EntryStepID: "start",
		},
	}
}

func TestStart_InitialState(t *testing.T) {
	r, _, events := newTestRunner(t, linearSpec())
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 0, map[string]any{"customer": "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, st.Status)
	assert.Equal(t, "start", st.CurrentStep)
	assert.Equal(t, "acme", st.Data["customer"])
	assert.Empty(t, st.History)

	require.Len(t, *events, 1)
	assert.Equal(t, schema.EventWorkflowStarted, (*events)[0].name)
}

func TestStart_EntryStepDefaultsToFirstStep(t *testing.T) {
	spec := linearSpec()
	spec.Definition.EntryStepID = ""
	r, _, _ := newTestRunner(t, spec)

	id, err := r.Start(context.Background(), "onboarding", 1, nil)
	require.NoError(t, err)

	st, err := r.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "start", st.CurrentStep)
}

func TestStart_UnknownSpec(t *testing.T) {
	r, _, _ := newTestRunner(t)
	_, err := r.Start(context.Background(), "nope", 0, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeNotFound, le.Code)
}

func TestGetState_UnknownInstance(t *testing.T) {
	r, _, _ := newTestRunner(t, linearSpec())
	_, err := r.GetState(context.Background(), "missing")
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeNotFound, le.Code)
}

func TestExecuteStep_DataAccumulationOutputWins(t *testing.T) {
	r, exec, _ := newTestRunner(t, linearSpec())
	exec.outputs["prepare"] = map[string]any{"bar": 2, "k": "from-output"}
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 1, nil)
	require.NoError(t, err)

	require.NoError(t, r.ExecuteStep(ctx, id, map[string]any{"foo": 1, "k": "from-input"}))

	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Data["foo"])
	assert.Equal(t, 2, st.Data["bar"])
	assert.Equal(t, "from-output", st.Data["k"])
	assert.Equal(t, "review", st.CurrentStep)

	require.Len(t, st.History, 1)
	assert.Equal(t, "start", st.History[0].StepID)
	assert.Equal(t, schema.ExecutionStatusCompleted, st.History[0].Status)
	require.NotNil(t, st.History[0].CompletedAt)
}

func TestExecuteStep_GuardRejectionLeavesStateUnchanged(t *testing.T) {
	r, _, events := newTestRunner(t, linearSpec())
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 1, nil)
	require.NoError(t, err)
	require.NoError(t, r.ExecuteStep(ctx, id, nil)) // advance to review

	before, err := r.GetState(ctx, id)
	require.NoError(t, err)
	eventsBefore := len(*events)

	err = r.ExecuteStep(ctx, id, map[string]any{"confirmation": true})
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeGuardRejected, le.Code)

	after, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.CurrentStep, after.CurrentStep)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.StoreVersion, after.StoreVersion)
	assert.Len(t, after.History, len(before.History))
	assert.Len(t, *events, eventsBefore)
}

func TestExecuteStep_TerminalStateRejected(t *testing.T) {
	r, _, _ := newTestRunner(t, linearSpec())
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 1, nil)
	require.NoError(t, err)
	require.NoError(t, r.Cancel(ctx, id))

	err = r.ExecuteStep(ctx, id, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeTerminalState, le.Code)
}

func TestExecuteStep_TransitionDeclarationOrderWins(t *testing.T) {
	spec := schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "branching", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{
				autoStep("a", ""),
				autoStep("b", ""),
				autoStep("c", ""),
			},
			Transitions: []schema.Transition{
				{From: "a", To: "b", Condition: "data.x === 1"},
				{From: "a", To: "c"}, // unconditional, but declared second
			},
			EntryStepID: "a",
		},
	}
	r, _, _ := newTestRunner(t, spec)
	ctx := context.Background()

	id, err := r.Start(ctx, "branching", 1, map[string]any{"x": float64(1)})
	require.NoError(t, err)
	require.NoError(t, r.ExecuteStep(ctx, id, nil))

	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b", st.CurrentStep)
}

func TestExecuteStep_NoOutgoingTransitionsCompletes(t *testing.T) {
	spec := schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "single", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{autoStep("only", "")},
		},
	}
	r, _, events := newTestRunner(t, spec)
	ctx := context.Background()

	id, err := r.Start(ctx, "single", 1, nil)
	require.NoError(t, err)
	require.NoError(t, r.ExecuteStep(ctx, id, nil))

	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, st.Status)

	last := (*events)[len(*events)-1]
	assert.Equal(t, schema.EventStepCompleted, last.name)
	assert.Equal(t, true, last.payload["completed"])
}

func TestExecuteStep_NoMatchingTransitionIsStuck(t *testing.T) {
	spec := schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "stuck", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{autoStep("a", ""), autoStep("b", "")},
			Transitions: []schema.Transition{
				{From: "a", To: "b", Condition: "data.never === true"},
			},
			EntryStepID: "a",
		},
	}
	r, _, _ := newTestRunner(t, spec)
	ctx := context.Background()

	id, err := r.Start(ctx, "stuck", 1, nil)
	require.NoError(t, err)

	err = r.ExecuteStep(ctx, id, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeStuckWorkflow, le.Code)

	// Stuck detection happens before any persistence.
	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, st.Status)
	assert.Equal(t, "a", st.CurrentStep)
	assert.Empty(t, st.History)
}

func TestExecuteStep_ActionFailureMarksWorkflowFailed(t *testing.T) {
	r, exec, events := newTestRunner(t, linearSpec())
	boom := errors.New("provider exploded")
	exec.err = boom
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 1, nil)
	require.NoError(t, err)

	err = r.ExecuteStep(ctx, id, map[string]any{"foo": 1})
	require.ErrorIs(t, err, boom)

	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, st.Status)
	require.Len(t, st.History, 1)
	assert.Equal(t, schema.ExecutionStatusFailed, st.History[0].Status)
	assert.Equal(t, boom.Error(), st.History[0].Error)

	last := (*events)[len(*events)-1]
	assert.Equal(t, schema.EventStepFailed, last.name)
}

func TestCancel_Idempotent(t *testing.T) {
	r, _, events := newTestRunner(t, linearSpec())
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 1, nil)
	require.NoError(t, err)

	require.NoError(t, r.Cancel(ctx, id))
	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, st.Status)
	cancelEvents := len(*events)

	// Second cancel is a no-op: no state change, no event.
	require.NoError(t, r.Cancel(ctx, id))
	assert.Len(t, *events, cancelEvents)
}

func TestPreFlight_NilConfigPasses(t *testing.T) {
	r, _, _ := newTestRunner(t, linearSpec())

	result, err := r.PreFlightCheck(context.Background(), "onboarding", 1, nil)
	require.NoError(t, err)
	assert.True(t, result.CanStart)
	assert.Empty(t, result.Issues)
}

func TestPreFlight_IntegrationAndCapabilityChecks(t *testing.T) {
	spec := schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "guarded", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{
				{
					ID:                   "sync",
					Type:                 schema.StepTypeAutomation,
					RequiredIntegrations: []string{"crm", "mail", "chat"},
					RequiredCapabilities: []schema.CapabilityRef{{Key: "billing"}},
				},
			},
		},
	}
	r, _, _ := newTestRunner(t, spec)

	cfg := &schema.ResolvedAppConfig{
		Capabilities: schema.ResolvedCapabilities{Enabled: map[string]schema.CapabilitySpec{}},
		Integrations: map[string]schema.ResolvedIntegration{
			"crm":  {Status: "disconnected"},
			"chat": {Status: "pending"},
		},
	}
	result, err := r.PreFlightCheck(context.Background(), "guarded", 1, cfg)
	require.NoError(t, err)
	assert.False(t, result.CanStart)

	severities := map[string]schema.ValidationSeverity{}
	for _, issue := range result.Issues {
		severities[issue.Kind+":"+issue.Identifier] = issue.Severity
	}
	assert.Equal(t, schema.SeverityError, severities["integration:crm"])  // disconnected
	assert.Equal(t, schema.SeverityError, severities["integration:mail"]) // not bound
	assert.Equal(t, schema.SeverityWarning, severities["integration:chat"])
	assert.Equal(t, schema.SeverityError, severities["capability:billing"])
}

func TestStart_PreFlightFailureBlocks(t *testing.T) {
	spec := schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "guarded", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{
				{ID: "sync", Type: schema.StepTypeAutomation, RequiredIntegrations: []string{"crm"}},
			},
		},
	}
	reg := registry.New[schema.WorkflowSpec]()
	require.NoError(t, reg.Register(spec))

	r, err := New(Config{
		Specs: reg,
		Store: state.NewMemoryStore(),
		AppConfig: func(_ context.Context, _ *schema.WorkflowState) (*schema.ResolvedAppConfig, error) {
			return &schema.ResolvedAppConfig{TenantID: "acme"}, nil
		},
	})
	require.NoError(t, err)

	_, err = r.Start(context.Background(), "guarded", 1, nil)
	require.Error(t, err)
	var pfe *WorkflowPreFlightError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, "guarded", pfe.Workflow)
	require.NotEmpty(t, pfe.Issues)
	assert.Equal(t, "crm", pfe.Issues[0].Identifier)
}

func TestEndToEnd_ApprovalScenario(t *testing.T) {
	r, exec, _ := newTestRunner(t, linearSpec())
	exec.outputs["prepare"] = map[string]any{"approved": true}
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 1, nil)
	require.NoError(t, err)

	// Automation step sets data.approved, advancing to review.
	require.NoError(t, r.ExecuteStep(ctx, id, nil))
	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "review", st.CurrentStep)

	// Human review passes its guard against the accumulated data.
	require.NoError(t, r.ExecuteStep(ctx, id, map[string]any{"confirmation": true}))
	st, err = r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "finish", st.CurrentStep)
	assert.Equal(t, true, st.Data["confirmation"])

	// Final automation completes the workflow.
	require.NoError(t, r.ExecuteStep(ctx, id, nil))
	st, err = r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, st.Status)
	require.Len(t, st.History, 3)
	assert.Equal(t, []string{"prepare", "finalize"}, exec.calls)
}

func TestExecuteStep_PolicyGuardFailsClosedWithoutDecider(t *testing.T) {
	spec := schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "gated", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{{
				ID:    "approve",
				Type:  schema.StepTypeHuman,
				Guard: &schema.Guard{Type: schema.GuardTypePolicy, Value: "workflow.approve"},
			}},
		},
	}
	r, _, _ := newTestRunner(t, spec)
	ctx := context.Background()

	id, err := r.Start(ctx, "gated", 1, nil)
	require.NoError(t, err)

	err = r.ExecuteStep(ctx, id, nil)
	require.Error(t, err)
	var le *schema.LoomError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeGuardRejected, le.Code)
}

type allowDecider struct{ allowed bool }

func (d allowDecider) Allow(_ context.Context, _ string, _ *schema.WorkflowState, _ map[string]any) (bool, error) {
	return d.allowed, nil
}

func TestExecuteStep_PolicyGuardUsesDecider(t *testing.T) {
	spec := schema.WorkflowSpec{
		Meta: schema.SpecMeta{Key: "gated", Version: 1},
		Definition: schema.WorkflowDefinition{
			Steps: []schema.Step{{
				ID:    "approve",
				Type:  schema.StepTypeHuman,
				Guard: &schema.Guard{Type: schema.GuardTypePolicy, Value: "workflow.approve"},
			}},
		},
	}
	reg := registry.New[schema.WorkflowSpec]()
	require.NoError(t, reg.Register(spec))
	r, err := New(Config{
		Specs:  reg,
		Store:  state.NewMemoryStore(),
		Policy: allowDecider{allowed: true},
	})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := r.Start(ctx, "gated", 1, nil)
	require.NoError(t, err)
	require.NoError(t, r.ExecuteStep(ctx, id, nil))

	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, st.Status)
}

func TestExecuteStep_ClockAndIDsInjectable(t *testing.T) {
	reg := registry.New[schema.WorkflowSpec]()
	require.NoError(t, reg.Register(linearSpec()))

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := New(Config{
		Specs: reg,
		Store: state.NewMemoryStore(),
		Clock: func() time.Time { return fixed },
		NewID: func() string { return "wf-fixed" },
	})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := r.Start(ctx, "onboarding", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "wf-fixed", id)

	st, err := r.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fixed, st.CreatedAt)
}
