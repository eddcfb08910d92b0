// Package runner implements the durable workflow step machine: guarded
// transitions, pre-flight checks, step execution and lifecycle events.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenantry/loom/internal/expressions"
	"github.com/tenantry/loom/internal/logging"
	"github.com/tenantry/loom/internal/state"
	"github.com/tenantry/loom/pkg/schema"
)

// WorkflowLookup resolves workflow specs. Satisfied by
// registry.Registry[schema.WorkflowSpec].
type WorkflowLookup interface {
	Get(key string, version ...int) (schema.WorkflowSpec, bool)
}

// Config wires the runner's collaborators. Specs and Store are required;
// everything else is optional.
type Config struct {
	Specs      WorkflowLookup
	Store      state.Store
	Operations OperationExecutor
	Events     EventEmitter

	Guard     GuardEvaluator
	Policy    PolicyDecider
	AppConfig AppConfigProvider
	Enforce   CapabilityEnforcer
	Secrets   SecretResolver
	Translate TranslationResolver

	Logger *slog.Logger
	Clock  func() time.Time
	NewID  func() string
}

// Runner drives workflow instances one step at a time. Operations on a
// single instance are sequential and non-reentrant by contract: the runner
// holds no per-instance lock and relies on the store's compare-and-swap to
// surface concurrent writers.
type Runner struct {
	specs      WorkflowLookup
	store      state.Store
	ops        OperationExecutor
	emit       EventEmitter
	guardEval  GuardEvaluator
	policy     PolicyDecider
	appConfig  AppConfigProvider
	enforce    CapabilityEnforcer
	secrets    SecretResolver
	translate  TranslationResolver
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Specs == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec lookup is required")
	}
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "state store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Events == nil {
		cfg.Events = func(context.Context, string, map[string]any) {}
	}
	return &Runner{
		specs:     cfg.Specs,
		store:     cfg.Store,
		ops:       cfg.Operations,
		emit:      cfg.Events,
		guardEval: cfg.Guard,
		policy:    cfg.Policy,
		appConfig: cfg.AppConfig,
		enforce:   cfg.Enforce,
		secrets:   cfg.Secrets,
		translate: cfg.Translate,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
	}, nil
}

// Start creates a new instance of the named workflow: resolves the spec,
// computes the entry step, runs pre-flight against the provided app config,
// persists the initial state and emits workflow.started. Returns the
// generated workflow id.
func (r *Runner) Start(ctx context.Context, name string, version int, initialData map[string]any) (string, error) {
	spec, ok := r.specs.Get(name, version)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "workflow spec %q not found", name)
	}

	entry := spec.Definition.EntryStep()
	if entry == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has no entry step and no steps to default to", name)
	}

	now := r.clock()
	st := &schema.WorkflowState{
		WorkflowID:      r.newID(),
		WorkflowName:    spec.Meta.Key,
		WorkflowVersion: spec.Meta.Version,
		CurrentStep:     entry,
		Data:            map[string]any{},
		History:         []schema.StepExecution{},
		Status:          schema.WorkflowStatusRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for k, v := range initialData {
		st.Data[k] = v
	}

	cfg, err := r.resolveConfig(ctx, st)
	if err != nil {
		return "", err
	}
	if st.TenantID == "" && cfg != nil {
		st.TenantID = cfg.TenantID
	}

	preflight := r.preFlight(&spec, cfg)
	if !preflight.CanStart {
		return "", &WorkflowPreFlightError{Workflow: name, Issues: preflight.Issues}
	}

	if err := r.store.Create(ctx, st); err != nil {
		return "", err
	}

	ctx = logging.WithWorkflowID(ctx, st.WorkflowID)
	r.logger.InfoContext(ctx, "workflow started",
		slog.String("workflow", name), slog.Int("version", spec.Meta.Version),
		slog.String("entry_step", entry))
	r.emit(ctx, schema.EventWorkflowStarted, map[string]any{
		"workflow_id": st.WorkflowID,
		"workflow":    name,
		"version":     spec.Meta.Version,
		"entry_step":  entry,
	})
	return st.WorkflowID, nil
}

// GetState returns the instance state.
func (r *Runner) GetState(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	st, err := r.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}
	return st, nil
}

// ExecuteStep runs the instance's current step with the given input:
// evaluates the guard, executes the step action, merges input and output
// into the accumulated data, appends the execution record and advances to
// the first matching transition. Guard rejections throw and leave state
// unchanged; action failures record a failed execution, flip the instance
// to failed, emit workflow.step_failed and rethrow.
func (r *Runner) ExecuteStep(ctx context.Context, workflowID string, input map[string]any) error {
	st, err := r.GetState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeTerminalState,
			"workflow %q is %s and cannot execute steps", workflowID, st.Status)
	}

	spec, ok := r.specs.Get(st.WorkflowName, st.WorkflowVersion)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow spec %q version %d not found", st.WorkflowName, st.WorkflowVersion)
	}
	step := spec.Definition.StepByID(st.CurrentStep)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q not found in workflow %q", st.CurrentStep, st.WorkflowName)
	}

	ctx = logging.WithIDs(ctx, workflowID, step.ID, st.TenantID)

	if err := r.checkGuard(ctx, step, st, input); err != nil {
		return err
	}

	startedAt := r.clock()
	output, execErr := r.runAction(ctx, &spec, step, st, input)
	if execErr != nil {
		return r.failStep(ctx, st, step, startedAt, input, execErr)
	}

	// Merge input then output; output keys win on collision.
	merged := map[string]any{}
	for k, v := range st.Data {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}

	next, err := r.pickNextStepID(&spec.Definition, step.ID, merged, input, output)
	if err != nil {
		return err
	}

	completedAt := r.clock()
	execution := schema.StepExecution{
		StepID:      step.ID,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		Status:      schema.ExecutionStatusCompleted,
		Input:       input,
		Output:      output,
	}

	err = r.store.Update(ctx, workflowID, func(current *schema.WorkflowState) (*schema.WorkflowState, error) {
		current.Data = merged
		current.History = append(current.History, execution)
		current.UpdatedAt = completedAt
		if next == "" {
			current.Status = schema.WorkflowStatusCompleted
		} else {
			current.CurrentStep = next
		}
		return current, nil
	})
	if err != nil {
		return err
	}

	payload := map[string]any{
		"workflow_id": workflowID,
		"step_id":     step.ID,
	}
	if next == "" {
		payload["completed"] = true
		r.logger.InfoContext(ctx, "workflow completed")
	} else {
		payload["next_step"] = next
	}
	r.emit(ctx, schema.EventStepCompleted, payload)
	return nil
}

// Cancel flips the instance to cancelled. Idempotent: already-cancelled
// instances are a no-op with no event. Cancellation is cooperative and does
// not interrupt an in-flight ExecuteStep.
func (r *Runner) Cancel(ctx context.Context, workflowID string) error {
	st, err := r.GetState(ctx, workflowID)
	if err != nil {
		return err
	}
	if st.Status == schema.WorkflowStatusCancelled {
		return nil
	}

	now := r.clock()
	err = r.store.Update(ctx, workflowID, func(current *schema.WorkflowState) (*schema.WorkflowState, error) {
		current.Status = schema.WorkflowStatusCancelled
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		return err
	}

	ctx = logging.WithWorkflowID(ctx, workflowID)
	r.logger.InfoContext(ctx, "workflow cancelled")
	r.emit(ctx, schema.EventWorkflowCancelled, map[string]any{"workflow_id": workflowID})
	return nil
}

// checkGuard evaluates the step's guard. A custom evaluator takes
// precedence; otherwise expression guards use the restricted guard grammar
// and policy guards consult the configured decider (fail-closed when none
// is configured). Rejection throws GUARD_REJECTED with no state change.
func (r *Runner) checkGuard(ctx context.Context, step *schema.Step, st *schema.WorkflowState, input map[string]any) error {
	if step.Guard == nil {
		return nil
	}

	var (
		passed bool
		err    error
	)
	switch {
	case r.guardEval != nil:
		passed, err = r.guardEval(ctx, *step.Guard, st, input)
	case step.Guard.Type == schema.GuardTypeExpression:
		passed = expressions.EvaluateGuard(step.Guard.Value, expressions.GuardScope{
			Data:  st.Data,
			Input: input,
		})
	case step.Guard.Type == schema.GuardTypePolicy:
		if r.policy == nil {
			passed = false
		} else {
			passed, err = r.policy.Allow(ctx, step.Guard.Value, st, input)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown guard type %q", step.Guard.Type).WithStep(step.ID)
	}
	if err != nil {
		return err
	}
	if !passed {
		return schema.NewErrorf(schema.ErrCodeGuardRejected,
			"guard rejected: %s", step.Guard.Value).WithStep(step.ID)
	}
	return nil
}

// runAction executes the step's action. Automation steps call the operation
// executor; human and decision steps echo their input as output.
func (r *Runner) runAction(ctx context.Context, spec *schema.WorkflowSpec, step *schema.Step, st *schema.WorkflowState, input map[string]any) (map[string]any, error) {
	if step.Type != schema.StepTypeAutomation {
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	}

	if step.Action == nil || step.Action.Operation == nil {
		// Automation step without a declared operation: validation warns
		// about this; at runtime the input passes through unchanged.
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	}
	if r.ops == nil {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"no operation executor configured").WithStep(step.ID)
	}

	octx, err := r.operationContext(ctx, st, step.ID)
	if err != nil {
		return nil, err
	}
	if r.enforce != nil {
		if err := r.enforce(ctx, *step.Action.Operation, octx); err != nil {
			return nil, err
		}
	}
	return r.ops.Execute(ctx, *step.Action.Operation, input, octx)
}

func (r *Runner) operationContext(ctx context.Context, st *schema.WorkflowState, stepID string) (*OperationContext, error) {
	octx := &OperationContext{
		WorkflowID: st.WorkflowID,
		StepID:     stepID,
		TenantID:   st.TenantID,
		Data:       st.Data,
		Secrets:    r.secrets,
		Translate:  r.translate,
	}
	cfg, err := r.resolveConfig(ctx, st)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		octx.Config = cfg
		octx.Integrations = cfg.Integrations
		octx.Knowledge = cfg.Knowledge
		octx.Branding = cfg.Branding
		octx.Translation = cfg.Translation
	}
	return octx, nil
}

func (r *Runner) resolveConfig(ctx context.Context, st *schema.WorkflowState) (*schema.ResolvedAppConfig, error) {
	if r.appConfig == nil {
		return nil, nil
	}
	return r.appConfig(ctx, st)
}

// failStep persists the failed execution, flips the instance to failed,
// emits workflow.step_failed and rethrows the action error.
func (r *Runner) failStep(ctx context.Context, st *schema.WorkflowState, step *schema.Step, startedAt time.Time, input map[string]any, execErr error) error {
	completedAt := r.clock()
	execution := schema.StepExecution{
		StepID:      step.ID,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		Status:      schema.ExecutionStatusFailed,
		Input:       input,
		Error:       execErr.Error(),
	}

	updateErr := r.store.Update(ctx, st.WorkflowID, func(current *schema.WorkflowState) (*schema.WorkflowState, error) {
		current.History = append(current.History, execution)
		current.Status = schema.WorkflowStatusFailed
		current.UpdatedAt = completedAt
		return current, nil
	})
	if updateErr != nil {
		r.logger.ErrorContext(ctx, "persist step failure", slog.String("error", updateErr.Error()))
	}

	r.logger.WarnContext(ctx, "step failed", slog.String("error", execErr.Error()))
	r.emit(ctx, schema.EventStepFailed, map[string]any{
		"workflow_id": st.WorkflowID,
		"step_id":     step.ID,
		"error":       execErr.Error(),
	})
	return execErr
}

// pickNextStepID scans transitions from the current step in declaration
// order and returns the first whose condition holds; this order dependence
// is a guaranteed contract. Returns "" when the step has no outgoing
// transitions (workflow completes). A step with outgoing transitions but no
// match is a stuck workflow and throws rather than completing silently.
func (r *Runner) pickNextStepID(def *schema.WorkflowDefinition, fromStep string, data, input, output map[string]any) (string, error) {
	scope := expressions.GuardScope{Data: data, Input: input, Output: output}

	hasOutgoing := false
	for _, tr := range def.Transitions {
		if tr.From != fromStep {
			continue
		}
		hasOutgoing = true
		if expressions.EvaluateGuard(tr.Condition, scope) {
			if def.StepByID(tr.To) == nil {
				return "", schema.NewErrorf(schema.ErrCodeNotFound,
					"transition target %q not found", tr.To).WithStep(fromStep)
			}
			return tr.To, nil
		}
	}
	if hasOutgoing {
		return "", schema.NewErrorf(schema.ErrCodeStuckWorkflow,
			"no transition from step %q matched", fromStep).WithStep(fromStep)
	}
	return "", nil
}
