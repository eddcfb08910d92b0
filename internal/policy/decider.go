package policy

import (
	"context"

	"github.com/tenantry/loom/internal/runner"
	"github.com/tenantry/loom/pkg/schema"
)

// SubjectResolver produces the requesting subject for a workflow instance,
// typically from session data carried in the instance or an identity
// service keyed by tenant.
type SubjectResolver func(ctx context.Context, st *schema.WorkflowState) (schema.Subject, error)

// GuardDecider adapts the policy engine to the runner's policy-guard hook.
// The guard value becomes the decision action; the workflow instance maps to
// the resource and the step input to the decision context. Satisfies
// runner.PolicyDecider.
type GuardDecider struct {
	engine  *Engine
	opa     OPAClient
	refs    []schema.PolicyRef
	subject SubjectResolver
}

// NewGuardDecider creates a decider evaluating the given policy refs.
// Subject may be nil, in which case decisions run with an anonymous subject
// carrying the instance's tenant id. OPA is optional.
func NewGuardDecider(engine *Engine, refs []schema.PolicyRef, subject SubjectResolver, opa OPAClient) (*GuardDecider, error) {
	if engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "policy engine is required")
	}
	return &GuardDecider{engine: engine, opa: opa, refs: refs, subject: subject}, nil
}

// Allow evaluates the action against the configured policies. Fail-closed:
// any resolution or evaluation error denies.
func (d *GuardDecider) Allow(ctx context.Context, action string, st *schema.WorkflowState, input map[string]any) (bool, error) {
	subject := schema.Subject{}
	if d.subject != nil {
		resolved, err := d.subject(ctx, st)
		if err != nil {
			return false, err
		}
		subject = resolved
	} else if st != nil {
		subject.ID = st.TenantID
	}

	in := schema.DecisionContext{
		Subject:    subject,
		Action:     action,
		PolicyRefs: d.refs,
		Context:    map[string]any{"input": input},
	}
	if st != nil {
		in.Resource = schema.Resource{
			ID:   st.WorkflowID,
			Type: "workflow",
			Attributes: map[string]any{
				"name":    st.WorkflowName,
				"version": st.WorkflowVersion,
				"step":    st.CurrentStep,
				"tenant":  st.TenantID,
			},
		}
		in.Context["data"] = st.Data
	}

	decision, err := DecideWithOPA(ctx, d.engine, d.opa, in)
	if err != nil {
		return false, err
	}
	return decision.Effect == schema.EffectAllow, nil
}

var _ runner.PolicyDecider = (*GuardDecider)(nil)
