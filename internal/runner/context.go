package runner

import (
	"context"

	"github.com/tenantry/loom/pkg/schema"
)

// SecretResolver resolves a secret reference to flattened key/value pairs.
// Handed through to operation executors; the runner never touches secrets
// itself.
type SecretResolver func(ctx context.Context, ref string) (map[string]string, error)

// TranslationResolver resolves a translation key for a locale.
type TranslationResolver func(locale, key string) (string, bool)

// OperationContext is the execution context passed to the operation executor
// for automation steps. When an app config provider is configured it carries
// the full resolved configuration plus convenience slices; this is the seam
// where the runner defers integration, i18n and secret concerns to
// collaborators.
type OperationContext struct {
	WorkflowID string
	StepID     string
	TenantID   string

	// Data is the workflow's accumulated data prior to this step.
	Data map[string]any

	Config       *schema.ResolvedAppConfig
	Integrations map[string]schema.ResolvedIntegration
	Knowledge    map[string]any
	Branding     map[string]any
	Translation  map[string]any

	Secrets   SecretResolver
	Translate TranslationResolver
}

// OperationExecutor runs an automation step's operation. Errors propagate to
// the runner, which records them as step failures.
type OperationExecutor interface {
	Execute(ctx context.Context, op schema.OperationRef, input map[string]any, octx *OperationContext) (map[string]any, error)
}

// EventEmitter receives fire-and-forget lifecycle events.
type EventEmitter func(ctx context.Context, event string, payload map[string]any)

// GuardEvaluator overrides the built-in guard evaluation when supplied.
type GuardEvaluator func(ctx context.Context, guard schema.Guard, state *schema.WorkflowState, input map[string]any) (bool, error)

// PolicyDecider evaluates policy-type guards. The guard value is the policy
// action to authorize.
type PolicyDecider interface {
	Allow(ctx context.Context, action string, state *schema.WorkflowState, input map[string]any) (bool, error)
}

// AppConfigProvider supplies the resolved configuration for an instance,
// used for pre-flight checks and the operation context.
type AppConfigProvider func(ctx context.Context, state *schema.WorkflowState) (*schema.ResolvedAppConfig, error)

// CapabilityEnforcer is invoked before an automation operation executes,
// letting callers veto operations against the resolved capability set.
type CapabilityEnforcer func(ctx context.Context, op schema.OperationRef, octx *OperationContext) error
