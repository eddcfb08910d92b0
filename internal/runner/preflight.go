package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tenantry/loom/pkg/schema"
)

// PreFlightIssue is one readiness problem found before starting a workflow.
type PreFlightIssue struct {
	Severity   schema.ValidationSeverity `json:"severity"`
	Kind       string                    `json:"kind"` // integration, capability
	StepID     string                    `json:"step_id"`
	Identifier string                    `json:"identifier"`
	Message    string                    `json:"message"`
}

// PreFlightResult aggregates readiness issues. CanStart is true iff no issue
// has error severity; warnings never block.
type PreFlightResult struct {
	CanStart bool             `json:"can_start"`
	Issues   []PreFlightIssue `json:"issues,omitempty"`
}

// WorkflowPreFlightError wraps error-severity pre-flight issues raised by
// Start.
type WorkflowPreFlightError struct {
	Workflow string
	Issues   []PreFlightIssue
}

func (e *WorkflowPreFlightError) Error() string {
	var parts []string
	for _, issue := range e.Issues {
		if issue.Severity == schema.SeverityError {
			parts = append(parts, issue.Message)
		}
	}
	return fmt.Sprintf("workflow %q pre-flight failed: %s", e.Workflow, strings.Join(parts, "; "))
}

// PreFlightCheck verifies every step's required integrations and
// capabilities against the resolved configuration. A nil config passes
// trivially: pre-flight only constrains deployments that resolve one.
func (r *Runner) PreFlightCheck(ctx context.Context, name string, version int, cfg *schema.ResolvedAppConfig) (PreFlightResult, error) {
	spec, ok := r.specs.Get(name, version)
	if !ok {
		return PreFlightResult{}, schema.NewErrorf(schema.ErrCodeNotFound, "workflow spec %q not found", name)
	}
	return r.preFlight(&spec, cfg), nil
}

func (r *Runner) preFlight(spec *schema.WorkflowSpec, cfg *schema.ResolvedAppConfig) PreFlightResult {
	if cfg == nil {
		return PreFlightResult{CanStart: true}
	}

	var issues []PreFlightIssue
	for _, step := range spec.Definition.Steps {
		for _, slot := range step.RequiredIntegrations {
			binding, ok := cfg.Integrations[slot]
			if !ok {
				issues = append(issues, PreFlightIssue{
					Severity:   schema.SeverityError,
					Kind:       "integration",
					StepID:     step.ID,
					Identifier: slot,
					Message:    fmt.Sprintf("step %q requires integration slot %q which is not bound", step.ID, slot),
				})
				continue
			}
			switch binding.Status {
			case "connected":
				// ready
			case "disconnected", "error":
				issues = append(issues, PreFlightIssue{
					Severity:   schema.SeverityError,
					Kind:       "integration",
					StepID:     step.ID,
					Identifier: slot,
					Message:    fmt.Sprintf("step %q requires integration slot %q whose connection status is %q", step.ID, slot, binding.Status),
				})
			default:
				issues = append(issues, PreFlightIssue{
					Severity:   schema.SeverityWarning,
					Kind:       "integration",
					StepID:     step.ID,
					Identifier: slot,
					Message:    fmt.Sprintf("step %q requires integration slot %q with unknown connection status", step.ID, slot),
				})
			}
		}

		for _, ref := range step.RequiredCapabilities {
			if _, ok := cfg.Capabilities.Enabled[ref.Key]; !ok {
				issues = append(issues, PreFlightIssue{
					Severity:   schema.SeverityError,
					Kind:       "capability",
					StepID:     step.ID,
					Identifier: ref.Key,
					Message:    fmt.Sprintf("step %q requires capability %q which is not enabled", step.ID, ref.Key),
				})
			}
		}
	}

	result := PreFlightResult{CanStart: true, Issues: issues}
	for _, issue := range issues {
		if issue.Severity == schema.SeverityError {
			result.CanStart = false
			break
		}
	}
	return result
}
