package schema

// SpecMeta identifies a registered, versioned specification.
// Specs are immutable once registered; (key, version) is the identity.
type SpecMeta struct {
	Key         string `json:"key"`
	Version     int    `json:"version"`
	Name        string `json:"name,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Description string `json:"description,omitempty"`
}

// SpecRef points to a registered spec. Version 0 resolves to the latest
// registered version for the key.
type SpecRef struct {
	Key     string `json:"key"`
	Version int    `json:"version,omitempty"`
}

// CapabilityRef references a capability a step or feature requires.
type CapabilityRef = SpecRef

// OperationRef references an operation executed by an automation step.
type OperationRef = SpecRef

// FormRef references a form presented by a human step.
type FormRef = SpecRef

// WorkflowSpec is the registered definition of a step-based business process.
type WorkflowSpec struct {
	Meta       SpecMeta           `json:"meta"`
	Definition WorkflowDefinition `json:"definition"`
}

// SpecKey returns the registry key.
func (s WorkflowSpec) SpecKey() string { return s.Meta.Key }

// SpecVersion returns the registry version.
func (s WorkflowSpec) SpecVersion() int { return s.Meta.Version }

// WorkflowDefinition holds the steps, transitions and execution policy of a
// workflow. Transition order is a guaranteed contract: transitions from the
// same step are evaluated in declaration order and the first match wins.
type WorkflowDefinition struct {
	Steps        []Step            `json:"steps"`
	Transitions  []Transition      `json:"transitions,omitempty"`
	EntryStepID  string            `json:"entry_step_id,omitempty"`
	SLA          *SLASpec          `json:"sla,omitempty"`
	Compensation *CompensationSpec `json:"compensation,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// EntryStep resolves the entry step id: EntryStepID when set, otherwise the
// first declared step. Returns "" when the definition has no steps.
func (d *WorkflowDefinition) EntryStep() string {
	if d.EntryStepID != "" {
		return d.EntryStepID
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].ID
	}
	return ""
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeHuman      StepType = "human"
	StepTypeAutomation StepType = "automation"
	StepTypeDecision   StepType = "decision"
)

// Step is a single node in a workflow definition.
type Step struct {
	ID                   string          `json:"id"`
	Type                 StepType        `json:"type"`
	Label                string          `json:"label,omitempty"`
	Action               *StepAction     `json:"action,omitempty"`
	Guard                *Guard          `json:"guard,omitempty"`
	TimeoutMs            int64           `json:"timeout_ms,omitempty"`
	Retry                *RetryPolicy    `json:"retry,omitempty"`
	RequiredIntegrations []string        `json:"required_integrations,omitempty"`
	RequiredCapabilities []CapabilityRef `json:"required_capabilities,omitempty"`
}

// StepAction binds a step to an operation (automation) or form (human).
type StepAction struct {
	Operation *OperationRef `json:"operation,omitempty"`
	Form      *FormRef      `json:"form,omitempty"`
}

// GuardType enumerates guard evaluation strategies.
type GuardType string

const (
	GuardTypeExpression GuardType = "expression"
	GuardTypePolicy     GuardType = "policy"
)

// Guard is a precondition gating step execution.
// Expression guards use the restricted guard grammar; policy guards name a
// policy action evaluated by an injected decider.
type Guard struct {
	Type  GuardType `json:"type"`
	Value string    `json:"value"`
}

// Transition connects two steps. A transition with no condition always
// matches.
type Transition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// RetryPolicy configures retry behavior declared on a step. Enforcement is a
// collaborator responsibility; the runner does not retry steps itself.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms,omitempty"`
}

// SLASpec declares duration limits checked by the SLA monitor.
type SLASpec struct {
	TotalDurationMs int64            `json:"total_duration_ms,omitempty"`
	StepDurationMs  map[string]int64 `json:"step_duration_ms,omitempty"`
}

// CompensationSpec declares operations to run when a workflow fails, keyed by
// the step they compensate. Execution is driven by external orchestration.
type CompensationSpec struct {
	Steps []CompensationStep `json:"steps"`
}

// CompensationStep pairs a workflow step with its compensating operation.
type CompensationStep struct {
	ForStep   string       `json:"for_step"`
	Operation OperationRef `json:"operation"`
}
