package schema

import "time"

// WorkflowState is the live workflow instance, owned exclusively by the
// runner and mutated only through the state store's update closure.
// StoreVersion is the optimistic-concurrency stamp maintained by the store.
type WorkflowState struct {
	WorkflowID      string          `json:"workflow_id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion int             `json:"workflow_version"`
	TenantID        string          `json:"tenant_id,omitempty"`
	CurrentStep     string          `json:"current_step"`
	Data            map[string]any  `json:"data"`
	History         []StepExecution `json:"history"`
	Status          WorkflowStatus  `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StoreVersion    int64           `json:"store_version,omitempty"`
}

// StepExecution is an append-only history record of one step execution.
type StepExecution struct {
	StepID      string          `json:"step_id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Clone returns a deep copy of the state. Stores hand out clones so callers
// cannot mutate persisted state outside the update closure.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = deepCopyMap(s.Data)
	cp.History = make([]StepExecution, len(s.History))
	for i, ex := range s.History {
		cp.History[i] = ex
		cp.History[i].Input = deepCopyMap(ex.Input)
		cp.History[i].Output = deepCopyMap(ex.Output)
		if ex.CompletedAt != nil {
			t := *ex.CompletedAt
			cp.History[i].CompletedAt = &t
		}
	}
	return &cp
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices; primitives are value
// types and returned as-is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
