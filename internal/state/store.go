// Package state defines the workflow state persistence contract and its
// in-memory and libSQL implementations.
package state

import (
	"context"

	"github.com/tenantry/loom/pkg/schema"
)

// UpdateFunc receives the current state and returns the full replacement.
// Implementations re-invoke it on optimistic-concurrency conflicts, so it
// must be side-effect free.
type UpdateFunc func(current *schema.WorkflowState) (*schema.WorkflowState, error)

// Store is the state persistence contract consumed by the runner and the
// SLA poller. All implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new instance. Fails with CONFLICT if the id exists.
	Create(ctx context.Context, state *schema.WorkflowState) error

	// Get returns the instance, or (nil, nil) when absent.
	Get(ctx context.Context, workflowID string) (*schema.WorkflowState, error)

	// Update applies a full-state-replacement closure under a
	// version-stamped compare-and-swap.
	Update(ctx context.Context, workflowID string, fn UpdateFunc) error

	// List returns instances matching the filter.
	List(ctx context.Context, filter Filter) ([]*schema.WorkflowState, error)
}

// Filter selects instances for List.
type Filter struct {
	Statuses []schema.WorkflowStatus
	Name     string
	Limit    int
}

func (f Filter) matches(state *schema.WorkflowState) bool {
	if f.Name != "" && state.WorkflowName != f.Name {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if state.Status == s {
			return true
		}
	}
	return false
}
