package state

import (
	"context"
	"sort"
	"sync"

	"github.com/tenantry/loom/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and embedded use. States are
// cloned on the way in and out so callers can only mutate through Update.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*schema.WorkflowState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*schema.WorkflowState)}
}

// Create persists a new instance.
func (s *MemoryStore) Create(ctx context.Context, state *schema.WorkflowState) error {
	if state == nil || state.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "state requires a workflow id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state.WorkflowID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", state.WorkflowID)
	}
	cp := state.Clone()
	cp.StoreVersion = 1
	s.states[state.WorkflowID] = cp
	return nil
}

// Get returns a clone of the instance, or (nil, nil) when absent.
func (s *MemoryStore) Get(ctx context.Context, workflowID string) (*schema.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[workflowID]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

// Update applies the closure to a clone of the current state and swaps it in
// with an incremented version stamp. The lock spans the whole update, so the
// CAS never conflicts here; the stamp exists for parity with durable stores.
func (s *MemoryStore) Update(ctx context.Context, workflowID string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[workflowID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}

	next, err := fn(current.Clone())
	if err != nil {
		return err
	}
	if next == nil {
		return schema.NewError(schema.ErrCodeStore, "update closure returned nil state")
	}

	cp := next.Clone()
	cp.WorkflowID = workflowID
	cp.StoreVersion = current.StoreVersion + 1
	s.states[workflowID] = cp
	return nil
}

// List returns clones of matching instances ordered by creation time.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*schema.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.WorkflowState
	for _, state := range s.states {
		if filter.matches(state) {
			out = append(out, state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
