// Package expressions hosts the platform's expression engines: the restricted
// guard grammar for workflow transitions, CEL for policy conditions, and
// expr/gojq for operation-level data transforms.
package expressions

import "context"

// Engine evaluates expressions against a variable map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
