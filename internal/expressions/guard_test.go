package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_EmptyExpressionPasses(t *testing.T) {
	assert.True(t, EvaluateGuard("", GuardScope{}))
	assert.True(t, EvaluateGuard("   ", GuardScope{Data: map[string]any{"x": 1}}))
}

func TestGuard_NumericRange(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"count": float64(3)}}
	assert.True(t, EvaluateGuard("data.count > 2 && data.count < 5", scope))
	assert.False(t, EvaluateGuard("data.count > 3", scope))
	assert.True(t, EvaluateGuard("data.count >= 3", scope))
	assert.True(t, EvaluateGuard("data.count <= 3", scope))
}

func TestGuard_OrBranches(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"status": "pending"}}
	assert.True(t, EvaluateGuard("data.status === 'approved' || data.status === 'pending'", scope))
	assert.False(t, EvaluateGuard("data.status === 'approved' || data.status === 'rejected'", scope))
}

func TestGuard_QuotedSeparatorsDoNotSplit(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"note": "a && b"}}
	assert.True(t, EvaluateGuard(`data.note === 'a && b'`, scope))
	assert.True(t, EvaluateGuard(`data.note === "a && b"`, scope))
}

func TestGuard_StrictEquality(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"n": float64(3), "s": "3", "b": true}}
	assert.True(t, EvaluateGuard("data.n === 3", scope))
	assert.False(t, EvaluateGuard("data.s === 3", scope))
	assert.True(t, EvaluateGuard("data.s === '3'", scope))
	assert.True(t, EvaluateGuard("data.b === true", scope))
	assert.True(t, EvaluateGuard("data.n !== 4", scope))
}

func TestGuard_OrderingCoercesStrings(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"s": "10"}}
	assert.True(t, EvaluateGuard("data.s > 9", scope))
	assert.False(t, EvaluateGuard("data.s < 9", scope))
}

func TestGuard_OrderingCoercesBoolsAndNull(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"flag": true, "off": false, "empty": nil}}

	// Number(true) is 1, Number(false) and Number(null) are 0.
	assert.True(t, EvaluateGuard("data.flag > 0", scope))
	assert.True(t, EvaluateGuard("data.flag >= 1", scope))
	assert.False(t, EvaluateGuard("data.off > 0", scope))
	assert.True(t, EvaluateGuard("data.off >= 0", scope))
	assert.True(t, EvaluateGuard("data.empty >= 0", scope))
	assert.False(t, EvaluateGuard("data.empty > 0", scope))

	// Coercion is for ordering only; strict equality stays typed.
	assert.False(t, EvaluateGuard("data.flag === 1", scope))
	assert.False(t, EvaluateGuard("data.empty === 0", scope))
}

func TestGuard_Negation(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"done": false}}
	assert.True(t, EvaluateGuard("!data.done", scope))
	assert.False(t, EvaluateGuard("!!data.done", scope))
}

func TestGuard_BarePathTruthiness(t *testing.T) {
	scope := GuardScope{Data: map[string]any{
		"flag":  true,
		"zero":  float64(0),
		"empty": "",
		"obj":   map[string]any{},
	}}
	assert.True(t, EvaluateGuard("data.flag", scope))
	assert.False(t, EvaluateGuard("data.zero", scope))
	assert.False(t, EvaluateGuard("data.empty", scope))
	assert.True(t, EvaluateGuard("data.obj", scope))
	assert.False(t, EvaluateGuard("data.missing", scope))
}

func TestGuard_NestedAndIndexedPaths(t *testing.T) {
	scope := GuardScope{Data: map[string]any{
		"order": map[string]any{
			"items": []any{
				map[string]any{"sku": "A-1"},
				map[string]any{"sku": "B-2"},
			},
		},
	}}
	assert.True(t, EvaluateGuard("data.order.items[1].sku === 'B-2'", scope))
	assert.False(t, EvaluateGuard("data.order.items[2].sku === 'B-2'", scope))
}

func TestGuard_NullAndUndefinedLiterals(t *testing.T) {
	scope := GuardScope{Data: map[string]any{"v": nil}}
	assert.True(t, EvaluateGuard("data.v === null", scope))
	assert.True(t, EvaluateGuard("data.missing === undefined", scope))
	assert.False(t, EvaluateGuard("data.v !== null", scope))
}

func TestGuard_InputAndOutputRoots(t *testing.T) {
	scope := GuardScope{
		Input:  map[string]any{"confirmed": true},
		Output: map[string]any{"total": float64(42)},
	}
	assert.True(t, EvaluateGuard("input.confirmed === true", scope))
	assert.True(t, EvaluateGuard("output.total >= 42", scope))
	assert.False(t, EvaluateGuard("data.confirmed === true", scope))
}

func TestGuard_RawLiteralTruthiness(t *testing.T) {
	assert.True(t, EvaluateGuard("true", GuardScope{}))
	assert.False(t, EvaluateGuard("false", GuardScope{}))
	assert.True(t, EvaluateGuard("'nonempty'", GuardScope{}))
}
