package expressions

import (
	"regexp"
	"strconv"
	"strings"
)

// GuardScope is the variable context for guard expression evaluation.
// Data is the workflow's accumulated data; Input and Output are the current
// step's input and output when available.
type GuardScope struct {
	Data   map[string]any
	Input  map[string]any
	Output map[string]any
}

// EvaluateGuard evaluates a transition guard or condition expression.
//
// The grammar is deliberately restrictive so conditions stay auditable and
// safe to serialize: top-level "||" branches (any true wins), "&&" terms
// within a branch (all must hold), "!" negation, and comparison terms rooted
// at data/input/output with dot and [index] path access. Splitting honors
// quoted string literals. An empty expression always passes.
func EvaluateGuard(expr string, scope GuardScope) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	for _, branch := range splitOutsideQuotes(expr, "||") {
		allTrue := true
		for _, term := range splitOutsideQuotes(branch, "&&") {
			if !evalGuardTerm(term, scope) {
				allTrue = false
				break
			}
		}
		if allTrue {
			return true
		}
	}
	return false
}

var comparisonRe = regexp.MustCompile(
	`^(data|input|output)\.([A-Za-z0-9_$.\-\[\]]+)\s*(===|!==|==|!=|>=|<=|>|<)\s*(.+)$`)

var barePathRe = regexp.MustCompile(`^(data|input|output)(?:\.([A-Za-z0-9_$.\-\[\]]+))?$`)

func evalGuardTerm(term string, scope GuardScope) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}

	if strings.HasPrefix(term, "!") {
		return !evalGuardTerm(term[1:], scope)
	}

	if m := comparisonRe.FindStringSubmatch(term); m != nil {
		resolved, _ := resolveScopePath(scope, m[1], m[2])
		literal := parseGuardLiteral(strings.TrimSpace(m[4]))
		return compareGuardValues(resolved, literal, m[3])
	}

	if m := barePathRe.FindStringSubmatch(term); m != nil {
		resolved, ok := resolveScopePath(scope, m[1], m[2])
		if !ok {
			return false
		}
		return truthy(resolved)
	}

	return truthy(parseGuardLiteral(term))
}

// splitOutsideQuotes splits s on sep at the top level, skipping separators
// inside single- or double-quoted string literals.
func splitOutsideQuotes(s, sep string) []string {
	var parts []string
	var inSingle, inDouble bool
	start := 0

	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'' && !inDouble:
			inSingle = !inSingle
		case s[i] == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// resolveScopePath walks a dot/[index] path from one of the scope roots.
// The second return is false when any segment is missing.
func resolveScopePath(scope GuardScope, root, path string) (any, bool) {
	var current any
	switch root {
	case "data":
		current = scope.Data
	case "input":
		current = scope.Input
	case "output":
		current = scope.Output
	}
	if path == "" {
		return current, current != nil
	}

	for _, segment := range strings.Split(path, ".") {
		name := segment
		var indexes []int
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			close := strings.IndexByte(name[open:], ']')
			if close < 0 {
				return nil, false
			}
			idx, err := strconv.Atoi(name[open+1 : open+close])
			if err != nil {
				return nil, false
			}
			indexes = append(indexes, idx)
			name = name[:open] + name[open+close+1:]
		}

		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// guardLiteral wraps a parsed literal so nil (null/undefined) is
// distinguishable from an unparsed value.
func parseGuardLiteral(raw string) any {
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') || (raw[0] == '"' && raw[len(raw)-1] == '"') {
			return raw[1 : len(raw)-1]
		}
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null", "undefined":
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return float64(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func compareGuardValues(resolved, literal any, op string) bool {
	switch op {
	case "===", "==":
		return guardEquals(resolved, literal)
	case "!==", "!=":
		return !guardEquals(resolved, literal)
	}

	// Ordering operators coerce both sides numerically; non-numeric
	// operands never satisfy the comparison.
	left, lok := toNumber(resolved)
	right, rok := toNumber(literal)
	if !lok || !rok {
		return false
	}
	switch op {
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "<":
		return left < right
	case "<=":
		return left <= right
	}
	return false
}

// guardEquals performs strict equality: same kind, same value. Numeric
// values of different Go widths compare numerically.
func guardEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		bs, ok2 := b.(string)
		return ok2 && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok2 := b.(bool)
		return ok2 && ab == bb
	}
	if an, aok := numericValue(a); aok {
		bn, bok := numericValue(b)
		return bok && an == bn
	}
	return false
}

// numericValue reports a float64 view of numeric Go values only, so strict
// equality never crosses types the way the ordering coercion does.
func numericValue(v any) (float64, bool) {
	switch v.(type) {
	case nil, string, bool:
		return 0, false
	}
	return toNumber(v)
}

// toNumber coerces a value numerically the way the ordering operators
// require, following JavaScript Number(): numeric types pass through,
// numeric strings are parsed, true is 1, false and null are 0. Anything
// else fails the comparison.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		// Maps, slices and other non-scalar values are truthy.
		return true
	}
}
