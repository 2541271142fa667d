package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates a minimal edge-condition expression against
// the variables map. The grammar is deliberately small:
//
//	field == literal
//	field != literal
//	field            (bare truthiness)
//
// Fields may be dotted paths into nested maps. Literals true/false compare
// against boolean or string equivalents; numeric literals compare
// numerically; anything else compares as the stringified actual value.
// Malformed expressions evaluate to false: an unparsable condition on a
// decision edge simply does not take that branch.
func EvaluateCondition(expr string, vars map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}

	if parts := splitOperator(expr, "!="); parts != nil {
		return !compareLiteral(lookupField(vars, parts[0]), parts[1])
	}
	if parts := splitOperator(expr, "=="); parts != nil {
		return compareLiteral(lookupField(vars, parts[0]), parts[1])
	}

	// Bare field: truthiness of the value.
	if strings.ContainsAny(expr, " \t'\"<>=!&|") {
		return false
	}
	return truthy(lookupField(vars, expr))
}

// splitOperator splits expr around op into trimmed [field, literal] parts,
// or nil when the operator is absent or either side is empty. For "==" an
// occurrence that is really part of "!=" is skipped.
func splitOperator(expr, op string) []string {
	idx := -1
	for i := 0; i+len(op) <= len(expr); i++ {
		if expr[i:i+len(op)] != op {
			continue
		}
		if op == "==" && i > 0 && expr[i-1] == '!' {
			continue
		}
		idx = i
		break
	}
	if idx < 0 {
		return nil
	}
	field := strings.TrimSpace(expr[:idx])
	literal := strings.TrimSpace(expr[idx+len(op):])
	if field == "" || literal == "" {
		return nil
	}
	return []string{field, literal}
}

// compareLiteral compares an actual variable value against a literal token.
func compareLiteral(actual any, literal string) bool {
	literal = trimQuotes(literal)

	switch literal {
	case "true", "false":
		want := literal == "true"
		switch v := actual.(type) {
		case bool:
			return v == want
		case string:
			return (v == "true") == want
		}
		return false
	}

	if num, err := strconv.ParseFloat(literal, 64); err == nil {
		if actualNum, ok := toFloat(actual); ok {
			return actualNum == num
		}
		return false
	}

	return fmt.Sprint(actual) == literal
}

// lookupField navigates a dot-separated path through nested maps.
func lookupField(vars map[string]any, path string) any {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func trimQuotes(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int, int32, int64, float32, float64:
		f, _ := toFloat(t)
		return f != 0
	}
	return true
}
