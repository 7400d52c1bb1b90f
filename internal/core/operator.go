package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// EvaluateOperator applies op to a response value and a target string.
//
// Multi-select responses ([]string or []any) support only equals/not_equals
// (membership) and contains/not_contains (substring of any element). Other
// responses are compared as text, except greater_than/less_than which parse
// both sides as numbers. Unknown operators and unparsable numbers are false.
// A nil response is unanswered and is false for every operator, including
// not_equals and not_contains.
func EvaluateOperator(op Operator, response any, target string) bool {
	if response == nil {
		return false
	}
	if values, ok := asStringSlice(response); ok {
		return evaluateSequence(op, values, target)
	}

	switch op {
	case OperatorEquals:
		return stringify(response) == target
	case OperatorNotEquals:
		return stringify(response) != target
	case OperatorContains:
		return strings.Contains(stringify(response), target)
	case OperatorNotContains:
		return !strings.Contains(stringify(response), target)
	case OperatorStartsWith:
		return strings.HasPrefix(stringify(response), target)
	case OperatorEndsWith:
		return strings.HasSuffix(stringify(response), target)
	case OperatorGreaterThan, OperatorLessThan:
		left, ok := asNumber(response)
		if !ok {
			return false
		}
		right, ok := parseNumber(target)
		if !ok {
			return false
		}
		if op == OperatorGreaterThan {
			return left > right
		}
		return left < right
	default:
		return false
	}
}

func evaluateSequence(op Operator, values []string, target string) bool {
	switch op {
	case OperatorEquals:
		return containsValue(values, target)
	case OperatorNotEquals:
		return !containsValue(values, target)
	case OperatorContains:
		return anyContains(values, target)
	case OperatorNotContains:
		return !anyContains(values, target)
	default:
		return false
	}
}

func containsValue(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func anyContains(values []string, target string) bool {
	for _, value := range values {
		if strings.Contains(value, target) {
			return true
		}
	}
	return false
}

// asStringSlice recognises multi-select responses. Elements of a []any are
// converted with the same rules as scalar responses.
func asStringSlice(value any) ([]string, bool) {
	switch values := value.(type) {
	case []string:
		return values, true
	case []any:
		converted := make([]string, 0, len(values))
		for _, item := range values {
			converted = append(converted, stringify(item))
		}
		return converted, true
	default:
		return nil, false
	}
}

// stringify renders a scalar response the way a form would display it:
// booleans as "true"/"false" and numbers as shortest decimal text.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return numberText(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	if number, ok := asInt64(value); ok {
		return strconv.FormatInt(number, 10)
	}
	if number, ok := asUint64(value); ok {
		return strconv.FormatUint(number, 10)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// numberText renders a decoded JSON number as shortest decimal text, so 10.0
// and 1e2 read as "10" and "100". Integer literals are returned unchanged to
// keep values beyond float64 precision exact.
func numberText(n json.Number) string {
	text := strings.TrimSpace(n.String())
	if !strings.ContainsAny(text, ".eE") {
		return text
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) {
		return text
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case string:
		return parseNumber(v)
	case json.Number:
		return parseNumber(v.String())
	}

	if number, ok := asFloat64(value); ok {
		return number, !math.IsNaN(number)
	}
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	return 0, false
}

func parseNumber(text string) (float64, bool) {
	number, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(number) {
		return 0, false
	}
	return number, true
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}
