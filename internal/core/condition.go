package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCondition is returned when an audience condition cannot be
// decoded.
var ErrInvalidCondition = errors.New("invalid audience condition")

// Condition is a node in an audience condition tree. The set of node types is
// closed: And, Or, Not and UserAttribute.
type Condition interface {
	isCondition()
}

// And matches when every child matches. An empty And matches.
type And struct {
	Conditions []Condition
}

// Or matches when any child matches. An empty Or does not match.
type Or struct {
	Conditions []Condition
}

// Not negates its child.
type Not struct {
	Condition Condition
}

// UserAttribute compares a single user attribute against an expected value.
// A nil Value expects the attribute to be absent.
type UserAttribute struct {
	Name  string
	Type  string
	Value *string
}

func (And) isCondition()           {}
func (Or) isCondition()            {}
func (Not) isCondition()           {}
func (UserAttribute) isCondition() {}

// Evaluate reports whether attributes satisfy condition. A nil condition never
// matches.
func Evaluate(condition Condition, attributes Attributes) bool {
	return evaluate(condition, attributes, nil)
}

// EvaluateTrace is Evaluate with a callback invoked after every node that was
// actually evaluated. Nodes skipped by short-circuiting are never reported.
func EvaluateTrace(condition Condition, attributes Attributes, trace func(Condition, bool)) bool {
	return evaluate(condition, attributes, trace)
}

func evaluate(condition Condition, attributes Attributes, trace func(Condition, bool)) bool {
	var result bool

	switch node := condition.(type) {
	case And:
		result = true
		for _, child := range node.Conditions {
			if !evaluate(child, attributes, trace) {
				result = false
				break
			}
		}
	case Or:
		for _, child := range node.Conditions {
			if evaluate(child, attributes, trace) {
				result = true
				break
			}
		}
	case Not:
		result = !evaluate(node.Condition, attributes, trace)
	case UserAttribute:
		result = matchAttribute(node, attributes)
	default:
		return false
	}

	if trace != nil {
		trace(condition, result)
	}
	return result
}

func matchAttribute(leaf UserAttribute, attributes Attributes) bool {
	actual, ok := attributes[leaf.Name]
	if leaf.Value == nil {
		return !ok
	}
	return ok && actual == *leaf.Value
}

// ParseConditions decodes the datafile representation of an audience
// condition. The payload is either a JSON array or a JSON string holding one:
//
//	["and", ["or", {"name": "browser", "type": "custom_attribute", "value": "firefox"}]]
//
// A list without a leading operator is treated as "or".
func ParseConditions(payload json.RawMessage) (Condition, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCondition)
	}

	var encoded string
	if err := json.Unmarshal(payload, &encoded); err == nil {
		payload = json.RawMessage(encoded)
	}

	var tree any
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}

	return buildCondition(tree)
}

func buildCondition(node any) (Condition, error) {
	switch value := node.(type) {
	case []any:
		return buildComposite(value)
	case map[string]any:
		return buildLeaf(value)
	default:
		return nil, fmt.Errorf("%w: unexpected node %T", ErrInvalidCondition, node)
	}
}

func buildComposite(items []any) (Condition, error) {
	operator := "or"
	if len(items) > 0 {
		if op, ok := items[0].(string); ok {
			operator = strings.ToLower(op)
			items = items[1:]
		}
	}

	children := make([]Condition, 0, len(items))
	for _, item := range items {
		child, err := buildCondition(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	switch operator {
	case "and":
		return And{Conditions: children}, nil
	case "or":
		return Or{Conditions: children}, nil
	case "not":
		if len(children) != 1 {
			return nil, fmt.Errorf("%w: not takes exactly one operand, got %d", ErrInvalidCondition, len(children))
		}
		return Not{Condition: children[0]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, operator)
	}
}

func buildLeaf(fields map[string]any) (Condition, error) {
	name, ok := fields["name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: leaf without name", ErrInvalidCondition)
	}
	matchType, _ := fields["type"].(string)

	leaf := UserAttribute{Name: name, Type: matchType}

	raw, present := fields["value"]
	if !present || raw == nil {
		return leaf, nil
	}

	var expected string
	switch value := raw.(type) {
	case string:
		expected = value
	case bool:
		expected = strconv.FormatBool(value)
	case float64:
		text, ok := FormatNumber(value)
		if !ok {
			return nil, fmt.Errorf("%w: non-finite value for %q", ErrInvalidCondition, name)
		}
		expected = text
	default:
		return nil, fmt.Errorf("%w: unsupported value %T for %q", ErrInvalidCondition, raw, name)
	}
	leaf.Value = &expected

	return leaf, nil
}

// FormatNumber renders a number in the text form attribute and condition
// values are compared in: the shortest decimal that round-trips, without an
// exponent. 30, 30.0 and 3e1 all give "30", and -0 gives "0". It reports
// false for NaN and infinities.
func FormatNumber(v float64) (string, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", false
	}
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', -1, 64), true
}
