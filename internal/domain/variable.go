// Package domain defines the core workflow, process chain, and submission
// types shared by the rule engine, scheduler, and local agent.
package domain

import "fmt"

// ValueKind distinguishes the three shapes a Variable's value can take.
type ValueKind string

const (
	ValueKindScalar ValueKind = "scalar"
	ValueKindPath   ValueKind = "path"
	ValueKindList   ValueKind = "list"
)

// Value is a tagged union over a scalar, a file path, or a list of values.
// Once constructed it is never mutated in place - callers that need a
// different value build a new Value.
type Value struct {
	Kind   ValueKind `json:"kind"`
	Scalar any       `json:"scalar,omitempty"`
	Path   string    `json:"path,omitempty"`
	List   []Value   `json:"list,omitempty"`
}

// NewScalarValue constructs a scalar Value.
func NewScalarValue(v any) Value {
	return Value{Kind: ValueKindScalar, Scalar: v}
}

// NewPathValue constructs a file-path Value.
func NewPathValue(path string) Value {
	return Value{Kind: ValueKindPath, Path: path}
}

// NewListValue constructs a list Value.
func NewListValue(items []Value) Value {
	return Value{Kind: ValueKindList, List: items}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueKindScalar:
		return fmt.Sprintf("%v", v.Scalar)
	case ValueKindPath:
		return v.Path
	case ValueKindList:
		return fmt.Sprintf("%v", v.List)
	default:
		return ""
	}
}

// Variable is an identity plus an optional value. A Variable with a nil
// Value is unassigned; once Value is set it is treated as immutable by
// every consumer in this module.
type Variable struct {
	ID    string `json:"id"`
	Value *Value `json:"value,omitempty"`
}

// Known reports whether the variable has been assigned a concrete value.
func (v Variable) Known() bool {
	return v.Value != nil
}

// Assign returns a copy of the variable with value set. It never mutates
// the receiver, preserving the "immutable once assigned" invariant even
// under aliasing.
func (v Variable) Assign(value Value) Variable {
	return Variable{ID: v.ID, Value: &value}
}
