// Package operators implements the delegation operator: one opaque operator
// standing in for a whole subgraph, which it compiles onto an accelerator
// backend at construction and executes through the inference backend
// interface on every invocation.
package operators

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Argument is one named operator argument, holding a single value (I, F or S)
// or a repeated one (Ints, Floats or Strings).
type Argument struct {
	Name    string    `json:"name"`
	I       *int64    `json:"i,omitempty"`
	F       *float32  `json:"f,omitempty"`
	S       *string   `json:"s,omitempty"`
	Ints    []int64   `json:"ints,omitempty"`
	Floats  []float32 `json:"floats,omitempty"`
	Strings []string  `json:"strings,omitempty"`
}

// OperatorDef describes one operator instance: its type, its positional input
// and output blob names (resolved in the workspace) and its arguments.
type OperatorDef struct {
	Type    string     `json:"type"`
	Inputs  []string   `json:"inputs,omitempty"`
	Outputs []string   `json:"outputs,omitempty"`
	Args    []Argument `json:"args,omitempty"`
}

// ParseOperatorDef decodes an OperatorDef from its JSON serialization.
func ParseOperatorDef(encoded []byte) (*OperatorDef, error) {
	def := &OperatorDef{}
	if err := json.Unmarshal(encoded, def); err != nil {
		return nil, errors.Wrap(err, "parsing operator definition")
	}
	return def, nil
}

func (def *OperatorDef) arg(name string) *Argument {
	for i := range def.Args {
		if def.Args[i].Name == name {
			return &def.Args[i]
		}
	}
	return nil
}

// SingleString returns the string argument name, or defaultValue if unset.
func (def *OperatorDef) SingleString(name, defaultValue string) string {
	if arg := def.arg(name); arg != nil && arg.S != nil {
		return *arg.S
	}
	return defaultValue
}

// SingleInt returns the integer argument name, or defaultValue if unset.
func (def *OperatorDef) SingleInt(name string, defaultValue int64) int64 {
	if arg := def.arg(name); arg != nil && arg.I != nil {
		return *arg.I
	}
	return defaultValue
}

// RepeatedStrings returns the repeated string argument name, empty if unset.
func (def *OperatorDef) RepeatedStrings(name string) []string {
	if arg := def.arg(name); arg != nil {
		return arg.Strings
	}
	return nil
}

// RepeatedInts returns the repeated integer argument name, empty if unset.
func (def *OperatorDef) RepeatedInts(name string) []int64 {
	if arg := def.arg(name); arg != nil {
		return arg.Ints
	}
	return nil
}

// AddArg appends an argument and returns def, for chained construction.
func (def *OperatorDef) AddArg(arg Argument) *OperatorDef {
	def.Args = append(def.Args, arg)
	return def
}

// StringArg builds a single-string Argument.
func StringArg(name, value string) Argument {
	return Argument{Name: name, S: &value}
}

// IntArg builds a single-integer Argument.
func IntArg(name string, value int64) Argument {
	return Argument{Name: name, I: &value}
}

// FloatArg builds a single-float Argument.
func FloatArg(name string, value float32) Argument {
	return Argument{Name: name, F: &value}
}

// StringsArg builds a repeated-string Argument.
func StringsArg(name string, values ...string) Argument {
	return Argument{Name: name, Strings: values}
}

// IntsArg builds a repeated-integer Argument.
func IntsArg(name string, values ...int64) Argument {
	return Argument{Name: name, Ints: values}
}
