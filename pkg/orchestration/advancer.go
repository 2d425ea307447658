package orchestration

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Predicate decides whether a transition fires for a given output. It must
// be pure: predicates may be evaluated more than once for diagnostics.
type Predicate func(state *State, output interface{}) bool

// Converter produces the target node's input from the source node's output.
// OutputType may return nil when the produced type is not statically known,
// in which case construction-time validation skips the edge.
type Converter interface {
	Convert(output interface{}) interface{}
	OutputType() reflect.Type
}

// converterFunc is an untyped converter with no declared output type
type converterFunc func(output interface{}) interface{}

func (f converterFunc) Convert(output interface{}) interface{} { return f(output) }
func (f converterFunc) OutputType() reflect.Type               { return nil }

// ConvertFunc wraps an untyped conversion function. Edges using it are not
// type-checked at construction time; prefer Convert for typed edges.
func ConvertFunc(fn func(output interface{}) interface{}) Converter {
	return converterFunc(fn)
}

// typedConverter records the produced type for build-time validation
type typedConverter struct {
	fn      func(output interface{}) interface{}
	outType reflect.Type
}

func (c *typedConverter) Convert(output interface{}) interface{} { return c.fn(output) }
func (c *typedConverter) OutputType() reflect.Type               { return c.outType }

// Convert wraps a typed conversion function, recording the produced type so
// the graph builder can validate the edge against the target node's
// declared input type.
func Convert[From, To any](fn func(From) To) Converter {
	return &typedConverter{
		fn: func(output interface{}) interface{} {
			var from From
			if output != nil {
				from = output.(From)
			}
			return fn(from)
		},
		outType: reflect.TypeFor[To](),
	}
}

// Advancer is a transition: a predicate plus optional converter routing a
// completed process's output from its source node to a target node.
type Advancer struct {
	source    *Node
	target    *Node
	predicate Predicate
	converter Converter
}

// Source returns the transition's source node
func (a *Advancer) Source() *Node {
	return a.source
}

// Target returns the transition's target node
func (a *Advancer) Target() *Node {
	return a.target
}

// Matches evaluates the predicate for an output. A nil predicate always
// matches.
func (a *Advancer) Matches(state *State, output interface{}) bool {
	if a.predicate == nil {
		return true
	}
	return a.predicate(state, output)
}

// Convert produces the target's input from the source output. A nil
// converter passes the output through unchanged.
func (a *Advancer) Convert(output interface{}) interface{} {
	if a.converter == nil {
		return output
	}
	return a.converter.Convert(output)
}

// producedType is the statically known type this advancer hands to its
// target, or nil when unknown
func (a *Advancer) producedType() reflect.Type {
	if a.converter != nil {
		return a.converter.OutputType()
	}
	return a.source.outputType
}

// exprEnv is the evaluation environment for expression predicates and
// converters: the process output under "output" and a read-only snapshot of
// the shared state under "state".
func exprEnv(state *State, output interface{}) map[string]interface{} {
	var snapshot map[string]interface{}
	if state != nil {
		snapshot = state.Snapshot()
	} else {
		snapshot = map[string]interface{}{}
	}
	return map[string]interface{}{
		"output": output,
		"state":  snapshot,
	}
}

// ExprPredicate compiles an expr-lang boolean expression into a Predicate.
// The expression sees {output, state}; for example:
//
//	ok, err := ExprPredicate(`output.score > 0.5 && "budget" in state`)
//
// Compilation errors surface here, at graph-construction time.
func ExprPredicate(src string) (Predicate, error) {
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile predicate expression: %w", err)
	}
	return func(state *State, output interface{}) bool {
		result, err := runExpr(program, state, output)
		if err != nil {
			return false
		}
		matched, ok := result.(bool)
		return ok && matched
	}, nil
}

// ExprConverter compiles an expr-lang expression into an untyped Converter.
// The expression sees the source output as "output" and its result becomes
// the target node's input.
func ExprConverter(src string) (Converter, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile converter expression: %w", err)
	}
	return converterFunc(func(output interface{}) interface{} {
		result, err := runExpr(program, nil, output)
		if err != nil {
			return nil
		}
		return result
	}), nil
}

// runExpr evaluates a compiled program against the advancer environment
func runExpr(program *vm.Program, state *State, output interface{}) (interface{}, error) {
	return expr.Run(program, exprEnv(state, output))
}
