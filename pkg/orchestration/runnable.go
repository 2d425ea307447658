package orchestration

import (
	"context"
	"fmt"
	"reflect"
)

// Runnable is the unit of graph logic. Invoke receives the run context
// (carrying cancellation and run metadata), the shared state, and the
// process being executed; it returns the process's output.
//
// Unless the node is configured with SingleInvoke, Invoke is called
// concurrently for different processes of the same node within a tick.
// Implementations must not mutate node-level fields without their own
// synchronization.
type Runnable interface {
	Invoke(ctx context.Context, state *State, proc *Process) (interface{}, error)
}

// RunnableFunc adapts a plain function to the Runnable interface
type RunnableFunc func(ctx context.Context, state *State, proc *Process) (interface{}, error)

// Invoke implements Runnable
func (f RunnableFunc) Invoke(ctx context.Context, state *State, proc *Process) (interface{}, error) {
	return f(ctx, state, proc)
}

// Initializer is an optional interface for runnables that need one-time
// setup. InitializeRunnable is called exactly once per run, before the
// node's first tick participation.
type Initializer interface {
	InitializeRunnable(ctx context.Context) error
}

// Finalizer is an optional interface for runnables that need per-tick
// teardown. CleanupRunnable is called once for every tick in which the node
// held at least one process, after all of its invocations for that tick have
// settled and before transition evaluation.
type Finalizer interface {
	CleanupRunnable(ctx context.Context) error
}

// Node is a named graph unit wrapping a Runnable with its outbound
// advancers and execution flags. Nodes are constructed once before a run
// and must not be modified while a run is in progress.
type Node struct {
	name        string
	runnable    Runnable
	inputType   reflect.Type
	outputType  reflect.Type
	advancers   []*Advancer
	parallel    bool
	singleShot  bool
	deadEnd     bool
	maxAttempts int
}

// NodeOption configures a Node at construction time
type NodeOption func(*Node)

// WithMaxAttempts sets the node's attempt budget per process. The budget
// covers execution failures and routing exhaustion alike; the nth failure
// with a budget of n is terminal.
func WithMaxAttempts(n int) NodeOption {
	return func(node *Node) {
		node.maxAttempts = n
	}
}

// WithDeadEnd marks the node as a legal terminal: a process with no
// matching transition is retired with its output recorded instead of
// failing the run, and an exhausted invocation failure drops the process
// silently.
func WithDeadEnd() NodeOption {
	return func(node *Node) {
		node.deadEnd = true
	}
}

// WithParallelAdvances makes every matching transition fire for each output
// (fan-out) instead of the default first-match-wins routing.
func WithParallelAdvances() NodeOption {
	return func(node *Node) {
		node.parallel = true
	}
}

// WithSingleInvoke makes the node invoke once per tick using the first held
// process as representative; the single result routes the whole set. Use
// only for nodes whose inputs are cosmetic triggers, not data-parallel
// items.
func WithSingleInvoke() NodeOption {
	return func(node *Node) {
		node.singleShot = true
	}
}

// WithIOTypes declares the node's input and output types for
// construction-time edge validation. Either may be nil to leave that side
// unchecked. NewTypedNode sets both automatically.
func WithIOTypes(input, output reflect.Type) NodeOption {
	return func(node *Node) {
		node.inputType = input
		node.outputType = output
	}
}

// NewNode creates a node wrapping the given runnable. The default
// configuration is one attempt, first-match routing, no dead end.
func NewNode(name string, runnable Runnable, opts ...NodeOption) *Node {
	node := &Node{
		name:        name,
		runnable:    runnable,
		maxAttempts: 1,
	}
	for _, opt := range opts {
		opt(node)
	}
	if node.maxAttempts < 1 {
		node.maxAttempts = 1
	}
	return node
}

// NewTypedNode creates a node from a typed function, recording the input
// and output types for construction-time validation. The wrapper checks the
// incoming value once per invocation; a mismatch can only occur when the
// graph skipped type validation (untyped edges).
func NewTypedNode[In, Out any](name string, fn func(ctx context.Context, state *State, in In) (Out, error), opts ...NodeOption) *Node {
	wrapped := RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		var in In
		if raw := proc.Input(); raw != nil {
			typed, ok := raw.(In)
			if !ok {
				return nil, fmt.Errorf("node %q: input is %T, expected %v", name, raw, reflect.TypeFor[In]())
			}
			in = typed
		}
		return fn(ctx, state, in)
	})

	allOpts := append([]NodeOption{
		WithIOTypes(reflect.TypeFor[In](), reflect.TypeFor[Out]()),
	}, opts...)
	return NewNode(name, wrapped, allOpts...)
}

// Name returns the node's name
func (n *Node) Name() string {
	return n.name
}

// Runnable returns the wrapped runnable
func (n *Node) Runnable() Runnable {
	return n.runnable
}

// MaxAttempts returns the per-process attempt budget
func (n *Node) MaxAttempts() int {
	return n.maxAttempts
}

// AllowsDeadEnd reports whether the node is a legal terminal
func (n *Node) AllowsDeadEnd() bool {
	return n.deadEnd
}

// AllowsParallelAdvances reports whether all matching transitions fire
func (n *Node) AllowsParallelAdvances() bool {
	return n.parallel
}

// SingleInvoke reports whether the node invokes once for all held processes
func (n *Node) SingleInvoke() bool {
	return n.singleShot
}

// Advancers returns the node's outbound transitions in registration order
func (n *Node) Advancers() []*Advancer {
	return n.advancers
}

// AddAdvancer appends a transition to target. A nil predicate always
// matches; a nil converter passes the output through unchanged. Order of
// AddAdvancer calls defines evaluation order for first-match routing.
// Returns the node for chaining.
func (n *Node) AddAdvancer(target *Node, predicate Predicate, converter Converter) *Node {
	n.advancers = append(n.advancers, &Advancer{
		source:    n,
		target:    target,
		predicate: predicate,
		converter: converter,
	})
	return n
}
