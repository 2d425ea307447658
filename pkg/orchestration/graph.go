package orchestration

import (
	"fmt"

	"github.com/wehubfusion/Talos/pkg/errors"
)

// Graph is an immutable, validated node topology with designated entry and
// result nodes. Build one with a Builder; a Graph can drive any number of
// engine runs.
type Graph struct {
	nodes  map[string]*Node
	order  []string
	entry  *Node
	result *Node
}

// Entry returns the designated entry node
func (g *Graph) Entry() *Node {
	return g.entry
}

// Result returns the designated result node
func (g *Graph) Result() *Node {
	return g.result
}

// Node returns a node by name
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns all nodes in insertion order
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		nodes = append(nodes, g.nodes[name])
	}
	return nodes
}

// Builder assembles a graph imperatively. All methods collect errors; Build
// reports the first one along with validation failures, so call sites can
// chain without per-call error handling.
type Builder struct {
	nodes  map[string]*Node
	order  []string
	entry  string
	result string
	errs   []error
}

// NewBuilder creates an empty graph builder
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[string]*Node),
	}
}

// AddNode registers a node. Names must be unique and non-empty.
func (b *Builder) AddNode(node *Node) *Builder {
	if node == nil {
		b.errs = append(b.errs, &errors.BuildError{Message: "node cannot be nil"})
		return b
	}
	if node.name == "" {
		b.errs = append(b.errs, &errors.BuildError{Message: "node name cannot be empty"})
		return b
	}
	if _, exists := b.nodes[node.name]; exists {
		b.errs = append(b.errs, &errors.BuildError{Node: node.name, Message: "duplicate node name"})
		return b
	}
	b.nodes[node.name] = node
	b.order = append(b.order, node.name)
	return b
}

// AddEdge appends a transition from source to target by name. Equivalent to
// source.AddAdvancer(target, predicate, converter) with name resolution.
func (b *Builder) AddEdge(source, target string, predicate Predicate, converter Converter) *Builder {
	src, ok := b.nodes[source]
	if !ok {
		b.errs = append(b.errs, &errors.BuildError{Node: source, Message: "edge source not registered"})
		return b
	}
	dst, ok := b.nodes[target]
	if !ok {
		b.errs = append(b.errs, &errors.BuildError{Node: target, Message: "edge target not registered"})
		return b
	}
	src.AddAdvancer(dst, predicate, converter)
	return b
}

// SetEntry designates the entry node by name
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// SetResult designates the result node by name
func (b *Builder) SetResult(name string) *Builder {
	b.result = name
	return b
}

// Build validates the assembled graph and returns it. Validation covers
// collected construction errors, entry/result designation, type
// compatibility along every edge, and reachability of the result node from
// the entry node. Construction errors are reported here, synchronously,
// and prevent any run from starting.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.nodes) == 0 {
		return nil, &errors.BuildError{Message: "graph has no nodes"}
	}
	if b.entry == "" {
		return nil, errors.ErrNoEntryNode
	}
	entry, ok := b.nodes[b.entry]
	if !ok {
		return nil, &errors.BuildError{Node: b.entry, Message: "entry node not registered"}
	}
	if b.result == "" {
		return nil, errors.ErrNoResultNode
	}
	result, ok := b.nodes[b.result]
	if !ok {
		return nil, &errors.BuildError{Node: b.result, Message: "result node not registered"}
	}

	if err := b.validateEdgeTypes(); err != nil {
		return nil, err
	}
	if err := validateReachability(entry, result); err != nil {
		return nil, err
	}

	return &Graph{
		nodes:  b.nodes,
		order:  b.order,
		entry:  entry,
		result: result,
	}, nil
}

// validateEdgeTypes checks that every advancer's produced type is assignable
// to its target's declared input type. Edges where either side is unknown
// (untyped nodes or converters) are skipped.
func (b *Builder) validateEdgeTypes() error {
	for _, name := range b.order {
		node := b.nodes[name]
		for _, adv := range node.advancers {
			produced := adv.producedType()
			expected := adv.target.inputType
			if produced == nil || expected == nil {
				continue
			}
			if !produced.AssignableTo(expected) {
				return &errors.BuildError{
					Node: node.name,
					Message: fmt.Sprintf("transition to %q produces %v, target expects %v",
						adv.target.name, produced, expected),
				}
			}
		}
	}
	return nil
}

// validateReachability verifies the result node is reachable from the entry
// node by following advancers
func validateReachability(entry, result *Node) error {
	if entry == result {
		return nil
	}
	visited := map[*Node]bool{entry: true}
	queue := []*Node{entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, adv := range current.advancers {
			if adv.target == result {
				return nil
			}
			if !visited[adv.target] {
				visited[adv.target] = true
				queue = append(queue, adv.target)
			}
		}
	}
	return &errors.BuildError{
		Node:    result.name,
		Message: "result node is not reachable from the entry node",
	}
}
