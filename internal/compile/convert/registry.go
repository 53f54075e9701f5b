// Package convert maps graph ops to executable engine layers. A converter
// takes a node and returns the evaluation function compiled into an engine
// segment; the registry also doubles as the constant-folding evaluator.
package convert

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnhq/kiln/internal/graph"
)

// ErrUnsupportedOp is returned when no converter is registered for an op.
var ErrUnsupportedOp = errors.New("no converter registered for op")

// EvalFunc executes one compiled layer over concrete tensors.
type EvalFunc func(inputs []*graph.Tensor) (*graph.Tensor, error)

// Converter builds the evaluation function for a node at engine build time.
// Converters may reject a node (bad attrs, unsupported rank) with an error.
type Converter func(node *graph.Node) (EvalFunc, error)

// Registry holds converters keyed by op name. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

// NewRegistry creates an empty converter registry.
func NewRegistry() *Registry {
	return &Registry{converters: make(map[string]Converter)}
}

// Register adds a converter for the given op, replacing any previous one.
func (r *Registry) Register(op string, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[op] = c
}

// Lookup returns the converter for an op.
func (r *Registry) Lookup(op string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, op)
	}
	return c, nil
}

// Supports reports whether a converter is registered for the op.
func (r *Registry) Supports(op string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.converters[op]
	return ok
}

// Ops returns the registered op names, sorted for stable output.
func (r *Registry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.converters))
	for op := range r.converters {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Validate walks a graph and returns the set of compute ops that have no
// registered converter, sorted. An empty result means the whole graph can be
// accelerated.
func (r *Registry) Validate(g *graph.Graph) []string {
	missing := make(map[string]bool)
	for _, n := range g.Nodes {
		switch n.Op {
		case graph.OpPlaceholder, graph.OpConstant, graph.OpOutput:
			continue
		}
		if !r.Supports(n.Op) {
			missing[n.Op] = true
		}
	}
	ops := make([]string, 0, len(missing))
	for op := range missing {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Eval builds and immediately runs the converter for an op. Together with
// Supports this satisfies graph.Evaluator for constant folding.
func (r *Registry) Eval(op string, inputs []*graph.Tensor, attrs map[string]float64) (*graph.Tensor, error) {
	c, err := r.Lookup(op)
	if err != nil {
		return nil, err
	}
	fn, err := c(&graph.Node{Name: "fold", Op: op, Attrs: attrs})
	if err != nil {
		return nil, fmt.Errorf("convert %q: %w", op, err)
	}
	return fn(inputs)
}

var _ graph.Evaluator = (*Registry)(nil)
