package graph

import (
	"fmt"
	"log/slog"
)

// Pass transforms a graph in place and reports whether it modified anything.
type Pass func(g *Graph) (bool, error)

// Evaluator computes a single op over concrete tensors. The converter
// registry satisfies this; the graph package stays independent of it.
type Evaluator interface {
	Supports(op string) bool
	Eval(op string, inputs []*Tensor, attrs map[string]float64) (*Tensor, error)
}

// PassManager applies an ordered list of lowering passes. After any pass
// modifies the graph, dead code is eliminated and the graph is revalidated.
type PassManager struct {
	passes []Pass
	logger *slog.Logger
}

// NewPassManager builds a manager from an ordered pass list.
func NewPassManager(logger *slog.Logger, passes ...Pass) *PassManager {
	return &PassManager{passes: passes, logger: logger}
}

// AddPass appends a pass to the end of the pipeline.
func (m *PassManager) AddPass(p Pass) {
	m.passes = append(m.passes, p)
}

// Apply runs all passes over the graph in order.
func (m *PassManager) Apply(g *Graph) error {
	for i, pass := range m.passes {
		modified, err := pass(g)
		if err != nil {
			return fmt.Errorf("lowering pass %d: %w", i, err)
		}
		if modified {
			eliminateDeadNodes(g)
			if err := g.Validate(); err != nil {
				return fmt.Errorf("lowering pass %d broke the graph: %w", i, err)
			}
			m.logger.Debug("lowering pass modified graph", "pass", i, "nodes", len(g.Nodes))
		}
	}
	return nil
}

// DefaultPasses returns the standard lowering pipeline: alias-clone removal,
// constant folding, then dead-code elimination.
func DefaultPasses(eval Evaluator) []Pass {
	return []Pass{
		RemoveAliasCloneNodes,
		ConstantFold(eval),
		EliminateDeadNodes,
	}
}

// RemoveAliasCloneNodes removes clone nodes inserted to break input aliasing:
// a clone whose sole input is a placeholder, where the clone is the
// placeholder's only user, is folded into the placeholder.
func RemoveAliasCloneNodes(g *Graph) (bool, error) {
	modified := false
	for _, n := range g.Nodes {
		if n.Op != OpPlaceholder {
			continue
		}
		users := g.Users(n.Name)
		if len(users) != 1 {
			continue
		}
		clone := g.Node(users[0])
		if clone == nil || clone.Op != OpClone || len(clone.Inputs) != 1 {
			continue
		}
		replaceUses(g, clone.Name, n.Name)
		eraseNode(g, clone.Name)
		modified = true
	}
	return modified, nil
}

// ConstantFold returns a pass that replaces compute nodes whose inputs are
// all constants with constant nodes holding the evaluated result.
func ConstantFold(eval Evaluator) Pass {
	return func(g *Graph) (bool, error) {
		modified := false
		for _, n := range g.Nodes {
			if n.Op == OpPlaceholder || n.Op == OpConstant || n.Op == OpOutput {
				continue
			}
			if !eval.Supports(n.Op) {
				continue
			}
			inputs := make([]*Tensor, 0, len(n.Inputs))
			foldable := true
			for _, in := range n.Inputs {
				dep := g.Node(in)
				if dep == nil || dep.Op != OpConstant {
					foldable = false
					break
				}
				inputs = append(inputs, dep.Value)
			}
			if !foldable {
				continue
			}

			result, err := eval.Eval(n.Op, inputs, n.Attrs)
			if err != nil {
				return modified, fmt.Errorf("fold %q (%s): %w", n.Name, n.Op, err)
			}
			n.Op = OpConstant
			n.Inputs = nil
			n.Attrs = nil
			n.Value = result
			n.Shape = append([]int(nil), result.Shape...)
			modified = true
		}
		return modified, nil
	}
}

// EliminateDeadNodes erases nodes unreachable from the graph outputs.
func EliminateDeadNodes(g *Graph) (bool, error) {
	return eliminateDeadNodes(g), nil
}

func eliminateDeadNodes(g *Graph) bool {
	live := make(map[string]bool, len(g.Nodes))
	var mark func(name string)
	mark = func(name string) {
		if live[name] {
			return
		}
		live[name] = true
		if n := g.Node(name); n != nil {
			for _, in := range n.Inputs {
				mark(in)
			}
		}
	}
	for _, out := range g.Outputs {
		mark(out)
	}

	kept := g.Nodes[:0]
	modified := false
	for _, n := range g.Nodes {
		if live[n.Name] {
			kept = append(kept, n)
		} else {
			modified = true
		}
	}
	g.Nodes = kept
	return modified
}

// replaceUses rewrites every input reference and output reference from one
// node name to another.
func replaceUses(g *Graph, from, to string) {
	for _, n := range g.Nodes {
		for i, in := range n.Inputs {
			if in == from {
				n.Inputs[i] = to
			}
		}
	}
	for i, out := range g.Outputs {
		if out == from {
			g.Outputs[i] = to
		}
	}
}

func eraseNode(g *Graph, name string) {
	for i, n := range g.Nodes {
		if n.Name == name {
			g.Nodes = append(g.Nodes[:i], g.Nodes[i+1:]...)
			return
		}
	}
}
