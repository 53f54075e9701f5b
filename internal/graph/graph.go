// Package graph defines the tensor-program IR consumed by the compile
// subsystem: a flat, topologically ordered node list with string-addressed
// edges, plus the lowering passes that normalize a graph before partitioning.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reserved op names for non-compute nodes. Every other op is a compute op
// resolved through the converter registry.
const (
	OpPlaceholder = "placeholder"
	OpConstant    = "constant"
	OpOutput      = "output"
	OpClone       = "clone"
)

// ErrInvalidGraph is returned when a graph fails structural validation.
var ErrInvalidGraph = errors.New("invalid graph")

// Node is a single operation in the program. Inputs name earlier nodes.
type Node struct {
	Name   string             `json:"name"`
	Op     string             `json:"op"`
	Inputs []string           `json:"inputs,omitempty"`
	Attrs  map[string]float64 `json:"attrs,omitempty"`

	// Value holds the payload for constant nodes.
	Value *Tensor `json:"value,omitempty"`

	// Shape is the declared result shape for placeholders. Compute node
	// shapes are derived at compile time from the actual inputs.
	Shape []int `json:"shape,omitempty"`
}

// Graph is a tensor program: nodes in topological order plus named outputs.
type Graph struct {
	Nodes   []*Node  `json:"nodes"`
	Outputs []string `json:"outputs"`
}

// Node returns the node with the given name, or nil.
func (g *Graph) Node(name string) *Node {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Users returns the names of nodes that consume the named node's result,
// including output references.
func (g *Graph) Users(name string) []string {
	var users []string
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in == name {
				users = append(users, n.Name)
				break
			}
		}
	}
	return users
}

// Placeholders returns the graph's placeholder nodes in declaration order.
func (g *Graph) Placeholders() []*Node {
	var ps []*Node
	for _, n := range g.Nodes {
		if n.Op == OpPlaceholder {
			ps = append(ps, n)
		}
	}
	return ps
}

// Validate checks structural invariants: unique names, inputs referring only
// to earlier nodes, outputs referring to existing nodes, constants carrying a
// value.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidGraph)
	}
	if len(g.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalidGraph)
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return fmt.Errorf("%w: unnamed node", ErrInvalidGraph)
		}
		if seen[n.Name] {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidGraph, n.Name)
		}
		for _, in := range n.Inputs {
			if !seen[in] {
				return fmt.Errorf("%w: node %q references unknown or later node %q", ErrInvalidGraph, n.Name, in)
			}
		}
		switch n.Op {
		case OpPlaceholder:
			if len(n.Inputs) != 0 {
				return fmt.Errorf("%w: placeholder %q has inputs", ErrInvalidGraph, n.Name)
			}
			if len(n.Shape) == 0 {
				return fmt.Errorf("%w: placeholder %q has no shape", ErrInvalidGraph, n.Name)
			}
		case OpConstant:
			if n.Value == nil {
				return fmt.Errorf("%w: constant %q has no value", ErrInvalidGraph, n.Name)
			}
		default:
			if len(n.Inputs) == 0 {
				return fmt.Errorf("%w: op %q has no inputs", ErrInvalidGraph, n.Name)
			}
		}
		seen[n.Name] = true
	}

	for _, out := range g.Outputs {
		if !seen[out] {
			return fmt.Errorf("%w: unknown output %q", ErrInvalidGraph, out)
		}
	}
	return nil
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Nodes:   make([]*Node, len(g.Nodes)),
		Outputs: append([]string(nil), g.Outputs...),
	}
	for i, n := range g.Nodes {
		nn := &Node{
			Name:   n.Name,
			Op:     n.Op,
			Inputs: append([]string(nil), n.Inputs...),
			Shape:  append([]int(nil), n.Shape...),
		}
		if n.Attrs != nil {
			nn.Attrs = make(map[string]float64, len(n.Attrs))
			for k, v := range n.Attrs {
				nn.Attrs[k] = v
			}
		}
		if n.Value != nil {
			nn.Value = n.Value.Clone()
		}
		c.Nodes[i] = nn
	}
	return c
}

// Hash returns a hex digest of the graph's canonical encoding, stable across
// processes. Used as part of engine cache keys.
func (g *Graph) Hash() string {
	h := sha256.New()
	for _, n := range g.Nodes {
		fmt.Fprintf(h, "%s|%s|%s|", n.Name, n.Op, strings.Join(n.Inputs, ","))
		for _, d := range n.Shape {
			fmt.Fprintf(h, "%d,", d)
		}
		if n.Value != nil {
			fmt.Fprintf(h, "v%s:", shapeString(n.Value.Shape))
			for _, v := range n.Value.Data {
				fmt.Fprintf(h, "%s,", strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		h.Write([]byte{'\n'})
	}
	fmt.Fprintf(h, "out:%s", strings.Join(g.Outputs, ","))
	return hex.EncodeToString(h.Sum(nil))
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}
