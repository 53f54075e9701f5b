// Package partition splits a lowered graph into contiguous segments of
// compute nodes, marking each segment as accelerated or fallback. A segment
// is accelerated only when every op in it has a converter, none of its ops is
// excluded by the settings, and it contains at least the configured minimum
// number of compute nodes.
package partition

import (
	"github.com/kilnhq/kiln/internal/compile/convert"
	"github.com/kilnhq/kiln/internal/graph"
)

// Segment is a contiguous run of compute nodes with a common disposition.
type Segment struct {
	Nodes       []*graph.Node
	Accelerated bool
}

// Options controls partitioning.
type Options struct {
	// MinBlockSize is the smallest number of compute nodes worth building an
	// engine for; smaller supported runs fall back.
	MinBlockSize int

	// ExcludedOps are forced onto the fallback path regardless of converter
	// support.
	ExcludedOps map[string]bool
}

// Partition walks the graph in topological order and groups compute nodes by
// whether they can run in an engine. Placeholders, constants, and outputs
// belong to no segment and never count toward the block size.
func Partition(g *graph.Graph, reg *convert.Registry, opts Options) []Segment {
	minBlock := opts.MinBlockSize
	if minBlock < 1 {
		minBlock = 1
	}

	var segments []Segment
	var current *Segment

	flush := func() {
		if current != nil {
			segments = append(segments, *current)
			current = nil
		}
	}

	for _, n := range g.Nodes {
		switch n.Op {
		case graph.OpPlaceholder, graph.OpConstant, graph.OpOutput:
			continue
		}

		supported := reg.Supports(n.Op) && !opts.ExcludedOps[n.Op]
		if current == nil || current.Accelerated != supported {
			flush()
			current = &Segment{Accelerated: supported}
		}
		current.Nodes = append(current.Nodes, n)
	}
	flush()

	// Demote supported runs that are too small to be worth an engine.
	for i := range segments {
		if segments[i].Accelerated && len(segments[i].Nodes) < minBlock {
			segments[i].Accelerated = false
		}
	}

	return merged(segments)
}

// merged coalesces adjacent segments that ended up with the same disposition
// after the min-block-size demotion.
func merged(segments []Segment) []Segment {
	if len(segments) == 0 {
		return segments
	}
	out := segments[:1]
	for _, seg := range segments[1:] {
		last := &out[len(out)-1]
		if last.Accelerated == seg.Accelerated {
			last.Nodes = append(last.Nodes, seg.Nodes...)
		} else {
			out = append(out, seg)
		}
	}
	return out
}

// AcceleratedNodeCount reports how many compute nodes landed in accelerated
// segments, for logging and metrics.
func AcceleratedNodeCount(segments []Segment) int {
	count := 0
	for _, seg := range segments {
		if seg.Accelerated {
			count += len(seg.Nodes)
		}
	}
	return count
}
