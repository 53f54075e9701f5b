// Package compile turns a lowered tensor graph into a callable module backed
// by per-segment engines, cached by input shape. Running a module with the
// shapes it was built for reuses the cached engines; a new shape triggers
// exactly one rebuild, and Reset clears the cache.
package compile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/compile/convert"
	"github.com/kilnhq/kiln/internal/compile/partition"
	"github.com/kilnhq/kiln/internal/graph"
	"github.com/kilnhq/kiln/internal/model"
)

// ErrBuildFailed is returned when an engine build fails and the settings
// demand pass-through of build failures.
var ErrBuildFailed = errors.New("engine build failed")

// ErrBadInputs is returned when run inputs do not match the graph's placeholders.
var ErrBadInputs = errors.New("inputs do not match graph placeholders")

// Recorder persists engine build records. store.Store satisfies it; tests use
// a fake or nil.
type Recorder interface {
	InsertEngineRecord(ctx context.Context, rec *model.EngineRecord) error
}

// Compiler lowers graphs and builds engine-backed modules.
type Compiler struct {
	registry *convert.Registry
	recorder Recorder
	logger   *slog.Logger
}

// NewCompiler creates a compiler using the given converter registry.
// recorder may be nil to skip build-record persistence.
func NewCompiler(reg *convert.Registry, recorder Recorder, logger *slog.Logger) *Compiler {
	return &Compiler{registry: reg, recorder: recorder, logger: logger}
}

// Registry returns the compiler's converter registry.
func (c *Compiler) Registry() *convert.Registry {
	return c.registry
}

// Compile lowers the graph, partitions it, and builds engines for the shapes
// of the provided sample inputs. The returned module owns the engine cache.
func (c *Compiler) Compile(ctx context.Context, g *graph.Graph, inputs []*graph.Tensor, settings Settings) (*Module, error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	lowered := g.Clone()
	pm := graph.NewPassManager(c.logger, graph.DefaultPasses(c.registry)...)
	if err := pm.Apply(lowered); err != nil {
		return nil, fmt.Errorf("lowering: %w", err)
	}
	if settings.Debug {
		c.logger.Debug("lowered graph", "nodes", len(lowered.Nodes), "hash", lowered.Hash())
	}

	if missing := c.registry.Validate(lowered); len(missing) > 0 {
		c.logger.Warn("graph contains ops with no converter, they will run on the fallback path",
			"missing", missing)
	}

	segments := partition.Partition(lowered, c.registry, partition.Options{
		MinBlockSize: settings.MinBlockSize,
		ExcludedOps:  settings.excluded(),
	})

	m := &Module{
		id:       model.NewID(),
		compiler: c,
		graph:    lowered,
		segments: segments,
		settings: settings,
		cache:    make(map[string]*engineSet),
	}

	if _, err := m.enginesFor(ctx, inputs, false); err != nil {
		return nil, err
	}
	return m, nil
}

// segmentEngine is the built form of one accelerated segment: an ordered
// layer list specialized to a shape key.
type segmentEngine struct {
	layers map[string]convert.EvalFunc // node name -> compiled layer
}

// engineSet holds the engines built for one shape key.
type engineSet struct {
	engines        []segmentEngine // indexed like segments; empty for fallback segments
	workspaceBytes int64
}

// Module is a compiled graph with a shape-keyed engine cache.
type Module struct {
	id       string
	compiler *Compiler
	graph    *graph.Graph
	segments []partition.Segment
	settings Settings

	mu         sync.Mutex
	cache      map[string]*engineSet
	recompiles int
}

// ID returns the module's session identifier.
func (m *Module) ID() string { return m.id }

// Info describes the compiled module for the API surface.
type Info struct {
	ID               string   `json:"id"`
	GraphHash        string   `json:"graph_hash"`
	SettingsHash     string   `json:"settings_hash"`
	Segments         int      `json:"segments"`
	AcceleratedNodes int      `json:"accelerated_nodes"`
	Recompilations   int      `json:"recompilations"`
	CachedShapes     []string `json:"cached_shapes"`
}

// Info returns a snapshot of the module state.
func (m *Module) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	shapes := make([]string, 0, len(m.cache))
	for key := range m.cache {
		shapes = append(shapes, key)
	}
	return Info{
		ID:               m.id,
		GraphHash:        m.graph.Hash(),
		SettingsHash:     m.settings.Hash(),
		Segments:         len(m.segments),
		AcceleratedNodes: partition.AcceleratedNodeCount(m.segments),
		Recompilations:   m.recompiles,
		CachedShapes:     shapes,
	}
}

// Recompilations returns how many engine rebuilds were triggered by new
// input shapes after the initial compile.
func (m *Module) Recompilations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recompiles
}

// Reset clears the engine cache. The next Run rebuilds engines for its
// input shapes, counting as one recompilation.
func (m *Module) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]*engineSet)
	cacheResets.Inc()
}

// Run executes the module on the given inputs. Inputs with shapes already in
// the engine cache run without rebuilding; a new shape key triggers exactly
// one rebuild before execution.
func (m *Module) Run(ctx context.Context, inputs []*graph.Tensor) ([]*graph.Tensor, error) {
	set, err := m.enginesFor(ctx, inputs, true)
	if err != nil {
		return nil, err
	}
	outputs, _, err := m.execute(inputs, set)
	return outputs, err
}

// enginesFor returns the engine set for the inputs' shape key, building it
// under the module lock if absent so concurrent runs rebuild at most once.
func (m *Module) enginesFor(ctx context.Context, inputs []*graph.Tensor, countRecompile bool) (*engineSet, error) {
	if err := m.checkInputs(inputs); err != nil {
		return nil, err
	}
	key := shapeKeyOf(inputs)

	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.cache[key]; ok {
		cacheHits.Inc()
		return set, nil
	}
	cacheMisses.Inc()

	start := time.Now()
	set, err := m.build(inputs)
	if err != nil {
		// Build-failure policy from the settings: halt, or serve this shape
		// key on the interpreted path. The segment plan is immutable after
		// Compile; an engine set with no layers interprets every node, so
		// the degradation stays scoped to the failing shape.
		if m.settings.PassThroughBuildFailures {
			return nil, fmt.Errorf("%w: %v", ErrBuildFailed, err)
		}
		m.compiler.logger.Warn("engine build failed, falling back to interpreted path",
			"session_id", m.id, "shape_key", key, "error", err)
		set = &engineSet{engines: make([]segmentEngine, len(m.segments))}
	}
	buildDuration := time.Since(start)
	engineBuildSeconds.Observe(buildDuration.Seconds())

	m.cache[key] = set
	if countRecompile {
		m.recompiles++
		recompilationsTotal.Inc()
	}

	m.compiler.logger.Info("engines built",
		"session_id", m.id,
		"shape_key", key,
		"segments", len(m.segments),
		"workspace_bytes", set.workspaceBytes,
		"build_ms", buildDuration.Milliseconds(),
	)

	if m.compiler.recorder != nil {
		rec := &model.EngineRecord{
			SessionID: m.id,
			GraphHash: m.graph.Hash(),
			ShapeKey:  key,
			Settings:  m.settings.Hash(),
			Segments:  len(m.segments),
			BuildMS:   int(buildDuration.Milliseconds()),
			CreatedAt: time.Now().UTC(),
		}
		if err := m.compiler.recorder.InsertEngineRecord(ctx, rec); err != nil {
			m.compiler.logger.Error("persist engine record", "session_id", m.id, "error", err)
		}
	}

	return set, nil
}

// build specializes the accelerated segments to the input shapes: every node
// is converted to a layer, shapes are propagated with a zero-filled dry run,
// and the peak intermediate size is checked against the workspace budget.
func (m *Module) build(inputs []*graph.Tensor) (*engineSet, error) {
	set := &engineSet{engines: make([]segmentEngine, len(m.segments))}

	for i, seg := range m.segments {
		if !seg.Accelerated {
			continue
		}
		eng := segmentEngine{layers: make(map[string]convert.EvalFunc, len(seg.Nodes))}
		for _, n := range seg.Nodes {
			conv, err := m.compiler.registry.Lookup(n.Op)
			if err != nil {
				return nil, fmt.Errorf("segment %d: %w", i, err)
			}
			fn, err := conv(n)
			if err != nil {
				return nil, fmt.Errorf("segment %d, node %q: %w", i, n.Name, err)
			}
			eng.layers[n.Name] = fn
		}
		set.engines[i] = eng
	}

	// Dry run with zero tensors to propagate shapes and size the workspace.
	zeros := make([]*graph.Tensor, len(inputs))
	for i, in := range inputs {
		zeros[i] = graph.NewTensor(in.Shape...)
	}
	peak, err := m.dryRun(zeros, set)
	if err != nil {
		return nil, err
	}
	set.workspaceBytes = peak
	if peak > m.settings.WorkspaceSize {
		return nil, fmt.Errorf("workspace budget exceeded: need %d bytes, budget %d",
			peak, m.settings.WorkspaceSize)
	}

	return set, nil
}

func (m *Module) checkInputs(inputs []*graph.Tensor) error {
	placeholders := m.graph.Placeholders()
	if len(inputs) != len(placeholders) {
		return fmt.Errorf("%w: got %d inputs, graph has %d placeholders",
			ErrBadInputs, len(inputs), len(placeholders))
	}
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrBadInputs, i, err)
		}
		if len(in.Shape) != len(placeholders[i].Shape) {
			return fmt.Errorf("%w: input %d has rank %d, placeholder %q has rank %d",
				ErrBadInputs, i, len(in.Shape), placeholders[i].Name, len(placeholders[i].Shape))
		}
	}
	return nil
}

// execute walks the lowered graph, feeding accelerated segments through
// their built layers and everything else through direct interpretation. The
// second return value is the total bytes of computed intermediates, used to
// size the workspace during the build dry run.
func (m *Module) execute(inputs []*graph.Tensor, set *engineSet) ([]*graph.Tensor, int64, error) {
	env := make(map[string]*graph.Tensor, len(m.graph.Nodes))

	placeholders := m.graph.Placeholders()
	for i, p := range placeholders {
		env[p.Name] = inputs[i]
	}

	layerFor := func(name string) convert.EvalFunc {
		for i, seg := range m.segments {
			if !seg.Accelerated {
				continue
			}
			if set.engines[i].layers != nil {
				if fn, ok := set.engines[i].layers[name]; ok {
					return fn
				}
			}
		}
		return nil
	}

	var intermediateBytes int64
	for _, n := range m.graph.Nodes {
		switch n.Op {
		case graph.OpPlaceholder:
			continue
		case graph.OpConstant:
			env[n.Name] = n.Value
			continue
		}

		args := make([]*graph.Tensor, len(n.Inputs))
		for i, in := range n.Inputs {
			t, ok := env[in]
			if !ok {
				return nil, 0, fmt.Errorf("node %q: input %q not computed", n.Name, in)
			}
			args[i] = t
		}

		var out *graph.Tensor
		var err error
		if fn := layerFor(n.Name); fn != nil {
			out, err = fn(args)
		} else {
			out, err = m.compiler.registry.Eval(n.Op, args, n.Attrs)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("node %q (%s): %w", n.Name, n.Op, err)
		}
		env[n.Name] = out
		intermediateBytes += int64(graph.NumElements(out.Shape)) * 8
	}

	outputs := make([]*graph.Tensor, len(m.graph.Outputs))
	for i, name := range m.graph.Outputs {
		t, ok := env[name]
		if !ok {
			return nil, 0, fmt.Errorf("output %q not computed", name)
		}
		outputs[i] = t
	}
	return outputs, intermediateBytes, nil
}

// dryRun executes the graph on zero inputs to find the intermediate tensor
// footprint in bytes for the workspace check.
func (m *Module) dryRun(inputs []*graph.Tensor, set *engineSet) (int64, error) {
	_, bytes, err := m.execute(inputs, set)
	return bytes, err
}

func shapeKeyOf(inputs []*graph.Tensor) string {
	shapes := make([][]int, len(inputs))
	for i, in := range inputs {
		shapes[i] = in.Shape
	}
	return graph.ShapeKey(shapes)
}
