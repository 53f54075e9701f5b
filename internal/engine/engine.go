package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnhq/kiln/internal/builder"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/registry"
	"github.com/kilnhq/kiln/internal/store"
)

// ErrBranchNotAllowed is returned when a trigger names a branch outside the
// definitions' branch list.
var ErrBranchNotAllowed = errors.New("branch is not allowed by the pipeline definitions")

// ErrNotInFlight is returned when cancelling a pipeline that is not running.
var ErrNotInFlight = errors.New("pipeline is not in flight")

// run tracks one in-flight pipeline so a newer trigger on the same branch
// can cancel it.
type run struct {
	id     string
	branch string
	cancel context.CancelFunc
}

// Engine orchestrates asynchronous pipeline execution. Each branch is its own
// concurrency group: at most one run per branch is in flight, and a new
// trigger cancels the previous run before starting.
type Engine struct {
	store    store.Store
	builders *builder.Registry
	registry registry.Client
	logger   *slog.Logger
	broker   *LogBroker
	wg       sync.WaitGroup

	defsMu sync.RWMutex
	defs   *config.Definitions

	runMu    sync.Mutex
	byBranch map[string]*run
	byID     map[string]*run
}

// NewEngine creates a new pipeline engine. The registry client may be nil,
// in which case the cleanup step is skipped.
func NewEngine(s store.Store, builders *builder.Registry, reg registry.Client, defs *config.Definitions, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		builders: builders,
		registry: reg,
		logger:   logger,
		broker:   NewLogBroker(),
		defs:     defs,
		byBranch: make(map[string]*run),
		byID:     make(map[string]*run),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Definitions returns the pipeline definitions currently in effect.
func (e *Engine) Definitions() *config.Definitions {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	return e.defs
}

// SetDefinitions swaps in freshly reloaded definitions. In-flight runs keep
// the definitions they started with.
func (e *Engine) SetDefinitions(defs *config.Definitions) {
	e.defsMu.Lock()
	e.defs = defs
	e.defsMu.Unlock()
}

// Trigger creates a pipeline record for the branch and launches asynchronous
// execution. If a run for the same branch is already in flight it is
// cancelled first, so only the newest trigger per branch keeps running. The
// pipeline is stored with status "pending" before returning.
func (e *Engine) Trigger(ctx context.Context, branch, trigger, builderName string) (*model.Pipeline, error) {
	defs := e.Definitions()

	if !defs.BranchAllowed(branch) {
		return nil, fmt.Errorf("%w: %q", ErrBranchNotAllowed, branch)
	}
	tag, err := model.TagForBranch(defs.Image, branch)
	if err != nil {
		return nil, err
	}

	timeoutS := defs.TimeoutS
	p := &model.Pipeline{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Branch:    branch,
		Trigger:   trigger,
		Builder:   builderName,
		ImageTag:  tag,
		TimeoutS:  &timeoutS,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutS)*time.Second)
	r := &run{id: p.ID, branch: branch, cancel: cancel}

	e.runMu.Lock()
	if prior, ok := e.byBranch[branch]; ok {
		e.logger.Info("superseding in-progress run",
			"branch", branch, "cancelled_id", prior.id, "new_id", p.ID)
		prior.cancel()
		pipelinesSuperseded.Inc()
	}
	e.byBranch[branch] = r
	e.byID[p.ID] = r
	e.runMu.Unlock()

	pCopy := *p
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(runCtx, &pCopy, defs)
	}()

	return p, nil
}

// Cancel cancels an in-flight pipeline by id.
func (e *Engine) Cancel(id string) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	r, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	r.cancel()
	return nil
}

// Wait blocks until all in-flight pipeline goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// unregister removes a finished run from the in-flight maps. The branch slot
// is only cleared if it still points at this run, so a superseding run is
// never evicted by the one it replaced.
func (e *Engine) unregister(r *run) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	delete(e.byID, r.id)
	if e.byBranch[r.branch] == r {
		delete(e.byBranch, r.branch)
	}
}

// execute runs the pipeline lifecycle in a goroutine:
// pending → running → succeeded/failed/cancelled.
func (e *Engine) execute(ctx context.Context, p *model.Pipeline, defs *config.Definitions) {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(p.ID)

	e.runMu.Lock()
	r := e.byID[p.ID]
	e.runMu.Unlock()
	if r != nil {
		defer e.unregister(r)
	}

	pipelinesActive.Inc()
	defer pipelinesActive.Dec()

	// Transition to running.
	if err := e.store.UpdatePipelineStatus(context.Background(), p.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "pipeline_id", p.ID, "error", err)
		e.finish(p, nil, model.StatusFailed, fmt.Sprintf("failed to start: %v", err))
		return
	}

	// Capture start time immediately after the running transition so that
	// started_at stays consistent across success and failure paths.
	start := time.Now()

	// The LogWriter dual-writes: persist to SQLite for historical viewing,
	// then publish to LogBroker for real-time SSE.
	var seq atomic.Int32
	logLine := func(line string) {
		currentSeq := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), p.ID, currentSeq, line); err != nil {
			e.logger.Error("failed to persist log line", "pipeline_id", p.ID, "seq", currentSeq, "error", err)
		}
		e.broker.Publish(p.ID, line)
	}

	err := e.runSteps(ctx, p, defs, logLine)
	if err != nil {
		status := model.StatusFailed
		errMsg := err.Error()
		switch {
		case ctx.Err() == context.Canceled:
			status = model.StatusCancelled
			errMsg = "superseded or cancelled before completion"
		case ctx.Err() == context.DeadlineExceeded:
			timeoutS := config.DefaultTimeoutS
			if p.TimeoutS != nil {
				timeoutS = *p.TimeoutS
			}
			errMsg = fmt.Sprintf("pipeline timed out after %ds", timeoutS)
		}
		logLine("pipeline " + status + ": " + errMsg)
		e.finish(p, &start, status, errMsg)
		return
	}

	logLine("pipeline succeeded")
	e.finish(p, &start, model.StatusSucceeded, "")
}

// runSteps executes resolve → build → push → cleanup, fail-fast. Results are
// written into p as they become available.
func (e *Engine) runSteps(ctx context.Context, p *model.Pipeline, defs *config.Definitions, logLine func(string)) error {
	b, err := e.builders.Resolve(p.Builder)
	if err != nil {
		return fmt.Errorf("resolve builder: %w", err)
	}

	err = e.step(model.StepResolve, logLine, func() error {
		versions, err := b.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve versions: %w", err)
		}
		p.TensorRTVer = versions.TensorRT
		p.CudnnVer = versions.Cudnn
		logLine(fmt.Sprintf("resolved tensorrt=%s cudnn=%s", versions.TensorRT, versions.Cudnn))
		return nil
	})
	if err != nil {
		return err
	}

	buildArgs := make(map[string]string, len(defs.BuildArgs)+2)
	for k, v := range defs.BuildArgs {
		buildArgs[k] = v
	}
	buildArgs["TENSORRT_VERSION"] = p.TensorRTVer
	buildArgs["CUDNN_VERSION"] = p.CudnnVer

	spec := builder.BuildSpec{
		PipelineID: p.ID,
		Branch:     p.Branch,
		ImageTag:   p.ImageTag,
		ContextDir: defs.ContextDir,
		BuildArgs:  buildArgs,
		LogWriter:  logLine,
	}

	err = e.step(model.StepBuild, logLine, func() error {
		if err := b.Build(ctx, spec); err != nil {
			return fmt.Errorf("build %s: %w", p.ImageTag, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = e.step(model.StepPush, logLine, func() error {
		if err := b.Push(ctx, spec); err != nil {
			return fmt.Errorf("push %s: %w", p.ImageTag, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return e.step(model.StepCleanup, logLine, func() error {
		if e.registry == nil {
			logLine("cleanup skipped: no registry configured")
			return nil
		}
		deleted, err := registry.Cleanup(ctx, e.registry, defs.Package, defs.Cleanup, e.logger)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", defs.Package, err)
		}
		p.DeletedUntagged = &deleted
		logLine(fmt.Sprintf("cleanup deleted %d untagged versions", deleted))
		return nil
	})
}

// step runs one pipeline step, recording its duration.
func (e *Engine) step(name string, logLine func(string), fn func() error) error {
	logLine("step " + name + " started")
	start := time.Now()
	err := fn()
	pipelineStepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		logLine("step " + name + " failed: " + err.Error())
		return err
	}
	logLine("step " + name + " finished")
	return nil
}

// finish writes the terminal pipeline record. startedAt may be nil if
// execution never started.
func (e *Engine) finish(p *model.Pipeline, startedAt *time.Time, status, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	final := &model.Pipeline{
		ID:              p.ID,
		Status:          status,
		ImageTag:        p.ImageTag,
		TensorRTVer:     p.TensorRTVer,
		CudnnVer:        p.CudnnVer,
		DeletedUntagged: p.DeletedUntagged,
		Error:           errMsg,
		DurationMS:      &durationMS,
		StartedAt:       startedAt,
		FinishedAt:      &now,
	}

	if err := e.store.UpdatePipeline(context.Background(), final); err != nil {
		e.logger.Error("failed to update finished pipeline", "pipeline_id", p.ID, "status", status, "error", err)
	}
	pipelinesTotal.WithLabelValues(p.Trigger, status).Inc()
}
