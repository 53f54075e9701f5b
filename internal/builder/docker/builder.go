// Package docker implements the builder.Builder interface by shelling out to
// the docker CLI. Build output is streamed line-by-line to the pipeline's
// log writer, and process lifetime is bound to the run context so that a
// cancelled pipeline kills its build.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/builder"
)

// BuilderName is the name used when registering with the builder registry.
const BuilderName = "docker"

// scanBufferSize caps a single output line from the build process.
const scanBufferSize = 256 * 1024

// Config holds the docker builder configuration.
type Config struct {
	// DockerBin is the docker CLI binary, "docker" by default.
	DockerBin string

	// ProbeCmd is the command (argv) executed to resolve toolchain versions.
	// Its stdout must contain "tensorrt=<ver>" and "cudnn=<ver>" lines.
	ProbeCmd []string

	// ContextDir is the default build context when a spec has none.
	ContextDir string

	// MaxConcurrency is advertised via Capabilities.
	MaxConcurrency int
}

// Builder runs image builds through the docker CLI.
type Builder struct {
	cfg    Config
	logger *slog.Logger
}

// NewBuilder creates a docker builder.
func NewBuilder(cfg Config, logger *slog.Logger) *Builder {
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	if cfg.ContextDir == "" {
		cfg.ContextDir = "."
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Resolve executes the probe command and parses the toolchain versions from
// its output.
func (b *Builder) Resolve(ctx context.Context) (builder.Versions, error) {
	if len(b.cfg.ProbeCmd) == 0 {
		return builder.Versions{}, fmt.Errorf("no version probe command configured")
	}

	cmd := exec.CommandContext(ctx, b.cfg.ProbeCmd[0], b.cfg.ProbeCmd[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return builder.Versions{}, fmt.Errorf("version probe: %w", err)
	}

	vers, err := parseVersions(string(out))
	if err != nil {
		return builder.Versions{}, err
	}

	b.logger.Debug("resolved toolchain versions",
		"tensorrt", vers.TensorRT,
		"cudnn", vers.Cudnn,
	)
	return vers, nil
}

// parseVersions extracts tensorrt= and cudnn= lines from probe output.
func parseVersions(out string) (builder.Versions, error) {
	var vers builder.Versions
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "tensorrt":
			vers.TensorRT = value
		case "cudnn":
			vers.Cudnn = value
		}
	}
	if vers.TensorRT == "" || vers.Cudnn == "" {
		return builder.Versions{}, fmt.Errorf("version probe output missing tensorrt/cudnn lines")
	}
	return vers, nil
}

// Build runs docker build with the spec's tag and build arguments.
func (b *Builder) Build(ctx context.Context, spec builder.BuildSpec) error {
	start := time.Now()

	contextDir := spec.ContextDir
	if contextDir == "" {
		contextDir = b.cfg.ContextDir
	}

	args := []string{"build", "-t", spec.ImageTag}
	// Sorted for a deterministic command line in logs and tests.
	keys := make([]string, 0, len(spec.BuildArgs))
	for k := range spec.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+spec.BuildArgs[k])
	}
	args = append(args, contextDir)

	if err := b.runStreaming(ctx, spec, args...); err != nil {
		buildsTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("docker build: %w", err)
	}

	buildsTotal.WithLabelValues(statusSucceeded).Inc()
	buildDuration.Observe(time.Since(start).Seconds())
	b.logger.Info("image built",
		"pipeline_id", spec.PipelineID,
		"image_tag", spec.ImageTag,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Push runs docker push for the spec's tag.
func (b *Builder) Push(ctx context.Context, spec builder.BuildSpec) error {
	start := time.Now()

	if err := b.runStreaming(ctx, spec, "push", spec.ImageTag); err != nil {
		pushesTotal.WithLabelValues(statusFailed).Inc()
		return fmt.Errorf("docker push: %w", err)
	}

	pushesTotal.WithLabelValues(statusSucceeded).Inc()
	pushDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Capabilities reports what this builder supports.
func (b *Builder) Capabilities() builder.Capabilities {
	return builder.Capabilities{
		Name:           BuilderName,
		SupportsPush:   true,
		MaxConcurrency: b.cfg.MaxConcurrency,
	}
}

// runStreaming executes a docker subcommand, forwarding combined output to
// the spec's LogWriter one line at a time.
func (b *Builder) runStreaming(ctx context.Context, spec builder.BuildSpec, args ...string) error {
	cmd := exec.CommandContext(ctx, b.cfg.DockerBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", b.cfg.DockerBin, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamLines(stdout, spec.LogWriter)
	}()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w", b.cfg.DockerBin, args[0], err)
	}
	return nil
}

// streamLines scans r line-by-line into the writer callback. Lines longer
// than the scan buffer are truncated by the scanner rather than dropped.
func streamLines(r io.Reader, write func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		if write != nil {
			write(scanner.Text())
		}
	}
}
