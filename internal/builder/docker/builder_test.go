package docker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kilnhq/kiln/internal/builder"
)

func TestParseVersions(t *testing.T) {
	out := "tensorrt=10.3.0\ncudnn=8.9.7\n"
	vers, err := parseVersions(out)
	if err != nil {
		t.Fatalf("parseVersions: %v", err)
	}
	if vers.TensorRT != "10.3.0" {
		t.Errorf("TensorRT = %q, want 10.3.0", vers.TensorRT)
	}
	if vers.Cudnn != "8.9.7" {
		t.Errorf("Cudnn = %q, want 8.9.7", vers.Cudnn)
	}
}

func TestParseVersionsIgnoresNoise(t *testing.T) {
	out := "probing gpu...\ntensorrt=10.3.0\nsome other line\ncudnn=8.9.7\ndone\n"
	vers, err := parseVersions(out)
	if err != nil {
		t.Fatalf("parseVersions: %v", err)
	}
	if vers.TensorRT != "10.3.0" || vers.Cudnn != "8.9.7" {
		t.Errorf("versions = %+v", vers)
	}
}

func TestParseVersionsMissingLines(t *testing.T) {
	if _, err := parseVersions("tensorrt=10.3.0\n"); err == nil {
		t.Fatal("expected error for missing cudnn line")
	}
	if _, err := parseVersions(""); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestResolveRunsProbeCommand(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	b := NewBuilder(Config{
		ProbeCmd: []string{"sh", "-c", "echo tensorrt=10.3.0; echo cudnn=8.9.7"},
	}, logger)

	vers, err := b.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if vers.TensorRT != "10.3.0" || vers.Cudnn != "8.9.7" {
		t.Errorf("versions = %+v", vers)
	}
}

func TestResolveNoProbeConfigured(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	b := NewBuilder(Config{}, logger)
	if _, err := b.Resolve(context.Background()); err == nil {
		t.Fatal("expected error when no probe command is configured")
	}
}

func TestBuildStreamsOutput(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	// Substitute a shell for the docker binary: the builder only cares that
	// the process's combined output reaches the log writer.
	b := NewBuilder(Config{DockerBin: "echo"}, logger)

	var lines []string
	spec := builder.BuildSpec{
		PipelineID: "p1",
		ImageTag:   "torch_tensorrt:main",
		ContextDir: ".",
		BuildArgs:  map[string]string{"B": "2", "A": "1"},
		LogWriter:  func(line string) { lines = append(lines, line) },
	}

	if err := b.Build(context.Background(), spec); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("lines = %v, want the echoed command line", lines)
	}
	// Build args are sorted for a deterministic command line.
	want := "build -t torch_tensorrt:main --build-arg A=1 --build-arg B=2 ."
	if lines[0] != want {
		t.Errorf("line = %q, want %q", lines[0], want)
	}
}

func TestBuildCancelledContext(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	b := NewBuilder(Config{DockerBin: "sleep"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spec := builder.BuildSpec{ImageTag: "t:x", ContextDir: "5"}
	err := b.Build(ctx, spec)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("err = %v, want context cancellation", err)
	}
}

func TestCapabilities(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	b := NewBuilder(Config{MaxConcurrency: 3}, logger)

	caps := b.Capabilities()
	if caps.Name != BuilderName {
		t.Errorf("Name = %q, want %q", caps.Name, BuilderName)
	}
	if !caps.SupportsPush {
		t.Error("SupportsPush = false, want true")
	}
	if caps.MaxConcurrency != 3 {
		t.Errorf("MaxConcurrency = %d, want 3", caps.MaxConcurrency)
	}
}
