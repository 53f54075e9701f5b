package builder

import "context"

// Versions holds the toolchain version strings resolved before a build and
// passed to the image build as build arguments.
type Versions struct {
	TensorRT string `json:"tensorrt"`
	Cudnn    string `json:"cudnn"`
}

// BuildSpec describes a single image build and push.
type BuildSpec struct {
	PipelineID string            `json:"pipeline_id"`
	Branch     string            `json:"branch"`
	ImageTag   string            `json:"image_tag"`
	ContextDir string            `json:"context_dir"`
	BuildArgs  map[string]string `json:"build_args"`

	// LogWriter is an optional callback that builders invoke to emit output
	// lines during execution. Each call delivers one line to connected SSE
	// subscribers and the persisted log.
	LogWriter func(line string) `json:"-"`
}

// Capabilities describes what a builder supports.
type Capabilities struct {
	Name           string `json:"name"`
	SupportsPush   bool   `json:"supports_push"`
	MaxConcurrency int    `json:"max_concurrency"`
}

// Builder is the interface that all image builders must implement.
type Builder interface {
	// Resolve probes the toolchain versions baked into the next build.
	// The context carries deadlines and cancellation for the probe process.
	Resolve(ctx context.Context) (Versions, error)

	// Build produces the image named by spec.ImageTag.
	Build(ctx context.Context, spec BuildSpec) error

	// Push publishes the built image to the configured registry.
	Push(ctx context.Context, spec BuildSpec) error

	// Capabilities reports what this builder supports.
	Capabilities() Capabilities
}
