package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/kilnhq/kiln/internal/registry"
)

// Definition defaults applied by LoadDefinitions.
const (
	DefaultImage    = "torch_tensorrt"
	DefaultTimeoutS = 1800
)

// Definitions is the pipeline definitions file: which image gets built, for
// which branches, with which static build arguments and cleanup policy.
type Definitions struct {
	// Image is the image name; the tag is derived from the branch.
	Image string `yaml:"image"`

	// Package is the registry package cleaned up after a push. Defaults to
	// Image.
	Package string `yaml:"package"`

	// Branches restricts which branches may trigger pipelines. Empty means
	// any branch with a valid name.
	Branches []string `yaml:"branches"`

	// BuildArgs are static build arguments merged with the resolved
	// toolchain versions.
	BuildArgs map[string]string `yaml:"build_args"`

	// ContextDir is the docker build context.
	ContextDir string `yaml:"context_dir"`

	// TimeoutS bounds a single pipeline run.
	TimeoutS int `yaml:"timeout_s"`

	// Cleanup is the post-push registry cleanup policy.
	Cleanup registry.Policy `yaml:"cleanup"`
}

// BranchAllowed reports whether a branch may trigger pipelines under these
// definitions.
func (d *Definitions) BranchAllowed(branch string) bool {
	if len(d.Branches) == 0 {
		return true
	}
	return slices.Contains(d.Branches, branch)
}

// DefaultDefinitions returns the definitions used when no file exists:
// build the default image for main and nightly, delete all untagged
// versions after pushing.
func DefaultDefinitions() *Definitions {
	return &Definitions{
		Image:    DefaultImage,
		Package:  DefaultImage,
		Branches: []string{"main", "nightly"},
		TimeoutS: DefaultTimeoutS,
		Cleanup: registry.Policy{
			KeepMin:      0,
			UntaggedOnly: true,
		},
	}
}

// LoadDefinitions reads and validates the definitions file. A missing file
// yields the defaults.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultDefinitions(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}

	defs := &Definitions{}
	if err := yaml.Unmarshal(data, defs); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}

	if defs.Image == "" {
		defs.Image = DefaultImage
	}
	if defs.Package == "" {
		defs.Package = defs.Image
	}
	if defs.TimeoutS <= 0 {
		defs.TimeoutS = DefaultTimeoutS
	}
	if defs.Cleanup.KeepMin < 0 {
		return nil, fmt.Errorf("definitions: negative cleanup keep_min %d", defs.Cleanup.KeepMin)
	}

	return defs, nil
}
