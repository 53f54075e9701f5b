package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Precision identifies a numeric format the builder may lower layers to.
type Precision string

// Supported precisions.
const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
	PrecisionINT8 Precision = "int8"
	PrecisionFP8  Precision = "fp8"
)

// Runtime selects the execution implementation for compiled segments.
const (
	RuntimeNative      = "native"
	RuntimeInterpreted = "interpreted"
)

// Defaults applied to settings fields left at their zero value.
const (
	DefaultMinBlockSize      = 5
	DefaultOptimizationLevel = 3
	DefaultWorkspaceSize     = 1 << 30 // 1 GiB

	MinOptimizationLevel = 0
	MaxOptimizationLevel = 5
)

// ErrInvalidSettings is returned when a settings object fails validation.
var ErrInvalidSettings = errors.New("invalid compilation settings")

var validPrecisions = map[Precision]bool{
	PrecisionFP32: true,
	PrecisionFP16: true,
	PrecisionINT8: true,
	PrecisionFP8:  true,
}

// Settings is the compilation configuration: which precisions the builder may
// use, how much workspace it gets, how aggressively to fuse, and which ops
// must stay on the fallback path.
type Settings struct {
	EnabledPrecisions []Precision `json:"enabled_precisions,omitempty"`
	Debug             bool        `json:"debug,omitempty"`
	WorkspaceSize     int64       `json:"workspace_size,omitempty"`
	MinBlockSize      int         `json:"min_block_size,omitempty"`
	ExcludedOps       []string    `json:"excluded_ops,omitempty"`
	OptimizationLevel int         `json:"optimization_level,omitempty"`
	Runtime           string      `json:"runtime,omitempty"`

	// PassThroughBuildFailures halts compilation on a segment build failure
	// instead of falling back to the interpreted path.
	PassThroughBuildFailures bool `json:"pass_through_build_failures,omitempty"`
}

// DefaultSettings returns the default configuration: fp32 only, 1 GiB
// workspace, minimum block size 5, optimization level 3, native runtime.
func DefaultSettings() Settings {
	return Settings{
		EnabledPrecisions: []Precision{PrecisionFP32},
		WorkspaceSize:     DefaultWorkspaceSize,
		MinBlockSize:      DefaultMinBlockSize,
		OptimizationLevel: DefaultOptimizationLevel,
		Runtime:           RuntimeNative,
	}
}

// withDefaults fills zero-valued fields from the default configuration.
// A zero MinBlockSize or OptimizationLevel means "unset" on the wire.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if len(s.EnabledPrecisions) == 0 {
		s.EnabledPrecisions = d.EnabledPrecisions
	}
	if s.WorkspaceSize == 0 {
		s.WorkspaceSize = d.WorkspaceSize
	}
	if s.MinBlockSize == 0 {
		s.MinBlockSize = d.MinBlockSize
	}
	if s.OptimizationLevel == 0 {
		s.OptimizationLevel = d.OptimizationLevel
	}
	if s.Runtime == "" {
		s.Runtime = d.Runtime
	}
	return s
}

// Validate checks enum and range validity.
func (s Settings) Validate() error {
	for _, p := range s.EnabledPrecisions {
		if !validPrecisions[p] {
			return fmt.Errorf("%w: unknown precision %q", ErrInvalidSettings, p)
		}
	}
	if s.WorkspaceSize < 0 {
		return fmt.Errorf("%w: negative workspace size %d", ErrInvalidSettings, s.WorkspaceSize)
	}
	if s.MinBlockSize < 1 {
		return fmt.Errorf("%w: min block size %d, must be >= 1", ErrInvalidSettings, s.MinBlockSize)
	}
	if s.OptimizationLevel < MinOptimizationLevel || s.OptimizationLevel > MaxOptimizationLevel {
		return fmt.Errorf("%w: optimization level %d outside [%d,%d]",
			ErrInvalidSettings, s.OptimizationLevel, MinOptimizationLevel, MaxOptimizationLevel)
	}
	if s.Runtime != RuntimeNative && s.Runtime != RuntimeInterpreted {
		return fmt.Errorf("%w: unknown runtime %q", ErrInvalidSettings, s.Runtime)
	}
	return nil
}

// excluded returns the excluded-op set for partitioning.
func (s Settings) excluded() map[string]bool {
	m := make(map[string]bool, len(s.ExcludedOps))
	for _, op := range s.ExcludedOps {
		m[op] = true
	}
	return m
}

// Hash returns a stable digest of the settings, used in engine cache keys so
// that changed settings force a rebuild.
func (s Settings) Hash() string {
	precisions := make([]string, len(s.EnabledPrecisions))
	for i, p := range s.EnabledPrecisions {
		precisions[i] = string(p)
	}
	sort.Strings(precisions)
	excluded := append([]string(nil), s.ExcludedOps...)
	sort.Strings(excluded)

	h := sha256.New()
	fmt.Fprintf(h, "p:%s|w:%d|b:%d|x:%s|o:%d|r:%s|f:%t",
		strings.Join(precisions, ","), s.WorkspaceSize, s.MinBlockSize,
		strings.Join(excluded, ","), s.OptimizationLevel, s.Runtime,
		s.PassThroughBuildFailures,
	)
	return hex.EncodeToString(h.Sum(nil))
}
