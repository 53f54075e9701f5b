package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pipeline run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Trigger constants. Push is the only trigger the HTTP surface accepts today;
// manual is reserved for replays from the CLI.
const (
	TriggerPush   = "push"
	TriggerManual = "manual"
)

// Pipeline step names, in execution order.
const (
	StepResolve = "resolve"
	StepBuild   = "build"
	StepPush    = "push"
	StepCleanup = "cleanup"
)

// ErrInvalidBranch is returned when a branch name cannot form a valid image tag.
var ErrInvalidBranch = errors.New("branch name contains characters not allowed in an image tag")

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether the status is a terminal state.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCancelled
}

// maxTagLength is the image tag length limit enforced by registries.
const maxTagLength = 128

// TagForBranch computes the image tag for a branch: <image>:<branch>, with
// "/" mapped to "-" so that slash-separated branch names (feature/x) remain
// valid tags. Returns ErrInvalidBranch for names containing any other
// character outside the tag alphabet.
func TagForBranch(image, branch string) (string, error) {
	if branch == "" {
		return "", fmt.Errorf("%w: empty branch", ErrInvalidBranch)
	}
	tag := strings.ReplaceAll(branch, "/", "-")
	if len(tag) > maxTagLength {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidBranch, branch, maxTagLength)
	}
	// Tags may not start with a separator.
	if tag[0] == '.' || tag[0] == '-' {
		return "", fmt.Errorf("%w: %q starts with %q", ErrInvalidBranch, branch, string(tag[0]))
	}
	for _, c := range tag {
		if !isTagChar(c) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidBranch, branch, string(c))
		}
	}
	return image + ":" + tag, nil
}

func isTagChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == '-':
		return true
	}
	return false
}

// LogLine represents a single persisted log line from a pipeline run.
type LogLine struct {
	ID         int64     `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Seq        int       `json:"seq"`
	Line       string    `json:"line"`
	CreatedAt  time.Time `json:"created_at"`
}

// Pipeline represents a single image pipeline run triggered for a branch.
type Pipeline struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Branch          string     `json:"branch"`
	Trigger         string     `json:"trigger"`
	Builder         string     `json:"builder"`
	ImageTag        string     `json:"image_tag"`
	TensorRTVer     string     `json:"tensorrt_version,omitempty"`
	CudnnVer        string     `json:"cudnn_version,omitempty"`
	DeletedUntagged *int       `json:"deleted_untagged,omitempty"`
	Error           string     `json:"error,omitempty"`
	TimeoutS        *int       `json:"timeout_s,omitempty"`
	DurationMS      *int       `json:"duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// EngineRecord is the persisted record of a single engine build performed by
// the compile subsystem, kept for observability rather than as the cache itself.
type EngineRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	GraphHash string    `json:"graph_hash"`
	ShapeKey  string    `json:"shape_key"`
	Settings  string    `json:"settings_hash"`
	Segments  int       `json:"segments"`
	BuildMS   int       `json:"build_ms"`
	CreatedAt time.Time `json:"created_at"`
}
