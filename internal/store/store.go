package store

import (
	"context"
	"errors"

	"github.com/kilnhq/kiln/internal/model"
)

// ErrInvalidTransition is returned when a pipeline status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// PipelineStats holds aggregate pipeline run statistics.
type PipelineStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByBranch map[string]int `json:"count_by_branch"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for pipeline runs and engine builds.
type Store interface {
	CreatePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context, limit, offset int) ([]*model.Pipeline, int, error)
	UpdatePipelineStatus(ctx context.Context, id, status string) error
	UpdatePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipelineStats(ctx context.Context) (*PipelineStats, error)
	InsertLogLine(ctx context.Context, pipelineID string, seq int, line string) error
	GetLogLines(ctx context.Context, pipelineID string) ([]model.LogLine, error)
	InsertEngineRecord(ctx context.Context, rec *model.EngineRecord) error
	ListEngineRecords(ctx context.Context, limit, offset int) ([]*model.EngineRecord, int, error)
	Close() error
}
