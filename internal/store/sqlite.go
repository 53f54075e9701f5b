package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kilnhq/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createPipelinesTable = `
CREATE TABLE IF NOT EXISTS pipelines (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    branch           TEXT NOT NULL,
    trigger_kind     TEXT NOT NULL,
    builder          TEXT NOT NULL,
    image_tag        TEXT NOT NULL,
    tensorrt_version TEXT,
    cudnn_version    TEXT,
    deleted_untagged INTEGER,
    error            TEXT,
    timeout_s        INTEGER,
    duration_ms      INTEGER,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS pipeline_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline_id TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    line        TEXT NOT NULL,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const createEngineRecordsTable = `
CREATE TABLE IF NOT EXISTS engine_records (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL,
    graph_hash    TEXT NOT NULL,
    shape_key     TEXT NOT NULL,
    settings_hash TEXT NOT NULL,
    segments      INTEGER NOT NULL,
    build_ms      INTEGER NOT NULL,
    created_at    DATETIME NOT NULL
)`

// ErrNotFound is returned when a pipeline run is not found.
var ErrNotFound = errors.New("pipeline not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createPipelinesTable, createLogLinesTable, createEngineRecordsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreatePipeline inserts a new pipeline run record.
func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *model.Pipeline) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipelines (
			id, status, branch, trigger_kind, builder, image_tag,
			tensorrt_version, cudnn_version, deleted_untagged, error,
			timeout_s, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Status, p.Branch, p.Trigger, p.Builder, p.ImageTag,
		p.TensorRTVer, p.CudnnVer, p.DeletedUntagged, p.Error,
		p.TimeoutS, p.DurationMS, p.CreatedAt, p.StartedAt, p.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetPipeline retrieves a pipeline run by ID.
func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	p := &model.Pipeline{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, branch, trigger_kind, builder, image_tag,
			tensorrt_version, cudnn_version, deleted_untagged, error,
			timeout_s, duration_ms, created_at, started_at, finished_at
		FROM pipelines WHERE id = ?`, id,
	).Scan(
		&p.ID, &p.Status, &p.Branch, &p.Trigger, &p.Builder, &p.ImageTag,
		&p.TensorRTVer, &p.CudnnVer, &p.DeletedUntagged, &p.Error,
		&p.TimeoutS, &p.DurationMS, &p.CreatedAt, &p.StartedAt, &p.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

// ListPipelines returns a paginated list of pipeline runs ordered by
// created_at DESC, along with the total count of all runs.
func (s *SQLiteStore) ListPipelines(ctx context.Context, limit, offset int) ([]*model.Pipeline, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM pipelines").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pipelines: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, branch, trigger_kind, builder, image_tag,
			tensorrt_version, cudnn_version, deleted_untagged, error,
			timeout_s, duration_ms, created_at, started_at, finished_at
		FROM pipelines ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*model.Pipeline
	for rows.Next() {
		p := &model.Pipeline{}
		if err := rows.Scan(
			&p.ID, &p.Status, &p.Branch, &p.Trigger, &p.Builder, &p.ImageTag,
			&p.TensorRTVer, &p.CudnnVer, &p.DeletedUntagged, &p.Error,
			&p.TimeoutS, &p.DurationMS, &p.CreatedAt, &p.StartedAt, &p.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pipelines: %w", err)
	}

	return pipelines, total, nil
}

// UpdatePipelineStatus moves a pipeline run to a new status, enforcing the
// transition table. For terminal statuses it also sets finished_at.
func (s *SQLiteStore) UpdatePipelineStatus(ctx context.Context, id, status string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM pipelines WHERE id = ?", id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read pipeline status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	var result sql.Result
	if model.IsTerminal(status) {
		result, err = s.db.ExecContext(ctx,
			"UPDATE pipelines SET status = ?, finished_at = ? WHERE id = ? AND status = ?",
			status, time.Now().UTC(), id, current,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE pipelines SET status = ? WHERE id = ? AND status = ?",
			status, id, current,
		)
	}

	if err != nil {
		return fmt.Errorf("update pipeline status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// The row moved between the read and the guarded write.
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	return nil
}

// UpdatePipeline updates the mutable fields of a pipeline run after execution.
func (s *SQLiteStore) UpdatePipeline(ctx context.Context, p *model.Pipeline) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET
			status = ?, image_tag = ?, tensorrt_version = ?, cudnn_version = ?,
			deleted_untagged = ?, error = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		p.Status, p.ImageTag, p.TensorRTVer, p.CudnnVer,
		p.DeletedUntagged, p.Error, p.DurationMS,
		p.StartedAt, p.FinishedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetPipelineStats computes aggregate statistics over all pipeline runs.
func (s *SQLiteStore) GetPipelineStats(ctx context.Context) (*PipelineStats, error) {
	stats := &PipelineStats{
		CountByStatus: make(map[string]int),
		CountByBranch: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM pipelines GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, "SELECT branch, COUNT(*) FROM pipelines GROUP BY branch")
	if err != nil {
		return nil, fmt.Errorf("count by branch: %w", err)
	}
	for rows.Next() {
		var branch string
		var count int
		if err := rows.Scan(&branch, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan branch count: %w", err)
		}
		stats.CountByBranch[branch] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate branch counts: %w", err)
	}
	rows.Close()

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM pipelines WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertLogLine persists a single log line for a pipeline run.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, pipelineID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO pipeline_logs (pipeline_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		pipelineID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all persisted log lines for a pipeline run ordered by sequence.
func (s *SQLiteStore) GetLogLines(ctx context.Context, pipelineID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline_id, seq, line, created_at
		FROM pipeline_logs WHERE pipeline_id = ? ORDER BY seq ASC`, pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.PipelineID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}

// InsertEngineRecord persists the record of a completed engine build.
func (s *SQLiteStore) InsertEngineRecord(ctx context.Context, rec *model.EngineRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_records (
			session_id, graph_hash, shape_key, settings_hash, segments, build_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.GraphHash, rec.ShapeKey, rec.Settings, rec.Segments, rec.BuildMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert engine record: %w", err)
	}
	return nil
}

// ListEngineRecords returns a paginated list of engine build records ordered
// by created_at DESC, along with the total count.
func (s *SQLiteStore) ListEngineRecords(ctx context.Context, limit, offset int) ([]*model.EngineRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM engine_records").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count engine records: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, graph_hash, shape_key, settings_hash, segments, build_ms, created_at
		FROM engine_records ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list engine records: %w", err)
	}
	defer rows.Close()

	var records []*model.EngineRecord
	for rows.Next() {
		rec := &model.EngineRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.GraphHash, &rec.ShapeKey,
			&rec.Settings, &rec.Segments, &rec.BuildMS, &rec.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan engine record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate engine records: %w", err)
	}

	return records, total, nil
}
