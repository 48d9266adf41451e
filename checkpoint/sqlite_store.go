package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	artemis "github.com/redmage123/artemis-sub002"
)

// SQLiteStore persists checkpoints in a single SQLite database, one row per
// run. Suited to deployments that outgrow a directory of JSON files.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	options SQLiteStoreOptions
}

// SQLiteStoreOptions configures the SQLite checkpoint store.
type SQLiteStoreOptions struct {
	QueryTimeout      time.Duration
	PragmaJournalMode string // WAL mode for better concurrent performance
	PragmaSyncMode    string
	MaxConnections    int
}

// DefaultSQLiteStoreOptions returns sensible defaults.
func DefaultSQLiteStoreOptions() SQLiteStoreOptions {
	return SQLiteStoreOptions{
		QueryTimeout:      30 * time.Second,
		PragmaJournalMode: "WAL",
		PragmaSyncMode:    "NORMAL",
		MaxConnections:    10,
	}
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed checkpoint store.
// Zero-value option fields are defaulted individually, so partial options are
// safe.
func NewSQLiteStore(dbPath string, options SQLiteStoreOptions) (*SQLiteStore, error) {
	defaults := DefaultSQLiteStoreOptions()
	if options.QueryTimeout <= 0 {
		options.QueryTimeout = defaults.QueryTimeout
	}
	if options.PragmaJournalMode == "" {
		options.PragmaJournalMode = defaults.PragmaJournalMode
	}
	if options.PragmaSyncMode == "" {
		options.PragmaSyncMode = defaults.PragmaSyncMode
	}
	if options.MaxConnections <= 0 {
		options.MaxConnections = defaults.MaxConnections
	}
	store := &SQLiteStore{dbPath: dbPath, options: options}
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite checkpoint store: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_timeout=5000",
		s.dbPath, s.options.PragmaJournalMode, s.options.PragmaSyncMode)

	var err error
	s.db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	s.db.SetMaxOpenConns(s.options.MaxConnections)
	s.db.SetMaxIdleConns(s.options.MaxConnections / 2)
	s.db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), s.options.QueryTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT PRIMARY KEY,
		pipeline_name TEXT,
		last_completed_index INTEGER NOT NULL,
		stage_order JSON NOT NULL,
		stage_results JSON NOT NULL,
		response_cache JSON NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_pipeline ON checkpoints(pipeline_name);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the checkpoint row, updating its timestamps.
func (s *SQLiteStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint.RunID == "" {
		return fmt.Errorf("checkpoint run id is required")
	}

	checkpoint.UpdatedAt = time.Now()
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = checkpoint.UpdatedAt
	}

	stageOrder, err := json.Marshal(checkpoint.StageOrder)
	if err != nil {
		return fmt.Errorf("failed to encode stage order: %w", err)
	}
	stageResults, err := json.Marshal(checkpoint.StageResults)
	if err != nil {
		return fmt.Errorf("failed to encode stage results: %w", err)
	}
	responseCache, err := json.Marshal(checkpoint.ResponseCache)
	if err != nil {
		return fmt.Errorf("failed to encode response cache: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(run_id, pipeline_name, last_completed_index, stage_order,
			 stage_results, response_cache, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			pipeline_name = excluded.pipeline_name,
			last_completed_index = excluded.last_completed_index,
			stage_order = excluded.stage_order,
			stage_results = excluded.stage_results,
			response_cache = excluded.response_cache,
			updated_at = excluded.updated_at`,
		checkpoint.RunID, checkpoint.PipelineName, checkpoint.LastCompletedIndex,
		string(stageOrder), string(stageResults), string(responseCache),
		checkpoint.CreatedAt, checkpoint.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for runID, or (nil, nil) if none exists.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, pipeline_name, last_completed_index, stage_order,
		       stage_results, response_cache, created_at, updated_at
		FROM checkpoints WHERE run_id = ?`, runID)

	var checkpoint Checkpoint
	var stageOrder, stageResults, responseCache string
	err := row.Scan(&checkpoint.RunID, &checkpoint.PipelineName,
		&checkpoint.LastCompletedIndex, &stageOrder, &stageResults,
		&responseCache, &checkpoint.CreatedAt, &checkpoint.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(stageOrder), &checkpoint.StageOrder); err != nil {
		return nil, s.corruption(runID, "stage_order", err)
	}
	if err := json.Unmarshal([]byte(stageResults), &checkpoint.StageResults); err != nil {
		return nil, s.corruption(runID, "stage_results", err)
	}
	if err := json.Unmarshal([]byte(responseCache), &checkpoint.ResponseCache); err != nil {
		return nil, s.corruption(runID, "response_cache", err)
	}
	return &checkpoint, nil
}

func (s *SQLiteStore) corruption(runID, column string, err error) error {
	return &artemis.CheckpointCorruptionError{
		RunID:  runID,
		Reason: fmt.Sprintf("invalid %s JSON: %v", column, err),
	}
}

// Delete removes the checkpoint row for runID.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns all checkpoints, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pipeline_name, last_completed_index, stage_order,
		       stage_results, response_cache, created_at, updated_at
		FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var checkpoint Checkpoint
		var stageOrder, stageResults, responseCache string
		if err := rows.Scan(&checkpoint.RunID, &checkpoint.PipelineName,
			&checkpoint.LastCompletedIndex, &stageOrder, &stageResults,
			&responseCache, &checkpoint.CreatedAt, &checkpoint.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		if err := json.Unmarshal([]byte(stageOrder), &checkpoint.StageOrder); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(stageResults), &checkpoint.StageResults); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(responseCache), &checkpoint.ResponseCache); err != nil {
			continue
		}
		checkpoints = append(checkpoints, &checkpoint)
	}
	return checkpoints, rows.Err()
}
