// Package checkpoint provides durable persistence of pipeline progress. A
// checkpoint records which stages completed, their results, and a cache of
// external-call responses so a resumed run repeats no finished work.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	artemis "github.com/redmage123/artemis-sub002"
)

// Checkpoint is a durable snapshot of one pipeline run's progress.
type Checkpoint struct {
	RunID              string                    `json:"run_id"`
	PipelineName       string                    `json:"pipeline_name,omitempty"`
	LastCompletedIndex int                       `json:"last_completed_index"`
	StageOrder         []string                  `json:"stage_order"`
	StageResults       map[string]map[string]any `json:"stage_results"`
	ResponseCache      map[string]map[string]any `json:"response_cache"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

// New creates an empty checkpoint for a run that has completed no stages.
func New(runID string, stageOrder []string) *Checkpoint {
	order := make([]string, len(stageOrder))
	copy(order, stageOrder)
	return &Checkpoint{
		RunID:              runID,
		LastCompletedIndex: -1,
		StageOrder:         order,
		StageResults:       make(map[string]map[string]any),
		ResponseCache:      make(map[string]map[string]any),
		CreatedAt:          time.Now(),
	}
}

// RecordStageResult marks the stage at index as completed with the given
// result. Indices must advance monotonically; the caller drives ordering.
func (c *Checkpoint) RecordStageResult(index int, stage string, result map[string]any) {
	if c.StageResults == nil {
		c.StageResults = make(map[string]map[string]any)
	}
	c.StageResults[stage] = result
	if index > c.LastCompletedIndex {
		c.LastCompletedIndex = index
	}
}

// Store persists checkpoints keyed by run ID. Load returns (nil, nil) when
// no checkpoint exists for the run.
type Store interface {
	Save(ctx context.Context, checkpoint *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
	List(ctx context.Context) ([]*Checkpoint, error)
}

// CanResume validates that the checkpoint's recorded stage sequence is a
// strict prefix of the requested stage list. Any mismatch returns a
// CheckpointCorruptionError so callers fail loudly instead of silently
// resuming from a wrong position.
func CanResume(checkpoint *Checkpoint, stages []string) error {
	if checkpoint == nil {
		return &artemis.CheckpointCorruptionError{Reason: "no checkpoint"}
	}
	if checkpoint.LastCompletedIndex < 0 {
		// Nothing completed yet; resuming is a plain fresh start.
		return nil
	}
	if checkpoint.LastCompletedIndex >= len(stages) {
		return &artemis.CheckpointCorruptionError{
			RunID: checkpoint.RunID,
			Reason: fmt.Sprintf("last completed index %d exceeds requested stage count %d",
				checkpoint.LastCompletedIndex, len(stages)),
		}
	}
	if checkpoint.LastCompletedIndex >= len(checkpoint.StageOrder) {
		return &artemis.CheckpointCorruptionError{
			RunID: checkpoint.RunID,
			Reason: fmt.Sprintf("last completed index %d exceeds recorded stage count %d",
				checkpoint.LastCompletedIndex, len(checkpoint.StageOrder)),
		}
	}
	for i := 0; i <= checkpoint.LastCompletedIndex; i++ {
		if checkpoint.StageOrder[i] != stages[i] {
			return &artemis.CheckpointCorruptionError{
				RunID: checkpoint.RunID,
				Reason: fmt.Sprintf("stage %d mismatch: checkpoint has %q, pipeline has %q",
					i, checkpoint.StageOrder[i], stages[i]),
			}
		}
	}
	return nil
}

// NullStore is a no-op Store for runs that persist nothing.
type NullStore struct{}

func NewNullStore() *NullStore { return &NullStore{} }

func (s *NullStore) Save(ctx context.Context, checkpoint *Checkpoint) error { return nil }

func (s *NullStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	return nil, nil
}

func (s *NullStore) Delete(ctx context.Context, runID string) error { return nil }

func (s *NullStore) List(ctx context.Context) ([]*Checkpoint, error) { return nil, nil }
