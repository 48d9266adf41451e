package artemis

import (
	"context"
	"time"
)

// StageStatus indicates the outcome a Stage reports for one execution.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFail     StageStatus = "fail"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult carries the output of one stage execution. The orchestration
// core stores and forwards Output but never inspects its contents.
type StageResult struct {
	Output map[string]any `json:"output"`
	Status StageStatus    `json:"status"`
}

// Stage is one named unit of pipeline work behind a single execute entry
// point. Implementations receive the accumulated pipeline context as input
// and return a result, or an error when the work cannot be completed.
// A Stage must not retain references to the input map after returning.
type Stage interface {

	// Name of the Stage, unique within one pipeline
	Name() string

	// Execute runs the stage's work against the given input
	Execute(ctx context.Context, input map[string]any) (*StageResult, error)
}

// StageFunc adapts a bare function to the Stage interface.
type StageFunc func(ctx context.Context, input map[string]any) (*StageResult, error)

type funcStage struct {
	name string
	fn   StageFunc
}

// NewStage wraps a function as a named Stage.
func NewStage(name string, fn StageFunc) Stage {
	return &funcStage{name: name, fn: fn}
}

func (s *funcStage) Name() string { return s.name }

func (s *funcStage) Execute(ctx context.Context, input map[string]any) (*StageResult, error) {
	return s.fn(ctx, input)
}

// PipelineResult is the terminal outcome of one pipeline run.
type PipelineResult struct {
	RunID     string                    `json:"run_id"`
	Success   bool                      `json:"success"`
	Results   map[string]map[string]any `json:"results"`
	Err       error                     `json:"-"`
	StartTime time.Time                 `json:"start_time"`
	EndTime   time.Time                 `json:"end_time"`
}

// Duration returns the wall-clock time of the run.
func (r *PipelineResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// MergeContext returns a new map holding base overlaid with updates. Neither
// input map is modified, so stage outputs are folded into the pipeline
// context without concurrent mutation.
func MergeContext(base, updates map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
