// Package execution provides the pipeline execution strategies. Each
// strategy orchestrates stage calls through a StageRunner, which carries
// the supervision machinery (circuit breaking, health tracking, recovery)
// so strategies only decide ordering, skipping, grouping, and persistence.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/slogger"
)

// StageRunner executes one stage under full supervision. An error return
// means the stage failed after recovery was exhausted (or was rejected by
// its circuit breaker) and the run cannot use its output.
type StageRunner interface {
	RunStage(ctx context.Context, stage artemis.Stage, input map[string]any) (map[string]any, error)
	Logger() slogger.Logger
}

// Options carries one run's parameters into a strategy.
type Options struct {
	RunID  string
	Runner StageRunner
	Stages []artemis.Stage
	Input  map[string]any
}

// Strategy executes a pipeline of stages.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, opts Options) (*artemis.PipelineResult, error)
}

func newPipelineResult(runID string) *artemis.PipelineResult {
	if runID == "" {
		runID = uuid.New().String()
	}
	return &artemis.PipelineResult{
		RunID:     runID,
		Results:   make(map[string]map[string]any),
		StartTime: time.Now(),
	}
}

func finalize(result *artemis.PipelineResult, err error) (*artemis.PipelineResult, error) {
	result.EndTime = time.Now()
	result.Success = err == nil
	result.Err = err
	return result, err
}

// Standard runs stages strictly in order, folding each stage's output into
// the context before the next stage starts, and stops at the first failure
// recovery could not absorb.
type Standard struct{}

// NewStandard returns the sequential strategy.
func NewStandard() *Standard { return &Standard{} }

func (s *Standard) Name() string { return "standard" }

func (s *Standard) Execute(ctx context.Context, opts Options) (*artemis.PipelineResult, error) {
	result := newPipelineResult(opts.RunID)
	pipelineContext := artemis.MergeContext(opts.Input, nil)

	for _, stage := range opts.Stages {
		output, err := opts.Runner.RunStage(ctx, stage, pipelineContext)
		if err != nil {
			return finalize(result, err)
		}
		result.Results[stage.Name()] = output
		pipelineContext = artemis.MergeContext(pipelineContext, output)
	}
	return finalize(result, nil)
}

// Fast is Standard minus a configured skip-set of stage names. Skipping is
// a policy decision, not a failure path; skipped stages are logged and
// contribute nothing to the context.
type Fast struct {
	skip map[string]bool
}

// NewFast returns the stage-skipping strategy.
func NewFast(skipStages []string) *Fast {
	skip := make(map[string]bool, len(skipStages))
	for _, name := range skipStages {
		skip[name] = true
	}
	return &Fast{skip: skip}
}

func (f *Fast) Name() string { return "fast" }

func (f *Fast) Execute(ctx context.Context, opts Options) (*artemis.PipelineResult, error) {
	result := newPipelineResult(opts.RunID)
	pipelineContext := artemis.MergeContext(opts.Input, nil)

	for _, stage := range opts.Stages {
		if f.skip[stage.Name()] {
			opts.Runner.Logger().Info("skipping stage", "stage", stage.Name(), "strategy", f.Name())
			continue
		}
		output, err := opts.Runner.RunStage(ctx, stage, pipelineContext)
		if err != nil {
			return finalize(result, err)
		}
		result.Results[stage.Name()] = output
		pipelineContext = artemis.MergeContext(pipelineContext, output)
	}
	return finalize(result, nil)
}
