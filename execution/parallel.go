package execution

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	artemis "github.com/redmage123/artemis-sub002"
)

// DefaultParallelWorkers bounds concurrent stage executions within a group
// when no explicit limit is configured.
const DefaultParallelWorkers = 4

// Parallel runs stages in ordered dependency groups. Stages inside a group
// run concurrently and share the context assembled from all prior groups;
// a group acts as a barrier, so its outputs are merged together before the
// next group starts. If any stage in a group fails past recovery, stages
// already running are allowed to finish, queued stages in the group are
// cancelled, and no later group starts.
type Parallel struct {
	groups  [][]string
	workers int
}

// NewParallel returns the grouped-concurrency strategy. Stage names absent
// from any group are appended as single-stage groups in pipeline order, so
// a partial grouping still runs every stage.
func NewParallel(groups [][]string, workers int) *Parallel {
	if workers <= 0 {
		workers = DefaultParallelWorkers
	}
	return &Parallel{groups: groups, workers: workers}
}

func (p *Parallel) Name() string { return "parallel" }

// resolveGroups maps the configured name groups onto the run's stages and
// appends any ungrouped stages as trailing singleton groups.
func (p *Parallel) resolveGroups(stages []artemis.Stage) ([][]artemis.Stage, error) {
	byName := make(map[string]artemis.Stage, len(stages))
	for _, stage := range stages {
		byName[stage.Name()] = stage
	}

	grouped := make(map[string]bool)
	resolved := make([][]artemis.Stage, 0, len(p.groups))
	for _, names := range p.groups {
		group := make([]artemis.Stage, 0, len(names))
		for _, name := range names {
			stage, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("parallel group references unknown stage %q", name)
			}
			if grouped[name] {
				return nil, fmt.Errorf("stage %q appears in more than one parallel group", name)
			}
			grouped[name] = true
			group = append(group, stage)
		}
		if len(group) > 0 {
			resolved = append(resolved, group)
		}
	}
	for _, stage := range stages {
		if !grouped[stage.Name()] {
			resolved = append(resolved, []artemis.Stage{stage})
		}
	}
	return resolved, nil
}

func (p *Parallel) Execute(ctx context.Context, opts Options) (*artemis.PipelineResult, error) {
	result := newPipelineResult(opts.RunID)

	groups, err := p.resolveGroups(opts.Stages)
	if err != nil {
		return finalize(result, err)
	}

	pipelineContext := artemis.MergeContext(opts.Input, nil)
	for _, group := range groups {
		outputs, groupErr := p.runGroup(ctx, opts.Runner, group, pipelineContext, result)
		for _, output := range outputs {
			pipelineContext = artemis.MergeContext(pipelineContext, output)
		}
		if groupErr != nil {
			return finalize(result, groupErr)
		}
	}
	return finalize(result, nil)
}

// runGroup executes one group and returns the merged-in outputs of the
// stages that succeeded. Every stage that actually ran leaves an entry in
// result.Results, failed ones with a failure record instead of an output.
func (p *Parallel) runGroup(
	ctx context.Context,
	runner StageRunner,
	group []artemis.Stage,
	input map[string]any,
	result *artemis.PipelineResult,
) (map[string]map[string]any, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	var mu sync.Mutex
	outputs := make(map[string]map[string]any, len(group))

	for _, stage := range group {
		stage := stage
		g.Go(func() error {
			// A prior failure in this group cancels gctx; stages that
			// have not started yet bail out here without running. Stages
			// that do start get the parent context, so a sibling failure
			// never aborts them mid-flight.
			if gctx.Err() != nil {
				return gctx.Err()
			}
			output, err := runner.RunStage(ctx, stage, input)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Results[stage.Name()] = map[string]any{
					"status": string(artemis.StageStatusFail),
					"error":  err.Error(),
				}
				return err
			}
			result.Results[stage.Name()] = output
			outputs[stage.Name()] = output
			return nil
		})
	}

	err := g.Wait()
	return outputs, err
}
