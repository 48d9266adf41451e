package execution

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/checkpoint"
	"github.com/redmage123/artemis-sub002/slogger"
)

// Checkpointed runs stages in order like Standard, persisting a checkpoint
// after every completed stage. A later run with the same run ID resumes
// after the last completed stage, seeding its context and response cache
// from the stored snapshot so finished work is never repeated. A stored
// checkpoint that fails resume validation is logged and ignored; the run
// then starts fresh under the same run ID.
type Checkpointed struct {
	store        checkpoint.Store
	pipelineName string
	cacheSize    int
}

// NewCheckpointed returns the resumable strategy backed by the given store.
// cacheSize bounds the response cache; zero or negative means unbounded.
func NewCheckpointed(store checkpoint.Store, pipelineName string, cacheSize int) *Checkpointed {
	if store == nil {
		store = checkpoint.NewNullStore()
	}
	return &Checkpointed{store: store, pipelineName: pipelineName, cacheSize: cacheSize}
}

func (c *Checkpointed) Name() string { return "checkpointed" }

func (c *Checkpointed) Execute(ctx context.Context, opts Options) (*artemis.PipelineResult, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	result := newPipelineResult(opts.RunID)
	log := opts.Runner.Logger()

	stageNames := make([]string, len(opts.Stages))
	for i, stage := range opts.Stages {
		stageNames[i] = stage.Name()
	}

	cp, err := c.loadCheckpoint(ctx, log, opts.RunID, stageNames)
	if err != nil {
		return finalize(result, err)
	}
	if cp == nil {
		cp = checkpoint.New(opts.RunID, stageNames)
		cp.PipelineName = c.pipelineName
	} else {
		// The checkpoint validated as a strict prefix of this run's stage
		// list; record the current, possibly longer, order going forward.
		cp.StageOrder = append([]string(nil), stageNames...)
	}

	cache := checkpoint.NewResponseCache(c.cacheSize)
	cache.LoadFrom(cp.ResponseCache)

	pipelineContext := artemis.MergeContext(opts.Input, nil)
	for i, stage := range opts.Stages {
		name := stage.Name()

		if i <= cp.LastCompletedIndex {
			stored := cp.StageResults[name]
			result.Results[name] = stored
			pipelineContext = artemis.MergeContext(pipelineContext, stored)
			log.Debug("resuming past completed stage", "run_id", opts.RunID, "stage", name)
			continue
		}

		output, ok := cache.Get(checkpoint.CacheKey(name, pipelineContext))
		if ok {
			log.Debug("reusing cached stage response", "run_id", opts.RunID, "stage", name)
		} else {
			output, err = opts.Runner.RunStage(ctx, stage, pipelineContext)
			if err != nil {
				return finalize(result, err)
			}
			cache.Put(checkpoint.CacheKey(name, pipelineContext), output)
		}

		result.Results[name] = output
		cp.RecordStageResult(i, name, output)
		cp.ResponseCache = cache.Snapshot()
		if err := c.store.Save(ctx, cp); err != nil {
			// The stage completed but its completion is not durable; running
			// the next stage would risk repeating this one on resume.
			return finalize(result, fmt.Errorf("failed to save checkpoint after stage %q: %w", name, err))
		}
		pipelineContext = artemis.MergeContext(pipelineContext, output)
	}
	return finalize(result, nil)
}

// loadCheckpoint fetches and validates the stored checkpoint for the run.
// A corrupt or mismatched checkpoint is discarded, not fatal: the run
// starts fresh instead of resuming from an untrustworthy position.
func (c *Checkpointed) loadCheckpoint(ctx context.Context, log slogger.Logger, runID string, stageNames []string) (*checkpoint.Checkpoint, error) {
	cp, err := c.store.Load(ctx, runID)
	if err != nil {
		if artemis.IsCheckpointCorruption(err) {
			log.Warn("discarding corrupt checkpoint, starting fresh", "run_id", runID, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint for run %q: %w", runID, err)
	}
	if cp == nil {
		return nil, nil
	}
	if err := checkpoint.CanResume(cp, stageNames); err != nil {
		log.Warn("discarding unresumable checkpoint, starting fresh", "run_id", runID, "error", err)
		return nil, nil
	}
	return cp, nil
}
