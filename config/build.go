package config

import (
	"fmt"
	"strings"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/breaker"
	"github.com/redmage123/artemis-sub002/checkpoint"
	"github.com/redmage123/artemis-sub002/execution"
	"github.com/redmage123/artemis-sub002/health"
	"github.com/redmage123/artemis-sub002/recovery"
	"github.com/redmage123/artemis-sub002/slogger"
	"github.com/redmage123/artemis-sub002/supervisor"
)

// BuildStages materializes the pipeline's command stages in file order.
func (p *Pipeline) BuildStages() []artemis.Stage {
	stages := make([]artemis.Stage, 0, len(p.Stages))
	for _, cfg := range p.Stages {
		stages = append(stages, NewCommandStage(cfg))
	}
	return stages
}

// BuildCheckpointStore opens the store named by checkpoint_dir: a path
// ending in .db is a SQLite database, anything else a directory of JSON
// files. An empty checkpoint_dir yields a store that persists nothing.
func (p *Pipeline) BuildCheckpointStore() (checkpoint.Store, error) {
	if p.CheckpointDir == "" {
		return checkpoint.NewNullStore(), nil
	}
	if strings.HasSuffix(p.CheckpointDir, ".db") {
		return checkpoint.NewSQLiteStore(p.CheckpointDir, checkpoint.SQLiteStoreOptions{})
	}
	return checkpoint.NewFileStore(p.CheckpointDir), nil
}

// BuildStrategy constructs the configured execution strategy. The store is
// only consulted by the checkpointed strategy.
func (p *Pipeline) BuildStrategy(store checkpoint.Store) execution.Strategy {
	switch p.Strategy {
	case "fast":
		return execution.NewFast(p.SkipStages)
	case "parallel":
		return execution.NewParallel(p.Groups, p.Workers)
	case "checkpointed":
		return execution.NewCheckpointed(store, p.Name, 0)
	default:
		return execution.NewStandard()
	}
}

// BuildSupervisor wires a supervisor from the pipeline definition: the
// chosen strategy, breaker policy, watchdog interval, and every per-stage
// recovery override.
func (p *Pipeline) BuildSupervisor(logger slogger.Logger) (*supervisor.Supervisor, checkpoint.Store, error) {
	store, err := p.BuildCheckpointStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	opts := supervisor.Options{
		Strategy: p.BuildStrategy(store),
		Logger:   logger,
	}

	if p.Breaker != nil {
		config := breaker.DefaultConfig()
		if p.Breaker.FailureThreshold > 0 {
			config.FailureThreshold = p.Breaker.FailureThreshold
		}
		if cooldown, _ := parseDuration(p.Breaker.Cooldown, 0); cooldown > 0 {
			config.Cooldown = cooldown
		}
		opts.BreakerConfig = &config
	}
	if interval, _ := parseDuration(p.WatchdogInterval, 0); interval > 0 {
		opts.Monitor = health.NewMonitor(health.MonitorOptions{
			CheckInterval: interval,
			Logger:        logger,
		})
	}
	if timeout, _ := parseDuration(p.StageTimeout, 0); timeout > 0 {
		opts.StageTimeout = timeout
	}

	s := supervisor.New(opts)
	for _, stage := range p.Stages {
		if stage.Recovery != nil {
			s.SetRecoveryStrategy(stage.Name, stage.Recovery.Build())
		}
		if stage.DefaultResult != nil {
			s.RegisterDefaultResult(stage.Name, stage.DefaultResult)
		}
	}
	return s, store, nil
}

// Build converts the file form into the engine's strategy value, filling
// unset fields from the defaults.
func (r *RecoveryConfig) Build() recovery.Strategy {
	strategy := recovery.DefaultStrategy()
	strategy.MaxRetries = r.MaxRetries
	if delay, _ := parseDuration(r.RetryDelay, 0); delay > 0 {
		strategy.RetryDelay = delay
	}
	if r.BackoffMultiplier > 0 {
		strategy.BackoffMultiplier = r.BackoffMultiplier
	}
	if timeout, _ := parseDuration(r.Timeout, 0); timeout > 0 {
		strategy.Timeout = timeout
	}
	return strategy
}
