// Package supervisor ties the orchestration core together. The Supervisor
// owns the state machine, health monitor, circuit breakers, and recovery
// engine for one pipeline, and exposes the single supervised entry point
// execution strategies run stages through.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/breaker"
	"github.com/redmage123/artemis-sub002/execution"
	"github.com/redmage123/artemis-sub002/health"
	"github.com/redmage123/artemis-sub002/recovery"
	"github.com/redmage123/artemis-sub002/slogger"
	"github.com/redmage123/artemis-sub002/statemachine"
)

// DefaultStageTimeout is the watchdog hang timeout applied to stages when
// no per-run timeout is configured.
const DefaultStageTimeout = 5 * time.Minute

// Options configures a Supervisor. Zero-value fields get working defaults;
// injected components are shared, not copied, so callers can observe them.
type Options struct {
	Strategy      execution.Strategy
	Machine       *statemachine.Machine
	Monitor       *health.Monitor
	Breakers      *breaker.Manager
	FixProposer   recovery.FixProposer
	Logger        slogger.Logger
	StageTimeout  time.Duration
	BreakerConfig *breaker.Config
}

// Supervisor is the facade in front of the orchestration core. It
// implements execution.StageRunner: every stage call passes through the
// circuit breaker, is tracked by the health monitor, and on failure is
// handed to the recovery engine before anything surfaces to the strategy.
type Supervisor struct {
	strategy     execution.Strategy
	machine      *statemachine.Machine
	monitor      *health.Monitor
	breakers     *breaker.Manager
	recovery     *recovery.Engine
	logger       slogger.Logger
	stageTimeout time.Duration

	watchdogOnce sync.Once

	mutex   sync.Mutex
	results map[string]map[string]any
}

// New creates a Supervisor. The background watchdog starts lazily on the
// first Run and stops at Close.
func New(opts Options) *Supervisor {
	if opts.Strategy == nil {
		opts.Strategy = execution.NewStandard()
	}
	if opts.Machine == nil {
		opts.Machine = statemachine.New()
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Monitor == nil {
		opts.Monitor = health.NewMonitor(health.MonitorOptions{Logger: opts.Logger})
	}
	if opts.Breakers == nil {
		config := breaker.DefaultConfig()
		if opts.BreakerConfig != nil {
			config = *opts.BreakerConfig
		}
		opts.Breakers = breaker.NewManager(config, opts.Logger)
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}

	s := &Supervisor{
		strategy: opts.Strategy,
		machine:  opts.Machine,
		monitor:  opts.Monitor,
		breakers: opts.Breakers,
		recovery: recovery.NewEngine(recovery.EngineOptions{
			Machine:     opts.Machine,
			FixProposer: opts.FixProposer,
			Logger:      opts.Logger,
		}),
		logger:       opts.Logger,
		stageTimeout: opts.StageTimeout,
		results:      make(map[string]map[string]any),
	}
	s.monitor.AddObserver(health.ObserverFunc(s.handleHealthEvent))
	return s
}

// Run executes the pipeline under the configured strategy with a fresh
// run ID.
func (s *Supervisor) Run(ctx context.Context, stages []artemis.Stage, input map[string]any) (*artemis.PipelineResult, error) {
	return s.run(ctx, uuid.New().String(), stages, input)
}

// Resume executes the pipeline under an existing run ID so a checkpointed
// strategy can pick up where the previous run stopped.
func (s *Supervisor) Resume(ctx context.Context, runID string, stages []artemis.Stage, input map[string]any) (*artemis.PipelineResult, error) {
	if runID == "" {
		return nil, errors.New("resume requires a run ID")
	}
	return s.run(ctx, runID, stages, input)
}

func (s *Supervisor) run(ctx context.Context, runID string, stages []artemis.Stage, input map[string]any) (*artemis.PipelineResult, error) {
	s.watchdogOnce.Do(func() { s.monitor.Start(context.Background()) })

	s.logger.Info("pipeline run starting",
		"run_id", runID,
		"strategy", s.strategy.Name(),
		"stages", len(stages))
	s.machine.Push(statemachine.StateRunning, map[string]any{"run_id": runID})

	result, err := s.strategy.Execute(ctx, execution.Options{
		RunID:  runID,
		Runner: s,
		Stages: stages,
		Input:  input,
	})

	if err != nil {
		s.machine.Push(statemachine.StateAborted, map[string]any{
			"run_id": runID,
			"error":  err.Error(),
		})
		s.logger.Error("pipeline run aborted", "run_id", runID, "error", err)
		return result, err
	}
	s.machine.Push(statemachine.StateCompleted, map[string]any{"run_id": runID})
	s.logger.Info("pipeline run completed", "run_id", runID, "duration", result.Duration().String())
	return result, nil
}

// Close stops the background watchdog. The Supervisor must not be used
// after Close.
func (s *Supervisor) Close() {
	s.monitor.Stop()
}

// Logger implements execution.StageRunner.
func (s *Supervisor) Logger() slogger.Logger { return s.logger }

// RunStage implements execution.StageRunner: one stage call under full
// supervision. Failures loop through the recovery engine until an outcome
// is terminal; only CircuitOpenError and RecoveryExhaustedError escape.
func (s *Supervisor) RunStage(ctx context.Context, stage artemis.Stage, input map[string]any) (map[string]any, error) {
	name := stage.Name()
	s.monitor.Register(name, s.stageTimeout, nil)
	defer s.monitor.Unregister(name)

	retries := 0
	currentInput := input
	for {
		if !s.breakers.CheckCircuit(name) {
			err := &artemis.CircuitOpenError{Stage: name}
			s.machine.Push(statemachine.StateStageFailed, map[string]any{
				statemachine.ContextKeyStage: name,
				"error":                      err.Error(),
			})
			s.machine.UpdateStageState(name, statemachine.StateStageFailed)
			return nil, err
		}

		s.machine.Push(statemachine.StateStageRunning, map[string]any{
			statemachine.ContextKeyStage: name,
			"retries":                    retries,
		})
		s.machine.UpdateStageState(name, statemachine.StateStageRunning)
		s.monitor.RecordStart(name)

		start := time.Now()
		var stageResult *artemis.StageResult
		err := s.breakers.Execute(name, func() error {
			var execErr error
			stageResult, execErr = s.executeStage(ctx, stage, currentInput)
			return execErr
		})

		if artemis.IsCircuitOpen(err) {
			s.machine.Push(statemachine.StateStageFailed, map[string]any{
				statemachine.ContextKeyStage: name,
				"error":                      err.Error(),
			})
			s.machine.UpdateStageState(name, statemachine.StateStageFailed)
			return nil, err
		}

		if err == nil {
			output := s.completeStage(name, stageResult, retries, time.Since(start))
			return output, nil
		}

		s.monitor.RecordCrash(name, err)
		retries++

		stageHealth, _ := s.monitor.Health(name)
		outcome, recoveryErr := s.recovery.Recover(ctx, recovery.Failure{
			Stage:   name,
			Err:     err,
			Input:   currentInput,
			Attempt: retries,
			Health:  &stageHealth,
		})
		if recoveryErr != nil {
			s.machine.UpdateStageState(name, statemachine.StateStageFailed)
			return nil, recoveryErr
		}

		switch outcome.Kind {
		case recovery.OutcomeFixedResult:
			output := s.substituteResult(name, outcome)
			return output, nil
		case recovery.OutcomeRetry:
			if outcome.Input != nil {
				currentInput = outcome.Input
			}
			if err := sleepContext(ctx, outcome.Delay); err != nil {
				return nil, err
			}
		default:
			// The engine signals give-up through recoveryErr; any other
			// kind here is a bug in the engine.
			return nil, fmt.Errorf("unexpected recovery outcome %q for stage %q", outcome.Kind, name)
		}
	}
}

// executeStage invokes the stage, converting panics and reported failures
// into StageExecutionError so the recovery engine sees one error shape.
func (s *Supervisor) executeStage(ctx context.Context, stage artemis.Stage, input map[string]any) (result *artemis.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stage panicked", "stage", stage.Name(), "panic", r)
			result = nil
			err = &artemis.StageExecutionError{
				Stage: stage.Name(),
				Err:   fmt.Errorf("panic: %v", r),
			}
		}
	}()

	result, execErr := stage.Execute(ctx, input)
	if execErr != nil {
		return nil, &artemis.StageExecutionError{Stage: stage.Name(), Err: execErr}
	}
	if result == nil {
		result = &artemis.StageResult{Status: artemis.StageStatusComplete}
	}
	if result.Status == artemis.StageStatusFail {
		return nil, &artemis.StageExecutionError{
			Stage: stage.Name(),
			Err:   errors.New("stage reported failure status"),
		}
	}
	return result, nil
}

// completeStage records a successful execution and returns the output map
// handed back to the strategy. Retried stages carry their retry count in
// the output so it survives into results and checkpoints.
func (s *Supervisor) completeStage(name string, result *artemis.StageResult, retries int, duration time.Duration) map[string]any {
	s.monitor.RecordCompletion(name, duration)
	s.recovery.ResetStage(name)

	output := artemis.MergeContext(result.Output, nil)
	if retries > 0 {
		output["retry_count"] = retries
	}
	s.machine.Push(statemachine.StateStageCompleted, map[string]any{
		statemachine.ContextKeyStage:  name,
		statemachine.ContextKeyResult: output,
	})
	s.machine.UpdateStageState(name, statemachine.StateStageCompleted)
	s.setResult(name, output)
	return output
}

// substituteResult records a fixed-result recovery outcome as the stage's
// result without re-running the stage.
func (s *Supervisor) substituteResult(name string, outcome *recovery.Outcome) map[string]any {
	output := artemis.MergeContext(outcome.Result, nil)
	s.logger.Warn("substituting recovery result for stage",
		"stage", name, "recovery_strategy", outcome.Strategy)
	s.machine.Push(statemachine.StateStageCompleted, map[string]any{
		statemachine.ContextKeyStage:  name,
		statemachine.ContextKeyResult: output,
		"recovery_strategy":           outcome.Strategy,
	})
	s.machine.UpdateStageState(name, statemachine.StateStageCompleted)
	s.recovery.ResetStage(name)
	s.setResult(name, output)
	return output
}

func (s *Supervisor) setResult(name string, output map[string]any) {
	s.mutex.Lock()
	s.results[name] = output
	s.mutex.Unlock()
}

// GetStageResult returns the most recent result recorded for the stage,
// or nil when the stage has not completed.
func (s *Supervisor) GetStageResult(name string) map[string]any {
	result, ok := s.machine.LatestResult(name)
	if !ok {
		return nil
	}
	if output, ok := result.(map[string]any); ok {
		return output
	}
	return nil
}

// GetAllStageResults returns a copy of every completed stage's result.
func (s *Supervisor) GetAllStageResults() map[string]map[string]any {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	all := make(map[string]map[string]any, len(s.results))
	for name, output := range s.results {
		all[name] = output
	}
	return all
}

// RegisterHealthObserver subscribes an observer to health events.
func (s *Supervisor) RegisterHealthObserver(observer health.Observer) {
	s.monitor.AddObserver(observer)
}

// SetRecoveryStrategy sets the retry policy for one stage.
func (s *Supervisor) SetRecoveryStrategy(stage string, strategy recovery.Strategy) {
	s.recovery.SetStrategy(stage, strategy)
}

// RegisterKnownFix adds a deterministic fix for a recognized error
// signature.
func (s *Supervisor) RegisterKnownFix(fix recovery.KnownFix) {
	s.recovery.RegisterFix(fix)
}

// RegisterDefaultResult sets a safe substitute result for a stage.
func (s *Supervisor) RegisterDefaultResult(stage string, result map[string]any) {
	s.recovery.RegisterDefaultResult(stage, result)
}

// ConfigureBreaker overrides the circuit breaker config for one stage.
func (s *Supervisor) ConfigureBreaker(stage string, config breaker.Config) {
	s.breakers.Configure(stage, config)
}

// ResetBreakers clears every circuit breaker, a manual operator override.
func (s *Supervisor) ResetBreakers() {
	s.breakers.ResetAll()
}

// Heartbeat forwards stage progress to the health monitor, resetting its
// hang clock. Long-running stages call this through the observer handle
// they receive for the duration of a call.
func (s *Supervisor) Heartbeat(stage string, progress map[string]any) {
	s.monitor.Heartbeat(stage, progress)
}

// StateLog returns a snapshot of the state machine's append-only log.
func (s *Supervisor) StateLog() []statemachine.StateEntry {
	return s.machine.Snapshot()
}

// handleHealthEvent is the built-in observer. Crashes are already routed
// to the recovery engine inline by RunStage; hang findings are handed to
// the engine here, which records them without preempting the running stage.
func (s *Supervisor) handleHealthEvent(event health.Event) {
	switch event.Type {
	case health.EventHung:
		s.logger.Error("stage hung", "stage", event.Stage, "payload", event.Payload)
		s.recovery.RecordHang(event.Stage, event.Payload)
	case health.EventStalled:
		s.logger.Warn("stage stalled", "stage", event.Stage, "payload", event.Payload)
	case health.EventCrashed:
		s.logger.Error("stage crashed", "stage", event.Stage, "payload", event.Payload)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
