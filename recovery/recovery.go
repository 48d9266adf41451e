// Package recovery selects remediation for failed stage executions.
// Strategies are tried in a fixed priority order and the first applicable
// one wins: a known-signature deterministic fix, a registered safe default
// result, retry with exponential backoff, an injected assisted-fix
// collaborator that may rewrite the stage's inputs, and finally giving up.
package recovery

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/checkpoint"
	"github.com/redmage123/artemis-sub002/health"
	"github.com/redmage123/artemis-sub002/slogger"
	"github.com/redmage123/artemis-sub002/statemachine"
)

// DefaultMaxDelay caps the computed backoff delay.
const DefaultMaxDelay = 2 * time.Minute

// Strategy is the immutable per-stage retry configuration.
type Strategy struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultStrategy returns the configuration used for stages without an
// explicit strategy.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		Timeout:           5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Backoff computes the delay before retry number attempt (1-based):
// delay = RetryDelay * BackoffMultiplier^(attempt-1), capped.
func (s Strategy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := s.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := time.Duration(float64(s.RetryDelay) * math.Pow(multiplier, float64(attempt-1)))
	if delay > DefaultMaxDelay {
		delay = DefaultMaxDelay
	}
	return delay
}

// Failure describes one failed stage execution handed to the engine.
type Failure struct {
	Stage      string
	Err        error
	Input      map[string]any
	Attempt    int // 1-based count of failures for this stage so far
	Health     *health.StageHealth
	Checkpoint *checkpoint.Checkpoint
}

// OutcomeKind tags what the engine decided.
type OutcomeKind string

const (
	// OutcomeFixedResult substitutes a result without re-running the stage.
	OutcomeFixedResult OutcomeKind = "fixed_result"
	// OutcomeRetry re-runs the stage, after Delay, with Input (which an
	// assisted fix may have rewritten).
	OutcomeRetry OutcomeKind = "retry"
	// OutcomeGiveUp marks the stage terminally failed.
	OutcomeGiveUp OutcomeKind = "give_up"
)

// Outcome is the engine's decision for one failure.
type Outcome struct {
	Kind     OutcomeKind
	Result   map[string]any
	Input    map[string]any
	Delay    time.Duration
	Strategy string // which recovery path produced the outcome
}

// KnownFix is a deterministic remediation for a recognized error signature.
type KnownFix struct {
	Name    string
	Matches func(err error) bool
	Apply   func(ctx context.Context, failure Failure) (*Outcome, error)
}

// FixProposer is the injected assisted-fix collaborator. It may rewrite the
// stage's inputs before a re-run. The engine degrades gracefully when nil.
type FixProposer interface {
	ProposeFix(ctx context.Context, err error, input map[string]any) (map[string]any, bool, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Machine     *statemachine.Machine
	FixProposer FixProposer
	Logger      slogger.Logger
	// Jitter disabled when nil; tests inject a deterministic source.
	Rand *rand.Rand
}

// Engine chooses remediation for stage failures and records every attempt
// in the state machine, whether or not the recovery succeeds.
type Engine struct {
	mutex         sync.Mutex
	machine       *statemachine.Machine
	fixes         []KnownFix
	defaults      map[string]map[string]any
	strategies    map[string]Strategy
	assistedTried map[string]bool
	proposer      FixProposer
	logger        slogger.Logger
	rand          *rand.Rand
}

// NewEngine creates a recovery engine bound to a state machine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Machine == nil {
		opts.Machine = statemachine.New()
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &Engine{
		machine:       opts.Machine,
		defaults:      make(map[string]map[string]any),
		strategies:    make(map[string]Strategy),
		assistedTried: make(map[string]bool),
		proposer:      opts.FixProposer,
		logger:        opts.Logger,
		rand:          opts.Rand,
	}
}

// RegisterFix appends a known-signature fix. Fixes are consulted in
// registration order.
func (e *Engine) RegisterFix(fix KnownFix) {
	e.mutex.Lock()
	e.fixes = append(e.fixes, fix)
	e.mutex.Unlock()
}

// RegisterDefaultResult registers a safe result substituted when the stage
// fails and no known fix matched.
func (e *Engine) RegisterDefaultResult(stage string, result map[string]any) {
	e.mutex.Lock()
	e.defaults[stage] = result
	e.mutex.Unlock()
}

// SetStrategy sets the retry configuration for a stage.
func (e *Engine) SetStrategy(stage string, strategy Strategy) {
	e.mutex.Lock()
	e.strategies[stage] = strategy
	e.mutex.Unlock()
}

// StrategyFor returns the stage's strategy, or the default.
func (e *Engine) StrategyFor(stage string) Strategy {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if strategy, ok := e.strategies[stage]; ok {
		return strategy
	}
	return DefaultStrategy()
}

// ResetStage clears per-stage recovery bookkeeping after a success.
func (e *Engine) ResetStage(stage string) {
	e.mutex.Lock()
	delete(e.assistedTried, stage)
	e.mutex.Unlock()
}

// RecordHang notes a watchdog hang finding in the state log. A running
// stage is never preempted, so the record is advisory; remediation runs
// when the stage call itself returns or crashes.
func (e *Engine) RecordHang(stage string, payload map[string]any) {
	context := map[string]any{
		statemachine.ContextKeyStage: stage,
		"event":                      "hung",
	}
	for k, v := range payload {
		context[k] = v
	}
	e.machine.Push(statemachine.StateStageFailed, context)
	e.logger.Error("stage hang recorded", "stage", stage, "payload", payload)
}

// Recover decides remediation for the failure. A GiveUp outcome is
// accompanied by a RecoveryExhaustedError and a rollback of the state log
// to the last completed stage.
func (e *Engine) Recover(ctx context.Context, failure Failure) (*Outcome, error) {
	strategy := e.StrategyFor(failure.Stage)

	outcome := e.decide(ctx, failure, strategy)

	if outcome.Kind != OutcomeGiveUp {
		e.recordAttempt(failure, outcome)
		return outcome, nil
	}

	// Restore the log to the last known-good point, then record the failed
	// attempt on top so the giving-up is itself part of history.
	e.machine.RollbackTo(func(entry statemachine.StateEntry) bool {
		return entry.State == statemachine.StateStageCompleted
	})
	e.recordAttempt(failure, outcome)
	return outcome, &artemis.RecoveryExhaustedError{
		Stage:    failure.Stage,
		Attempts: failure.Attempt,
		LastErr:  failure.Err,
	}
}

func (e *Engine) decide(ctx context.Context, failure Failure, strategy Strategy) *Outcome {
	// (a) known-signature deterministic fix
	if outcome := e.tryKnownFix(ctx, failure); outcome != nil {
		return outcome
	}

	// (b) registered safe default result
	e.mutex.Lock()
	defaultResult, hasDefault := e.defaults[failure.Stage]
	e.mutex.Unlock()
	if hasDefault {
		return &Outcome{
			Kind:     OutcomeFixedResult,
			Result:   defaultResult,
			Strategy: "default_result",
		}
	}

	// (c) retry with exponential backoff
	if failure.Attempt <= strategy.MaxRetries {
		return &Outcome{
			Kind:     OutcomeRetry,
			Input:    failure.Input,
			Delay:    e.withJitter(strategy.Backoff(failure.Attempt)),
			Strategy: "retry_backoff",
		}
	}

	// (d) assisted fix, once per stage between successes
	if outcome := e.tryAssistedFix(ctx, failure); outcome != nil {
		return outcome
	}

	// (e) give up
	return &Outcome{Kind: OutcomeGiveUp, Strategy: "give_up"}
}

func (e *Engine) tryKnownFix(ctx context.Context, failure Failure) *Outcome {
	e.mutex.Lock()
	fixes := make([]KnownFix, len(e.fixes))
	copy(fixes, e.fixes)
	e.mutex.Unlock()

	for _, fix := range fixes {
		if fix.Matches == nil || !fix.Matches(failure.Err) {
			continue
		}
		outcome, err := fix.Apply(ctx, failure)
		if err != nil {
			e.logger.Warn("known fix failed, trying next strategy",
				"stage", failure.Stage, "fix", fix.Name, "error", err)
			continue
		}
		if outcome != nil {
			outcome.Strategy = "known_fix:" + fix.Name
			return outcome
		}
	}
	return nil
}

func (e *Engine) tryAssistedFix(ctx context.Context, failure Failure) *Outcome {
	if e.proposer == nil {
		return nil
	}
	e.mutex.Lock()
	tried := e.assistedTried[failure.Stage]
	if !tried {
		e.assistedTried[failure.Stage] = true
	}
	e.mutex.Unlock()
	if tried {
		return nil
	}

	rewritten, ok, err := e.proposer.ProposeFix(ctx, failure.Err, failure.Input)
	if err != nil {
		e.logger.Warn("assisted fix collaborator failed",
			"stage", failure.Stage, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &Outcome{
		Kind:     OutcomeRetry,
		Input:    rewritten,
		Strategy: "assisted_fix",
	}
}

// withJitter adds up to 10% random jitter when a random source is present.
func (e *Engine) withJitter(delay time.Duration) time.Duration {
	if e.rand == nil {
		return delay
	}
	return delay + time.Duration(e.rand.Float64()*float64(delay)*0.1)
}

func (e *Engine) recordAttempt(failure Failure, outcome *Outcome) {
	context := map[string]any{
		statemachine.ContextKeyStage: failure.Stage,
		"attempt":                    failure.Attempt,
		"recovery_strategy":          outcome.Strategy,
		"outcome":                    string(outcome.Kind),
	}
	if failure.Err != nil {
		context["error"] = failure.Err.Error()
	}
	e.machine.Push(statemachine.StateStageFailed, context)
	e.logger.Info("recovery attempt recorded",
		"stage", failure.Stage,
		"attempt", failure.Attempt,
		"strategy", outcome.Strategy,
		"outcome", outcome.Kind)
}
