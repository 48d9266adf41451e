package artemis

import (
	"errors"
	"fmt"
)

// StageExecutionError wraps an error raised by a stage call. It is handled
// internally by the recovery engine and is never surfaced raw from Run.
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %q execution failed: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// CircuitOpenError indicates a stage call was rejected before invocation
// because the stage's circuit breaker is open. Terminal for the run.
type CircuitOpenError struct {
	Stage string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("stage %q rejected: circuit breaker is open", e.Stage)
}

// CheckpointCorruptionError indicates a checkpoint could not be loaded or
// does not match the requested stage sequence. The caller should start a
// fresh run rather than guess a resume point.
type CheckpointCorruptionError struct {
	RunID  string
	Reason string
}

func (e *CheckpointCorruptionError) Error() string {
	return fmt.Sprintf("checkpoint for run %q is unusable: %s", e.RunID, e.Reason)
}

// RecoveryExhaustedError indicates every recovery strategy was tried for a
// stage and it is still failing. Terminal for the run.
type RecoveryExhaustedError struct {
	Stage    string
	Attempts int
	LastErr  error
}

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("recovery exhausted for stage %q after %d attempts: %v",
		e.Stage, e.Attempts, e.LastErr)
}

func (e *RecoveryExhaustedError) Unwrap() error { return e.LastErr }

// IsCircuitOpen reports whether err is or wraps a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}

// IsRecoveryExhausted reports whether err is or wraps a RecoveryExhaustedError.
func IsRecoveryExhausted(err error) bool {
	var target *RecoveryExhaustedError
	return errors.As(err, &target)
}

// IsCheckpointCorruption reports whether err is or wraps a CheckpointCorruptionError.
func IsCheckpointCorruption(err error) bool {
	var target *CheckpointCorruptionError
	return errors.As(err, &target)
}
