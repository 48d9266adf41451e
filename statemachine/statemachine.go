// Package statemachine provides the append-only pipeline state log. The log
// behaves as a pushdown automaton: entries are only ever appended, except
// for an explicit rollback that truncates to a named prior entry. A separate
// latest-state map serves hot-path stage state lookups so the log itself is
// reserved for audit and rollback.
package statemachine

import (
	"sync"
	"time"
)

// PipelineState describes one transition in a pipeline run.
type PipelineState string

const (
	StateRunning        PipelineState = "running"
	StateStageRunning   PipelineState = "stage_running"
	StateStageCompleted PipelineState = "stage_completed"
	StateStageFailed    PipelineState = "stage_failed"
	StateCompleted      PipelineState = "completed"
	StateAborted        PipelineState = "aborted"
)

// Context keys recognized by LatestResult.
const (
	ContextKeyStage  = "stage"
	ContextKeyResult = "result"
)

// StateEntry is one record in the state log. Entries are immutable once
// appended; Push copies the supplied context map.
type StateEntry struct {
	State     PipelineState  `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context"`
}

// Machine is the pushdown automaton tracking pipeline progress. All methods
// are safe for concurrent use by the foreground executor and the watchdog.
type Machine struct {
	mutex       sync.RWMutex
	stack       []StateEntry
	stageStates map[string]PipelineState
	now         func() time.Time
}

// New creates an empty state machine.
func New() *Machine {
	return &Machine{
		stageStates: make(map[string]PipelineState),
		now:         time.Now,
	}
}

// Push appends a new entry to the log. The context map is copied so later
// caller mutations do not alter history.
func (m *Machine) Push(state PipelineState, context map[string]any) {
	entry := StateEntry{
		State:     state,
		Timestamp: m.now(),
		Context:   copyContext(context),
	}
	m.mutex.Lock()
	m.stack = append(m.stack, entry)
	m.mutex.Unlock()
}

// Snapshot returns a copy of the log in push order. Entry contexts are
// copied, so callers cannot mutate recorded history.
func (m *Machine) Snapshot() []StateEntry {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snapshot := make([]StateEntry, len(m.stack))
	for i, entry := range m.stack {
		snapshot[i] = StateEntry{
			State:     entry.State,
			Timestamp: entry.Timestamp,
			Context:   copyContext(entry.Context),
		}
	}
	return snapshot
}

// Len returns the number of entries in the log.
func (m *Machine) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.stack)
}

// RollbackTo truncates the log so its last entry is the most recent one
// matching pred. It returns false, leaving the log untouched, when no entry
// matches. This is the only operation that removes entries.
func (m *Machine) RollbackTo(pred func(StateEntry) bool) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := len(m.stack) - 1; i >= 0; i-- {
		if pred(m.stack[i]) {
			m.stack = m.stack[:i+1]
			return true
		}
	}
	return false
}

// UpdateStageState records the latest state for a stage in the O(1) lookup
// map. The append-only log is unaffected.
func (m *Machine) UpdateStageState(stage string, state PipelineState) {
	m.mutex.Lock()
	m.stageStates[stage] = state
	m.mutex.Unlock()
}

// StageState returns the latest recorded state for a stage.
func (m *Machine) StageState(stage string) (PipelineState, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	state, ok := m.stageStates[stage]
	return state, ok
}

// StageStates returns a copy of the latest-state map.
func (m *Machine) StageStates() map[string]PipelineState {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	states := make(map[string]PipelineState, len(m.stageStates))
	for k, v := range m.stageStates {
		states[k] = v
	}
	return states
}

// LatestResult scans the log from the end and returns the result from the
// first entry whose context names the given stage and carries a result.
// First match wins: retries append new entries rather than overwriting, so
// the scan naturally finds the most recent result.
func (m *Machine) LatestResult(stage string) (any, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for i := len(m.stack) - 1; i >= 0; i-- {
		entry := m.stack[i]
		if entry.Context[ContextKeyStage] != stage {
			continue
		}
		if result, ok := entry.Context[ContextKeyResult]; ok {
			return copyValue(result), true
		}
	}
	return nil, false
}

// copyContext deep-copies the map and slice shapes that flow through the
// log, so recorded history stays independent of values callers keep
// mutating after the push.
func copyContext(context map[string]any) map[string]any {
	copied := make(map[string]any, len(context))
	for k, v := range context {
		copied[k] = copyValue(v)
	}
	return copied
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyContext(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = copyValue(item)
		}
		return items
	default:
		return v
	}
}
