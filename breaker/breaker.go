// Package breaker provides the per-stage circuit breaker gate. Each stage
// owns one breaker: CLOSED passes calls through, a run of consecutive
// failures opens it, and after a cooldown a single probe call is admitted
// half-open. One success while closed resets the consecutive failure count
// to zero; there is no sliding window.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/slogger"
)

// State mirrors the breaker state for one stage.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateUnknown  State = "unknown"
)

// Config holds per-stage breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before admitting a
	// half-open probe.
	Cooldown time.Duration
}

// DefaultConfig returns the settings used for stages without an override.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// StateChangeListener is notified when a stage's breaker changes state.
type StateChangeListener interface {
	OnCircuitStateChange(stage string, from, to State)
}

// Manager owns one circuit breaker per stage. All breakers are per-instance
// state; independent pipelines in one process never share a Manager unless
// they choose to.
type Manager struct {
	mutex     sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	defaults  Config
	logger    slogger.Logger
}

// NewManager creates a Manager using defaults for stages without a
// per-stage config.
func NewManager(defaults Config, logger slogger.Logger) *Manager {
	if defaults.FailureThreshold == 0 {
		defaults = DefaultConfig()
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		defaults: defaults,
		logger:   logger,
	}
}

// Configure sets a per-stage config. It applies when the stage's breaker is
// (re)created, so call it before the first execution.
func (m *Manager) Configure(stage string, config Config) {
	m.mutex.Lock()
	m.configs[stage] = config
	m.mutex.Unlock()
}

// RegisterStateChangeListener adds a listener for breaker transitions.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}
	m.mutex.Lock()
	m.listeners = append(m.listeners, listener)
	m.mutex.Unlock()
}

func (m *Manager) settings(stage string, config Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        stage,
		MaxRequests: 1, // exactly one half-open probe
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.handleStateChange(name, from, to)
		},
	}
}

func (m *Manager) getOrCreate(stage string) *gobreaker.CircuitBreaker {
	m.mutex.RLock()
	cb, ok := m.breakers[stage]
	m.mutex.RUnlock()
	if ok {
		return cb
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if cb, ok = m.breakers[stage]; ok {
		return cb
	}
	config, ok := m.configs[stage]
	if !ok {
		config = m.defaults
	}
	cb = gobreaker.NewCircuitBreaker(m.settings(stage, config))
	m.breakers[stage] = cb
	return cb
}

// CheckCircuit reports whether a call to the stage would currently be
// admitted. Open breakers reject; closed and half-open admit.
func (m *Manager) CheckCircuit(stage string) bool {
	return m.getOrCreate(stage).State() != gobreaker.StateOpen
}

// Execute runs fn through the stage's breaker. When the breaker is open
// (or a second probe races into half-open) the call is rejected without
// invoking fn and a CircuitOpenError is returned.
func (m *Manager) Execute(stage string, fn func() error) error {
	_, err := m.getOrCreate(stage).Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		m.logger.Warn("circuit breaker rejected call", "stage", stage)
		return &artemis.CircuitOpenError{Stage: stage}
	}
	return err
}

// RecordSuccess records a successful stage call. While the breaker is open
// the record is rejected, so a success cannot close it before the cooldown.
func (m *Manager) RecordSuccess(stage string) {
	m.Execute(stage, func() error { return nil }) //nolint:errcheck
}

// RecordFailure records a failed stage call.
func (m *Manager) RecordFailure(stage string, err error) {
	m.Execute(stage, func() error { return err }) //nolint:errcheck
}

// State returns the breaker state for a stage.
func (m *Manager) State(stage string) State {
	m.mutex.RLock()
	cb, ok := m.breakers[stage]
	m.mutex.RUnlock()
	if !ok {
		return StateUnknown
	}
	return fromGobreakerState(cb.State())
}

// Counts returns the stage breaker's current counters.
func (m *Manager) Counts(stage string) gobreaker.Counts {
	m.mutex.RLock()
	cb, ok := m.breakers[stage]
	m.mutex.RUnlock()
	if !ok {
		return gobreaker.Counts{}
	}
	return cb.Counts()
}

// Reset recreates the stage's breaker in the closed state with its original
// configuration. Manual operator override.
func (m *Manager) Reset(stage string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.breakers[stage]; !ok {
		return
	}
	config, ok := m.configs[stage]
	if !ok {
		config = m.defaults
	}
	m.breakers[stage] = gobreaker.NewCircuitBreaker(m.settings(stage, config))
	m.logger.Info("circuit breaker reset", "stage", stage)
}

// ResetAll resets every known breaker.
func (m *Manager) ResetAll() {
	m.mutex.RLock()
	stages := make([]string, 0, len(m.breakers))
	for stage := range m.breakers {
		stages = append(stages, stage)
	}
	m.mutex.RUnlock()
	for _, stage := range stages {
		m.Reset(stage)
	}
}

func (m *Manager) handleStateChange(stage string, from, to gobreaker.State) {
	fromState := fromGobreakerState(from)
	toState := fromGobreakerState(to)
	m.logger.Warn("circuit breaker state changed",
		"stage", stage, "from", fromState, "to", toState)

	m.mutex.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mutex.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("breaker listener panicked", "stage", stage, "panic", r)
				}
			}()
			listener.OnCircuitStateChange(stage, fromState, toState)
		}()
	}
}

func fromGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
