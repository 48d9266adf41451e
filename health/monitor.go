package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redmage123/artemis-sub002/slogger"
)

// DefaultCheckInterval is the default watchdog period.
const DefaultCheckInterval = 5 * time.Second

type stageRecord struct {
	mutex    sync.Mutex
	health   StageHealth
	timeout  time.Duration
	metadata map[string]any
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	CheckInterval time.Duration
	Logger        slogger.Logger
	Now           func() time.Time
}

// Monitor tracks stage liveness and runs the background watchdog loop.
type Monitor struct {
	mutex     sync.RWMutex
	stages    map[string]*stageRecord
	observers []Observer
	interval  time.Duration
	logger    slogger.Logger
	now       func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a Monitor. The watchdog loop does not run until Start
// is called.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		stages:   make(map[string]*stageRecord),
		interval: opts.CheckInterval,
		logger:   opts.Logger,
		now:      opts.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// AddObserver registers an observer for health events.
func (m *Monitor) AddObserver(observer Observer) {
	if observer == nil {
		return
	}
	m.mutex.Lock()
	m.observers = append(m.observers, observer)
	m.mutex.Unlock()
}

// Register adds a stage to watchdog supervision with the given hang timeout.
func (m *Monitor) Register(stage string, timeout time.Duration, metadata map[string]any) {
	record := &stageRecord{
		timeout:  timeout,
		metadata: metadata,
		health: StageHealth{
			State:        StatePending,
			LastActivity: m.now(),
		},
	}
	m.mutex.Lock()
	m.stages[stage] = record
	m.mutex.Unlock()
}

// Unregister removes a stage from watchdog supervision. Its health record
// is dropped; terminal bookkeeping lives in the state machine, not here.
func (m *Monitor) Unregister(stage string) {
	m.mutex.Lock()
	delete(m.stages, stage)
	m.mutex.Unlock()
}

// Heartbeat records stage activity, resetting the hang clock.
func (m *Monitor) Heartbeat(stage string, progress map[string]any) {
	record, ok := m.record(stage)
	if !ok {
		return
	}
	record.mutex.Lock()
	record.health.LastActivity = m.now()
	record.mutex.Unlock()

	m.emit(Event{Type: EventProgress, Stage: stage, Timestamp: m.now(), Payload: progress})
}

// RecordStart marks the stage running and bumps its execution count.
func (m *Monitor) RecordStart(stage string) {
	record, ok := m.record(stage)
	if !ok {
		return
	}
	record.mutex.Lock()
	record.health.ExecutionCount++
	record.health.State = StateRunning
	record.health.LastActivity = m.now()
	count := record.health.ExecutionCount
	record.mutex.Unlock()

	m.emit(Event{
		Type:      EventStarted,
		Stage:     stage,
		Timestamp: m.now(),
		Payload:   map[string]any{"execution_count": count},
	})
}

// RecordCompletion marks the stage completed, accumulating its duration.
func (m *Monitor) RecordCompletion(stage string, duration time.Duration) {
	record, ok := m.record(stage)
	if !ok {
		return
	}
	record.mutex.Lock()
	record.health.TotalDuration += duration
	record.health.State = StateCompleted
	record.health.LastActivity = m.now()
	record.mutex.Unlock()

	m.emit(Event{
		Type:      EventCompleted,
		Stage:     stage,
		Timestamp: m.now(),
		Payload:   map[string]any{"duration": duration.String()},
	})
}

// RecordCrash marks the stage failed. This is the push half of detection:
// crashes are reported by the foreground executor, not discovered by the
// watchdog loop.
func (m *Monitor) RecordCrash(stage string, err error) {
	record, ok := m.record(stage)
	if !ok {
		return
	}
	record.mutex.Lock()
	record.health.FailureCount++
	record.health.State = StateFailed
	record.health.LastActivity = m.now()
	record.mutex.Unlock()

	payload := map[string]any{}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.emit(Event{Type: EventCrashed, Stage: stage, Timestamp: m.now(), Payload: payload})
}

// Health returns a copy of the stage's health record.
func (m *Monitor) Health(stage string) (StageHealth, bool) {
	record, ok := m.record(stage)
	if !ok {
		return StageHealth{}, false
	}
	record.mutex.Lock()
	defer record.mutex.Unlock()
	return record.health, true
}

// Start runs the watchdog loop until the context is canceled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop terminates the watchdog loop and waits for it to exit. Stopping a
// monitor whose loop never started is a no-op.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.doneCh
	}
}

// Check performs one watchdog pass over every registered stage: elapsed
// time beyond the stage's timeout emits HUNG, beyond half the timeout
// emits STALLED. One event per condition per pass.
func (m *Monitor) Check() {
	now := m.now()

	m.mutex.RLock()
	names := make([]string, 0, len(m.stages))
	for name := range m.stages {
		names = append(names, name)
	}
	m.mutex.RUnlock()

	for _, name := range names {
		record, ok := m.record(name)
		if !ok {
			continue
		}
		record.mutex.Lock()
		running := record.health.State == StateRunning
		elapsed := now.Sub(record.health.LastActivity)
		timeout := record.timeout
		record.mutex.Unlock()

		if !running || timeout <= 0 {
			continue
		}

		switch {
		case elapsed > timeout:
			m.logger.Warn("stage appears hung", "stage", name, "elapsed", elapsed, "timeout", timeout)
			m.emit(Event{
				Type:      EventHung,
				Stage:     name,
				Timestamp: now,
				Payload:   map[string]any{"elapsed": elapsed.String(), "timeout": timeout.String()},
			})
		case elapsed > timeout/2:
			m.logger.Warn("stage is stalling", "stage", name, "elapsed", elapsed, "timeout", timeout)
			m.emit(Event{
				Type:      EventStalled,
				Stage:     name,
				Timestamp: now,
				Payload:   map[string]any{"elapsed": elapsed.String(), "timeout": timeout.String()},
			})
		}
	}
}

func (m *Monitor) record(stage string) (*stageRecord, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	record, ok := m.stages[stage]
	return record, ok
}

func (m *Monitor) emit(event Event) {
	m.mutex.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mutex.RUnlock()

	for _, observer := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("health observer panicked",
						"stage", event.Stage, "event", event.Type, "panic", r)
				}
			}()
			observer.HandleHealthEvent(event)
		}()
	}
}
