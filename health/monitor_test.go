package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	mutex  sync.Mutex
	events []Event
}

func (c *eventCollector) HandleHealthEvent(event Event) {
	c.mutex.Lock()
	c.events = append(c.events, event)
	c.mutex.Unlock()
}

func (c *eventCollector) byType(eventType EventType) []Event {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var matched []Event
	for _, e := range c.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

// fakeClock lets tests move the monitor's notion of now.
type fakeClock struct {
	mutex sync.Mutex
	t     time.Time
}

func (c *fakeClock) now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mutex.Lock()
	c.t = c.t.Add(d)
	c.mutex.Unlock()
}

func newTestMonitor(t *testing.T) (*Monitor, *eventCollector, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	monitor := NewMonitor(MonitorOptions{Now: clock.now})
	collector := &eventCollector{}
	monitor.AddObserver(collector)
	return monitor, collector, clock
}

func TestRecordStartAndCompletion(t *testing.T) {
	monitor, collector, _ := newTestMonitor(t)
	monitor.Register("build", time.Minute, nil)

	monitor.RecordStart("build")
	monitor.RecordCompletion("build", 3*time.Second)

	h, ok := monitor.Health("build")
	require.True(t, ok)
	require.Equal(t, 1, h.ExecutionCount)
	require.Equal(t, 0, h.FailureCount)
	require.Equal(t, 3*time.Second, h.TotalDuration)
	require.Equal(t, StateCompleted, h.State)

	require.Len(t, collector.byType(EventStarted), 1)
	require.Len(t, collector.byType(EventCompleted), 1)
}

func TestRecordCrash(t *testing.T) {
	monitor, collector, _ := newTestMonitor(t)
	monitor.Register("build", time.Minute, nil)

	monitor.RecordStart("build")
	monitor.RecordCrash("build", errors.New("segfault"))

	h, _ := monitor.Health("build")
	require.Equal(t, 1, h.FailureCount)
	require.Equal(t, StateFailed, h.State)

	crashed := collector.byType(EventCrashed)
	require.Len(t, crashed, 1)
	require.Equal(t, "segfault", crashed[0].Payload["error"])
}

func TestWatchdogHungDetection(t *testing.T) {
	monitor, collector, clock := newTestMonitor(t)
	timeout := 10 * time.Second
	monitor.Register("analyze", timeout, nil)
	monitor.RecordStart("analyze")

	// Past the full timeout: exactly one HUNG per check pass
	clock.advance(timeout + time.Second)
	monitor.Check()
	require.Len(t, collector.byType(EventHung), 1)
	require.Empty(t, collector.byType(EventStalled))

	monitor.Check()
	require.Len(t, collector.byType(EventHung), 2)
}

func TestWatchdogStalledDetection(t *testing.T) {
	monitor, collector, clock := newTestMonitor(t)
	timeout := 10 * time.Second
	monitor.Register("analyze", timeout, nil)
	monitor.RecordStart("analyze")

	// Past half the timeout but not the full timeout
	clock.advance(timeout/2 + time.Second)
	monitor.Check()
	require.Len(t, collector.byType(EventStalled), 1)
	require.Empty(t, collector.byType(EventHung))
}

func TestWatchdogIgnoresHealthyAndIdleStages(t *testing.T) {
	monitor, collector, clock := newTestMonitor(t)
	monitor.Register("fresh", 10*time.Second, nil)
	monitor.RecordStart("fresh")

	// Not yet started stages are never flagged
	monitor.Register("pending", 10*time.Second, nil)

	clock.advance(2 * time.Second)
	monitor.Check()
	require.Empty(t, collector.byType(EventHung))
	require.Empty(t, collector.byType(EventStalled))
}

func TestHeartbeatResetsHangClock(t *testing.T) {
	monitor, collector, clock := newTestMonitor(t)
	timeout := 10 * time.Second
	monitor.Register("analyze", timeout, nil)
	monitor.RecordStart("analyze")

	clock.advance(8 * time.Second)
	monitor.Heartbeat("analyze", map[string]any{"pct": 50})
	clock.advance(4 * time.Second)

	// 12s since start but only 4s since the heartbeat
	monitor.Check()
	require.Empty(t, collector.byType(EventHung))
	require.Empty(t, collector.byType(EventStalled))
	require.Len(t, collector.byType(EventProgress), 1)
}

func TestUnregisterStopsSupervision(t *testing.T) {
	monitor, collector, clock := newTestMonitor(t)
	monitor.Register("analyze", time.Second, nil)
	monitor.RecordStart("analyze")
	monitor.Unregister("analyze")

	clock.advance(time.Hour)
	monitor.Check()
	require.Empty(t, collector.byType(EventHung))

	_, ok := monitor.Health("analyze")
	require.False(t, ok)
}

func TestObserverPanicIsIsolated(t *testing.T) {
	monitor, _, _ := newTestMonitor(t)
	monitor.AddObserver(ObserverFunc(func(Event) { panic("bad observer") }))
	collector := &eventCollector{}
	monitor.AddObserver(collector)

	monitor.Register("build", time.Minute, nil)
	monitor.RecordStart("build")

	// The panicking observer must not block delivery to later observers
	require.Len(t, collector.byType(EventStarted), 1)
}

func TestStartStop(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	monitor := NewMonitor(MonitorOptions{CheckInterval: time.Millisecond, Now: clock.now})
	collector := &eventCollector{}
	monitor.AddObserver(collector)

	monitor.Register("build", 10*time.Millisecond, nil)
	monitor.RecordStart("build")
	clock.advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)

	require.Eventually(t, func() bool {
		return len(collector.byType(EventHung)) > 0
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
}
