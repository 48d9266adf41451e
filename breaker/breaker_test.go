package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	artemis "github.com/redmage123/artemis-sub002"
)

var errStage = errors.New("stage blew up")

func newTestManager(threshold uint32, cooldown time.Duration) *Manager {
	return NewManager(Config{FailureThreshold: threshold, Cooldown: cooldown}, nil)
}

func TestOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	m := newTestManager(3, time.Minute)

	for i := 0; i < 2; i++ {
		m.RecordFailure("build", errStage)
		require.True(t, m.CheckCircuit("build"), "breaker must stay closed below threshold")
	}

	m.RecordFailure("build", errStage)
	require.False(t, m.CheckCircuit("build"))
	require.Equal(t, StateOpen, m.State("build"))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m := newTestManager(3, time.Minute)

	m.RecordFailure("build", errStage)
	m.RecordFailure("build", errStage)
	m.RecordSuccess("build")
	m.RecordFailure("build", errStage)
	m.RecordFailure("build", errStage)

	// Four failures total but never three in a row
	require.True(t, m.CheckCircuit("build"))
	require.Equal(t, StateClosed, m.State("build"))
}

func TestOpenRejectsWithoutInvoking(t *testing.T) {
	m := newTestManager(1, time.Minute)
	m.RecordFailure("build", errStage)

	invoked := false
	err := m.Execute("build", func() error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	require.True(t, artemis.IsCircuitOpen(err))
	require.False(t, invoked)
}

func TestSuccessWhileOpenDoesNotClose(t *testing.T) {
	m := newTestManager(1, time.Minute)
	m.RecordFailure("build", errStage)

	m.RecordSuccess("build")
	require.Equal(t, StateOpen, m.State("build"))
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	m := newTestManager(1, 50*time.Millisecond)
	m.RecordFailure("build", errStage)
	require.Equal(t, StateOpen, m.State("build"))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, m.State("build"))

	require.NoError(t, m.Execute("build", func() error { return nil }))
	require.Equal(t, StateClosed, m.State("build"))
	require.Zero(t, m.Counts("build").ConsecutiveFailures)
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	m := newTestManager(1, 50*time.Millisecond)
	m.RecordFailure("build", errStage)

	time.Sleep(60 * time.Millisecond)
	m.RecordFailure("build", errStage)
	require.Equal(t, StateOpen, m.State("build"))
}

func TestPerStageIsolation(t *testing.T) {
	m := newTestManager(1, time.Minute)
	m.RecordFailure("build", errStage)

	require.False(t, m.CheckCircuit("build"))
	require.True(t, m.CheckCircuit("deploy"))
}

func TestConfigureOverride(t *testing.T) {
	m := newTestManager(5, time.Minute)
	m.Configure("fragile", Config{FailureThreshold: 1, Cooldown: time.Minute})

	m.RecordFailure("fragile", errStage)
	require.False(t, m.CheckCircuit("fragile"))
}

func TestResetAll(t *testing.T) {
	m := newTestManager(1, time.Hour)
	m.RecordFailure("a", errStage)
	m.RecordFailure("b", errStage)
	require.False(t, m.CheckCircuit("a"))
	require.False(t, m.CheckCircuit("b"))

	m.ResetAll()
	require.True(t, m.CheckCircuit("a"))
	require.True(t, m.CheckCircuit("b"))
	require.Equal(t, StateClosed, m.State("a"))
}

func TestStateUnknownForUntrackedStage(t *testing.T) {
	m := newTestManager(1, time.Minute)
	require.Equal(t, StateUnknown, m.State("never-seen"))
}

type listenerRecorder struct {
	mutex       sync.Mutex
	transitions []string
}

func (l *listenerRecorder) OnCircuitStateChange(stage string, from, to State) {
	l.mutex.Lock()
	l.transitions = append(l.transitions, stage+":"+string(from)+"->"+string(to))
	l.mutex.Unlock()
}

func TestStateChangeListener(t *testing.T) {
	m := newTestManager(1, time.Minute)
	recorder := &listenerRecorder{}
	m.RegisterStateChangeListener(recorder)

	m.RecordFailure("build", errStage)

	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	require.Contains(t, recorder.transitions, "build:closed->open")
}
