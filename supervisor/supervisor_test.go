package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	artemis "github.com/redmage123/artemis-sub002"
	"github.com/redmage123/artemis-sub002/breaker"
	"github.com/redmage123/artemis-sub002/checkpoint"
	"github.com/redmage123/artemis-sub002/execution"
	"github.com/redmage123/artemis-sub002/health"
	"github.com/redmage123/artemis-sub002/recovery"
	"github.com/redmage123/artemis-sub002/slogger"
	"github.com/redmage123/artemis-sub002/statemachine"
)

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slogger.NewDevNullLogger()
	}
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func succeedingStage(name string, output map[string]any) artemis.Stage {
	return artemis.NewStage(name, func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		return &artemis.StageResult{Output: output, Status: artemis.StageStatusComplete}, nil
	})
}

func failingStage(name string, err error) artemis.Stage {
	return artemis.NewStage(name, func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		return nil, err
	})
}

func TestRunSequentialPipeline(t *testing.T) {
	s := newTestSupervisor(t, Options{})

	result, err := s.Run(context.Background(), []artemis.Stage{
		succeedingStage("extract", map[string]any{"rows": 10}),
		succeedingStage("load", map[string]any{"loaded": true}),
	}, map[string]any{"source": "db"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, map[string]any{"rows": 10}, result.Results["extract"])

	log := s.StateLog()
	require.NotEmpty(t, log)
	assert.Equal(t, statemachine.StateRunning, log[0].State)
	assert.Equal(t, statemachine.StateCompleted, log[len(log)-1].State)
}

func TestStageFailsTwiceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	flaky := artemis.NewStage("b", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return &artemis.StageResult{Output: map[string]any{"ok": true}}, nil
	})

	s := newTestSupervisor(t, Options{})
	s.SetRecoveryStrategy("b", recovery.Strategy{
		MaxRetries:        2,
		RetryDelay:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	start := time.Now()
	result, err := s.Run(context.Background(), []artemis.Stage{
		succeedingStage("a", nil),
		flaky,
		succeedingStage("c", nil),
	}, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, result.Results["b"]["retry_count"])
	// First retry waits the base delay, the second waits double it.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Len(t, result.Results, 3)
}

func TestRecoveryExhaustedSurfacesToCaller(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	s.SetRecoveryStrategy("doomed", recovery.Strategy{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})

	result, err := s.Run(context.Background(), []artemis.Stage{
		failingStage("doomed", errors.New("always broken")),
	}, nil)
	require.Error(t, err)
	assert.True(t, artemis.IsRecoveryExhausted(err))
	assert.False(t, result.Success)

	state, ok := s.machine.StageState("doomed")
	require.True(t, ok)
	assert.Equal(t, statemachine.StateStageFailed, state)
}

func TestCircuitOpensDuringRetries(t *testing.T) {
	config := breaker.Config{FailureThreshold: 2, Cooldown: time.Minute}
	s := newTestSupervisor(t, Options{BreakerConfig: &config})
	s.SetRecoveryStrategy("flaky", recovery.Strategy{
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	})

	var calls atomic.Int32
	stage := artemis.NewStage("flaky", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})

	result, err := s.Run(context.Background(), []artemis.Stage{stage}, nil)
	require.Error(t, err)
	assert.True(t, artemis.IsCircuitOpen(err))
	assert.False(t, result.Success)
	// Two executions trip the breaker; the third attempt is rejected
	// before the stage is invoked.
	assert.Equal(t, int32(2), calls.Load())
}

func TestPanickingStageIsCaught(t *testing.T) {
	panicky := artemis.NewStage("unstable", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		panic("boom")
	})

	s := newTestSupervisor(t, Options{})
	s.SetRecoveryStrategy("unstable", recovery.Strategy{MaxRetries: 0})
	s.RegisterDefaultResult("unstable", map[string]any{"fallback": true})

	result, err := s.Run(context.Background(), []artemis.Stage{panicky}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"fallback": true}, result.Results["unstable"])
}

func TestFailStatusIsTreatedAsFailure(t *testing.T) {
	reported := artemis.NewStage("validator", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		return &artemis.StageResult{Status: artemis.StageStatusFail}, nil
	})

	s := newTestSupervisor(t, Options{})
	s.SetRecoveryStrategy("validator", recovery.Strategy{MaxRetries: 0})

	_, err := s.Run(context.Background(), []artemis.Stage{reported}, nil)
	require.Error(t, err)
	assert.True(t, artemis.IsRecoveryExhausted(err))
}

func TestKnownFixShortCircuitsRetries(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	s.RegisterKnownFix(recovery.KnownFix{
		Name:    "stub_missing_dataset",
		Matches: func(err error) bool { return errors.Is(err, errMissingDataset) },
		Apply: func(ctx context.Context, failure recovery.Failure) (*recovery.Outcome, error) {
			return &recovery.Outcome{
				Kind:   recovery.OutcomeFixedResult,
				Result: map[string]any{"dataset": "empty"},
			}, nil
		},
	})

	var calls atomic.Int32
	stage := artemis.NewStage("fetch", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		calls.Add(1)
		return nil, errMissingDataset
	})

	result, err := s.Run(context.Background(), []artemis.Stage{stage}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "empty", result.Results["fetch"]["dataset"])
}

var errMissingDataset = errors.New("dataset not found")

func TestGetStageResults(t *testing.T) {
	s := newTestSupervisor(t, Options{})

	_, err := s.Run(context.Background(), []artemis.Stage{
		succeedingStage("a", map[string]any{"v": 1}),
		succeedingStage("b", map[string]any{"v": 2}),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"v": 1}, s.GetStageResult("a"))
	assert.Nil(t, s.GetStageResult("missing"))

	all := s.GetAllStageResults()
	require.Len(t, all, 2)
	assert.Equal(t, map[string]any{"v": 2}, all["b"])
}

func TestHealthObserverSeesLifecycleEvents(t *testing.T) {
	s := newTestSupervisor(t, Options{})

	var mu sync.Mutex
	var types []health.EventType
	s.RegisterHealthObserver(health.ObserverFunc(func(event health.Event) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	}))

	_, err := s.Run(context.Background(), []artemis.Stage{succeedingStage("a", nil)}, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, health.EventStarted)
	assert.Contains(t, types, health.EventCompleted)
}

func TestCrashEventReachesObservers(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	s.SetRecoveryStrategy("bad", recovery.Strategy{MaxRetries: 0})

	var crashed atomic.Bool
	s.RegisterHealthObserver(health.ObserverFunc(func(event health.Event) {
		if event.Type == health.EventCrashed && event.Stage == "bad" {
			crashed.Store(true)
		}
	}))

	_, err := s.Run(context.Background(), []artemis.Stage{
		failingStage("bad", errors.New("crashed")),
	}, nil)
	require.Error(t, err)
	assert.True(t, crashed.Load())
}

func TestHungStageIsRecordedInStateLog(t *testing.T) {
	current := time.Now()
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}

	machine := statemachine.New()
	monitor := health.NewMonitor(health.MonitorOptions{
		Logger: slogger.NewDevNullLogger(),
		Now:    now,
	})
	// The supervisor's built-in observer is what turns a hang finding into
	// a state log entry.
	newTestSupervisor(t, Options{Machine: machine, Monitor: monitor})

	monitor.Register("slow", 10*time.Second, nil)
	monitor.RecordStart("slow")

	clockMu.Lock()
	current = current.Add(11 * time.Second)
	clockMu.Unlock()
	monitor.Check()

	var hung bool
	for _, entry := range machine.Snapshot() {
		if entry.State == statemachine.StateStageFailed && entry.Context["event"] == "hung" {
			hung = true
		}
	}
	assert.True(t, hung)
}

func TestParallelGroupFailureStopsLaterGroups(t *testing.T) {
	bStarted := make(chan struct{})
	a := artemis.NewStage("a", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		// Fail only after b is in flight so b counts as a running sibling.
		<-bStarted
		return nil, errors.New("unrecoverable")
	})
	b := artemis.NewStage("b", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		close(bStarted)
		return &artemis.StageResult{Output: map[string]any{"b": "done"}}, nil
	})
	var cRan atomic.Bool
	c := artemis.NewStage("c", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
		cRan.Store(true)
		return &artemis.StageResult{}, nil
	})

	s := newTestSupervisor(t, Options{
		Strategy: execution.NewParallel([][]string{{"a", "b"}, {"c"}}, 0),
	})
	s.SetRecoveryStrategy("a", recovery.Strategy{MaxRetries: 0})

	result, err := s.Run(context.Background(), []artemis.Stage{a, b, c}, nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.False(t, cRan.Load())
	assert.Contains(t, result.Results, "a")
	assert.Contains(t, result.Results, "b")
	assert.NotContains(t, result.Results, "c")
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	store := checkpoint.NewFileStore(t.TempDir())
	var aCalls, bCalls atomic.Int32
	stages := []artemis.Stage{
		artemis.NewStage("a", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
			aCalls.Add(1)
			return &artemis.StageResult{Output: map[string]any{"a": 1}}, nil
		}),
		artemis.NewStage("b", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
			bCalls.Add(1)
			return &artemis.StageResult{Output: map[string]any{"b": 2}}, nil
		}),
	}

	s := newTestSupervisor(t, Options{
		Strategy: execution.NewCheckpointed(store, "nightly", 0),
	})

	first, err := s.Run(context.Background(), stages, nil)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := s.Resume(context.Background(), first.RunID, stages, nil)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, int32(1), aCalls.Load())
	assert.Equal(t, int32(1), bCalls.Load())
	assert.Len(t, second.Results, 2)
}

func TestResumeRequiresRunID(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	_, err := s.Resume(context.Background(), "", nil, nil)
	require.Error(t, err)
}

func TestFastStrategySkipsStages(t *testing.T) {
	var validated atomic.Bool
	s := newTestSupervisor(t, Options{
		Strategy: execution.NewFast([]string{"validate"}),
	})

	result, err := s.Run(context.Background(), []artemis.Stage{
		succeedingStage("build", map[string]any{"built": true}),
		artemis.NewStage("validate", func(ctx context.Context, input map[string]any) (*artemis.StageResult, error) {
			validated.Store(true)
			return &artemis.StageResult{}, nil
		}),
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, validated.Load())
	assert.NotContains(t, result.Results, "validate")
}
