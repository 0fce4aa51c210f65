package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjenkins/billsync/internal/pool"
)

// scriptedRunner returns applied counts (or errors) per iteration, the same for every target.
type scriptedRunner struct {
	mu       sync.Mutex
	script   []any
	calls    map[Target]int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newScriptedRunner(script ...any) *scriptedRunner {
	return &scriptedRunner{script: script, calls: make(map[Target]int)}
}

func (r *scriptedRunner) Run(ctx context.Context, target Target, onState func(State)) (*PassSummary, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	i := r.calls[target]
	r.calls[target]++
	r.mu.Unlock()

	onState(StateFetching)
	onState(StateApplying)

	step := r.script[min(i, len(r.script)-1)]
	switch v := step.(type) {
	case error:
		return &PassSummary{Target: target}, v
	case int:
		return &PassSummary{Target: target, Applied: v, Completed: true}, nil
	default:
		panic(fmt.Sprintf("bad script step %v", step))
	}
}

func recordSleeps(sleeps *[]time.Duration) SchedulerOption {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	})
}

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxIterations:   10,
		MaxNoProgress:   2,
		BackoffSchedule: []time.Duration{30 * time.Second, 2 * time.Minute},
		Workers:         4,
	}
}

func TestScheduler_ConvergesAfterNoProgress(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner(5, 3, 0)
	var sleeps []time.Duration
	s := NewScheduler(runner, []Target{targetCA}, testSchedulerConfig(), recordSleeps(&sleeps))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitConverged, report.Reason)
	assert.Equal(t, 4, report.Iterations)
	assert.Equal(t, 8, report.Applied)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeps)
}

func TestScheduler_BackoffEscalates(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner(0)
	var sleeps []time.Duration
	cfg := testSchedulerConfig()
	cfg.MaxNoProgress = 4
	s := NewScheduler(runner, []Target{targetCA}, cfg, recordSleeps(&sleeps))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitConverged, report.Reason)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute, 2 * time.Minute}, sleeps)
}

func TestScheduler_MaxIterations(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner(1)
	cfg := testSchedulerConfig()
	cfg.MaxIterations = 3
	var sleeps []time.Duration
	s := NewScheduler(runner, []Target{targetCA}, cfg, recordSleeps(&sleeps))

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitMaxIterations, report.Reason)
	assert.Equal(t, 3, report.Iterations)
	assert.Empty(t, sleeps)
}

func TestScheduler_PoolFailureBacksOff(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner(2, fmt.Errorf("apply: %w", pool.ErrPoolExhausted), 1, 0, 0)
	var (
		sleeps []time.Duration
		states []State
	)
	s := NewScheduler(runner, []Target{targetCA}, testSchedulerConfig(),
		recordSleeps(&sleeps),
		WithStateHook(func(_, to State) { states = append(states, to) }),
	)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitConverged, report.Reason)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, sleeps)
	assert.Contains(t, states, StateBackoff)
}

func TestScheduler_PersistentFailureIsReported(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner(fmt.Errorf("load: %w", pool.ErrPoolClosed))
	var sleeps []time.Duration
	s := NewScheduler(runner, []Target{targetCA}, testSchedulerConfig(), recordSleeps(&sleeps))

	report, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrPassesFailing)
	require.ErrorIs(t, err, pool.ErrPoolClosed)
	assert.Equal(t, 2, report.Failed)
}

func TestScheduler_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := newScriptedRunner(0)
	cfg := testSchedulerConfig()
	cfg.MaxNoProgress = 5
	s := NewScheduler(runner, []Target{targetCA}, cfg, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitCancelled, report.Reason)
	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_WorkersBoundedByPool(t *testing.T) {
	t.Parallel()

	runner := newScriptedRunner(0)
	runner.delay = 20 * time.Millisecond
	targets := []Target{
		{Jurisdiction: "CA", SessionID: "2025"},
		{Jurisdiction: "TX", SessionID: "2025"},
		{Jurisdiction: "NY", SessionID: "2025"},
		{Jurisdiction: "WA", SessionID: "2025"},
		{Jurisdiction: "OR", SessionID: "2025"},
	}
	cfg := testSchedulerConfig()
	cfg.Workers = 4
	cfg.MaxConnections = 2
	cfg.MaxNoProgress = 1
	s := NewScheduler(runner, targets, cfg)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	for _, target := range targets {
		assert.Equal(t, 1, runner.calls[target])
	}
}

func TestScheduler_OneTargetFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	runner := &perTargetRunner{fail: "TX"}
	cfg := testSchedulerConfig()
	cfg.MaxIterations = 1
	s := NewScheduler(runner, []Target{{"CA", "2025"}, {"TX", "2025"}}, cfg)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, ExitMaxIterations, report.Reason)
}

type perTargetRunner struct {
	fail string
}

func (r *perTargetRunner) Run(_ context.Context, target Target, _ func(State)) (*PassSummary, error) {
	if target.Jurisdiction == r.fail {
		return &PassSummary{Target: target}, errors.New("remote down")
	}
	return &PassSummary{Target: target, Applied: 1}, nil
}

func TestScheduler_AfterPassHook(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := newScriptedRunner(1, 0)
	cfg := testSchedulerConfig()
	cfg.MaxNoProgress = 1
	s := NewScheduler(runner, []Target{targetCA}, cfg, WithAfterPass(func(context.Context) { calls.Add(1) }))

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_UntilNextRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{name: "later today", now: time.Date(2025, 3, 1, 4, 30, 0, 0, time.UTC), want: 90 * time.Minute},
		{name: "exactly now rolls to tomorrow", now: time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC), want: 24 * time.Hour},
		{name: "already passed", now: time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC), want: 23 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewScheduler(newScriptedRunner(0), nil, SchedulerConfig{Mode: ModeDaily, DailyHour: 6, Location: time.UTC},
				WithClock(func() time.Time { return tt.now }))
			assert.Equal(t, tt.want, s.untilNextRun())
		})
	}
}

func TestScheduler_DailyModeRunsAfterWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := newScriptedRunner(0)
	cfg := testSchedulerConfig()
	cfg.Mode = ModeDaily
	cfg.MaxNoProgress = 1
	cfg.Location = time.UTC

	waits := 0
	s := NewScheduler(runner, []Target{targetCA}, cfg,
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits++
			if waits == 2 {
				cancel()
			}
			return ctx.Err()
		}),
	)

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitCancelled, report.Reason)
	assert.Equal(t, 1, report.Iterations)
}
