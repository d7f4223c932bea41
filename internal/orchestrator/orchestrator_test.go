package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-orchestrator/internal/executor"
	"github.com/ChuLiYu/beaver-orchestrator/internal/metrics"
	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return NewOrchestrator(Config{Logger: quietLogger(), Debug: true})
}

// simClock advances only through Sleep.
type simClock struct {
	mu      sync.Mutex
	elapsed time.Duration
}

func (c *simClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.elapsed += d
	}
	return nil
}

func (c *simClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

type callLog struct {
	mu    sync.Mutex
	calls []types.EffectID
}

func (l *callLog) effect(id string) types.Effect {
	return func(context.Context) (any, error) {
		l.mu.Lock()
		l.calls = append(l.calls, types.EffectID(id))
		l.mu.Unlock()
		return "result-" + id, nil
	}
}

func (l *callLog) snapshot() []types.EffectID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EffectID, len(l.calls))
	copy(out, l.calls)
	return out
}

type memRecorder struct {
	mu      sync.Mutex
	reports []types.PassReport
	err     error
}

func (r *memRecorder) Record(report types.PassReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestExecute_PriorityOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	log := &callLog{}

	require.NoError(t, o.Register("a", log.effect("a"), types.WithPriority(1)))
	require.NoError(t, o.Register("b", log.effect("b"), types.WithPriority(3)))
	require.NoError(t, o.Register("c", log.effect("c"), types.WithPriority(2)))

	results, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []types.EffectID{"b", "c", "a"}, log.snapshot())
	assert.Equal(t, types.ResultMap{"a": "result-a", "b": "result-b", "c": "result-c"}, results)
	assert.Equal(t, 0, o.Pending(), "store is drained after the pass")
}

func TestExecute_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	log := &callLog{}

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("item-%d", i)
		require.NoError(t, o.Register(types.EffectID(id), log.effect(id)))
	}

	_, err := o.Execute(context.Background())
	require.NoError(t, err)

	calls := log.snapshot()
	require.Len(t, calls, 10)
	for i, id := range calls {
		assert.Equal(t, types.EffectID(fmt.Sprintf("item-%d", i)), id)
	}
}

func TestRegister_SameIDKeepsLatest(t *testing.T) {
	o := newTestOrchestrator(t)
	log := &callLog{}

	require.NoError(t, o.Register("y", log.effect("y"), types.WithPriority(3)))
	require.NoError(t, o.Register("x", func(context.Context) (any, error) { return "old", nil }, types.WithPriority(1)))
	require.NoError(t, o.Register("x", func(ctx context.Context) (any, error) {
		return log.effect("x")(ctx)
	}, types.WithPriority(5)))

	assert.Equal(t, 2, o.Pending())

	results, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []types.EffectID{"x", "y"}, log.snapshot(), "x runs with priority 5")
	assert.Len(t, results, 2)
	assert.Equal(t, "result-x", results["x"])
}

func TestCancel(t *testing.T) {
	o := newTestOrchestrator(t)
	log := &callLog{}

	require.NoError(t, o.Register("a", log.effect("a")))
	require.NoError(t, o.Register("b", log.effect("b")))
	require.NoError(t, o.Cancel("a"))

	results, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.ResultMap{"b": "result-b"}, results)
	assert.Equal(t, []types.EffectID{"b"}, log.snapshot())
}

func TestCancel_UnknownIDIsNoop(t *testing.T) {
	o := newTestOrchestrator(t)

	assert.NotPanics(t, func() {
		assert.NoError(t, o.Cancel("missing"))
	})
	assert.Equal(t, 0, o.Pending())
}

func TestRegister_Validation(t *testing.T) {
	o := newTestOrchestrator(t)

	assert.ErrorIs(t, o.Register("", func(context.Context) (any, error) { return nil, nil }), ErrEmptyID)
	assert.ErrorIs(t, o.Register("a", nil), ErrNilEffect)
	assert.Equal(t, 0, o.Pending())
}

func TestExecute_EmptyStore(t *testing.T) {
	o := newTestOrchestrator(t)

	start := time.Now()
	results, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint64(0), o.Status().Passes)
}

func TestExecute_DelaysElapseInOrder(t *testing.T) {
	clock := &simClock{}
	o := NewOrchestrator(Config{Logger: quietLogger(), Sleeper: clock})

	var elapsedAtInvoke time.Duration
	require.NoError(t, o.Register("x", func(context.Context) (any, error) {
		elapsedAtInvoke = clock.Elapsed()
		return nil, nil
	}, types.WithPreDelay(1000*time.Millisecond), types.WithPostDelay(500*time.Millisecond)))

	_, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1000*time.Millisecond, elapsedAtInvoke)
	assert.Equal(t, 1500*time.Millisecond, clock.Elapsed())
}

func TestExecute_FailureIsolation(t *testing.T) {
	o := newTestOrchestrator(t)
	log := &callLog{}

	require.NoError(t, o.Register("first", log.effect("first"), types.WithPriority(2)))
	require.NoError(t, o.Register("bad", func(context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}, types.WithPriority(1)))
	require.NoError(t, o.Register("last", log.effect("last")))

	results, err := o.Execute(context.Background())
	require.NoError(t, err, "item failures never fail Execute")

	assert.Equal(t, types.ItemError{Error: "connection refused"}, results["bad"])
	assert.Equal(t, "result-first", results["first"])
	assert.Equal(t, "result-last", results["last"])
	assert.Equal(t, 0, o.Pending(), "failed items are removed like any other")
}

func TestExecute_TimeoutOption(t *testing.T) {
	o := newTestOrchestrator(t)

	require.NoError(t, o.Register("slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, types.WithTimeout(10*time.Millisecond)))

	results, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ItemError{Error: "timeout"}, results["slow"])
}

// ============================================================================
// Status Surface Tests
// ============================================================================

func TestIsRunning(t *testing.T) {
	o := newTestOrchestrator(t)
	assert.False(t, o.IsRunning())

	var during bool
	require.NoError(t, o.Register("a", func(context.Context) (any, error) {
		during = o.IsRunning()
		return nil, nil
	}))

	_, err := o.Execute(context.Background())
	require.NoError(t, err)

	assert.True(t, during, "IsRunning must be true while the pass executes")
	assert.False(t, o.IsRunning(), "IsRunning must be false once the pass completes")
}

func TestIsRunning_CoversDelays(t *testing.T) {
	var o *Orchestrator
	var sawRunning atomic.Bool

	clock := executor.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		sawRunning.Store(o.IsRunning())
		return nil
	})
	o = NewOrchestrator(Config{Logger: quietLogger(), Sleeper: clock})
	require.NoError(t, o.Register("a", func(context.Context) (any, error) { return nil, nil },
		types.WithPostDelay(time.Second)))

	_, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, sawRunning.Load())
}

func TestStatus(t *testing.T) {
	rec := &memRecorder{}
	o := NewOrchestrator(Config{Logger: quietLogger(), Recorder: rec})
	require.NoError(t, o.Register("a", func(context.Context) (any, error) { return 1, nil }))
	require.NoError(t, o.Register("b", func(context.Context) (any, error) { return nil, errors.New("x") }))

	st := o.Status()
	assert.Equal(t, 2, st.Pending)
	assert.Nil(t, st.LastPass)

	_, err := o.Execute(context.Background())
	require.NoError(t, err)

	st = o.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, uint64(1), st.Passes)
	require.NotNil(t, st.LastPass)
	assert.Equal(t, 2, st.LastPass.Items)
	assert.Equal(t, 1, st.LastPass.Failed)

	require.Len(t, rec.reports, 1)
	assert.Equal(t, st.LastPass.PassID, rec.reports[0].PassID)

	stats := o.Stats()
	assert.Equal(t, 0, stats["pending"])
	assert.Equal(t, 2, stats["registered"])
	assert.Equal(t, 2, stats["released"])
	assert.Equal(t, 1, stats["passes"])
}

func TestRecorderErrorDoesNotFailExecute(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	o := NewOrchestrator(Config{Logger: quietLogger(), Recorder: rec})
	require.NoError(t, o.Register("a", func(context.Context) (any, error) { return 1, nil }))

	results, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, results["a"])
}

// panicOnceRecorder panics on its first Record call.
type panicOnceRecorder struct {
	fired atomic.Bool
}

func (r *panicOnceRecorder) Record(types.PassReport) error {
	if r.fired.CompareAndSwap(false, true) {
		panic("recorder exploded")
	}
	return nil
}

func TestExecute_RecorderPanicClearsRunning(t *testing.T) {
	rec := &panicOnceRecorder{}
	o := NewOrchestrator(Config{Logger: quietLogger(), Recorder: rec})
	require.NoError(t, o.Register("a", func(context.Context) (any, error) { return 1, nil }))

	assert.PanicsWithValue(t, "recorder exploded", func() {
		_, _ = o.Execute(context.Background())
	})
	assert.False(t, o.IsRunning(), "running flag must be cleared when finishing a pass panics")
	assert.False(t, o.Status().Running)
	assert.False(t, o.serial.held(), "token must be released after a panic")

	require.NoError(t, o.Register("b", func(context.Context) (any, error) { return 2, nil }))
	done := make(chan types.ResultMap, 1)
	go func() {
		res, _ := o.Execute(context.Background())
		done <- res
	}()
	select {
	case res := <-done:
		assert.Equal(t, types.ResultMap{"b": 2}, res)
	case <-time.After(time.Second):
		t.Fatal("Execute blocked after a recorder panic")
	}
	assert.False(t, o.IsRunning())
}

func TestMetricsWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	o := NewOrchestrator(Config{Logger: quietLogger(), Metrics: c})

	require.NoError(t, o.Register("a", func(context.Context) (any, error) { return 1, nil }))
	require.NoError(t, o.Register("a", func(context.Context) (any, error) { return 2, nil }))
	require.NoError(t, o.Register("b", func(context.Context) (any, error) { return nil, errors.New("no") }))
	require.NoError(t, o.Register("c", func(context.Context) (any, error) { return 3, nil }))
	require.NoError(t, o.Cancel("c"))

	_, err := o.Execute(context.Background())
	require.NoError(t, err)

	expected := `
# HELP orchestrator_effects_completed_total Total number of effects completed successfully
# TYPE orchestrator_effects_completed_total counter
orchestrator_effects_completed_total 1
# HELP orchestrator_effects_failed_total Total number of effects that returned an error or panicked
# TYPE orchestrator_effects_failed_total counter
orchestrator_effects_failed_total 1
# HELP orchestrator_effects_replaced_total Total number of registrations that replaced a pending effect with the same id
# TYPE orchestrator_effects_replaced_total counter
orchestrator_effects_replaced_total 1
# HELP orchestrator_effects_cancelled_total Total number of pending effects cancelled before their pass
# TYPE orchestrator_effects_cancelled_total counter
orchestrator_effects_cancelled_total 1
# HELP orchestrator_effects_pending Current number of pending effects per session
# TYPE orchestrator_effects_pending gauge
orchestrator_effects_pending{session="default"} 0
# HELP orchestrator_pass_running 1 while a pass is executing in the session, 0 otherwise
# TYPE orchestrator_pass_running gauge
orchestrator_pass_running{session="default"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"orchestrator_effects_completed_total",
		"orchestrator_effects_failed_total",
		"orchestrator_effects_replaced_total",
		"orchestrator_effects_cancelled_total",
		"orchestrator_effects_pending",
		"orchestrator_pass_running",
	))
}

func TestMetricsWiring_SessionsKeepSeparateGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	alpha := NewOrchestrator(Config{Logger: quietLogger(), Metrics: c.ForSession("alpha")})
	beta := NewOrchestrator(Config{Logger: quietLogger(), Metrics: c.ForSession("beta")})

	require.NoError(t, alpha.Register("a1", func(context.Context) (any, error) { return 1, nil }))
	require.NoError(t, alpha.Register("a2", func(context.Context) (any, error) { return 2, nil }))
	require.NoError(t, beta.Register("b1", func(context.Context) (any, error) { return 3, nil }))

	_, err := beta.Execute(context.Background())
	require.NoError(t, err)

	expected := `
# HELP orchestrator_effects_pending Current number of pending effects per session
# TYPE orchestrator_effects_pending gauge
orchestrator_effects_pending{session="alpha"} 2
orchestrator_effects_pending{session="beta"} 0
# HELP orchestrator_passes_total Total number of execution passes completed
# TYPE orchestrator_passes_total counter
orchestrator_passes_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"orchestrator_effects_pending",
		"orchestrator_passes_total",
	))
}

// ============================================================================
// Usage Error Tests
// ============================================================================

func TestNilOrchestrator(t *testing.T) {
	var o *Orchestrator

	assert.ErrorIs(t, o.Register("a", func(context.Context) (any, error) { return nil, nil }), ErrNoOrchestrator)
	assert.ErrorIs(t, o.Cancel("a"), ErrNoOrchestrator)
	_, err := o.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNoOrchestrator)
	assert.False(t, o.IsRunning())
	assert.Equal(t, 0, o.Pending())
}

// ============================================================================
// Serialization Tests
// ============================================================================

func TestExecute_ConcurrentCallsSerialize(t *testing.T) {
	o := newTestOrchestrator(t)

	var active, maxActive atomic.Int32
	track := func(id string) types.Effect {
		return func(context.Context) (any, error) {
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return id, nil
		}
	}

	release := make(chan struct{})
	require.NoError(t, o.Register("blocker", func(ctx context.Context) (any, error) {
		<-release
		return track("blocker")(ctx)
	}, types.WithPriority(100)))

	first := make(chan types.ResultMap, 1)
	go func() {
		res, _ := o.Execute(context.Background())
		first <- res
	}()
	require.Eventually(t, o.IsRunning, time.Second, time.Millisecond)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]types.ResultMap, callers)
	for i := 0; i < callers; i++ {
		id := fmt.Sprintf("late-%d", i)
		require.NoError(t, o.Register(types.EffectID(id), track(id)))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Execute(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	require.Eventually(t, func() bool { return o.Status().Waiting == callers }, time.Second, time.Millisecond)

	close(release)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued Execute calls did not resolve")
	}

	firstRes := <-first
	assert.Equal(t, types.ResultMap{"blocker": "blocker"}, firstRes, "items registered mid-pass are kept for the next pass")
	assert.Equal(t, int32(1), maxActive.Load(), "passes must never overlap")

	// every late item ran exactly once across the deferred passes
	seen := make(map[types.EffectID]int)
	for _, res := range results {
		require.NotNil(t, res)
		for id := range res {
			seen[id]++
		}
	}
	assert.Len(t, seen, callers)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s ran %d times", id, n)
	}
	assert.Equal(t, 0, o.Pending())
	assert.Equal(t, 0, o.Status().Waiting)
}

func TestExecute_ManyQueuedCallersDrain(t *testing.T) {
	o := newTestOrchestrator(t)

	release := make(chan struct{})
	require.NoError(t, o.Register("gate", func(context.Context) (any, error) {
		<-release
		return nil, nil
	}))
	go func() { _, _ = o.Execute(context.Background()) }()
	require.Eventually(t, o.IsRunning, time.Second, time.Millisecond)

	const callers = 500
	var wg sync.WaitGroup
	var resolved atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Execute(context.Background()); err == nil {
				resolved.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return o.Status().Waiting == callers }, 2*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(callers), resolved.Load())
	assert.False(t, o.serial.held(), "token returns to idle once the queue drains")
}

func TestExecute_WaiterContextCancelled(t *testing.T) {
	o := newTestOrchestrator(t)

	release := make(chan struct{})
	require.NoError(t, o.Register("gate", func(context.Context) (any, error) {
		<-release
		return "gate", nil
	}))
	go func() { _, _ = o.Execute(context.Background()) }()
	require.Eventually(t, o.IsRunning, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := o.Execute(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.Status().Waiting == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, o.Status().Waiting)

	close(release)
	require.Eventually(t, func() bool { return !o.serial.held() }, time.Second, time.Millisecond)
}

func TestExecute_CallerCancellationDoesNotInterruptPass(t *testing.T) {
	o := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Register("a", func(effectCtx context.Context) (any, error) {
		cancel()
		return effectCtx.Err(), nil
	}))
	require.NoError(t, o.Register("b", func(context.Context) (any, error) { return "b", nil }))

	results, err := o.Execute(ctx)
	require.NoError(t, err)
	assert.Nil(t, results["a"], "effect context is detached from caller cancellation")
	assert.Equal(t, "b", results["b"])
}

func TestExecute_RegistrationDuringPassRunsNext(t *testing.T) {
	o := newTestOrchestrator(t)

	require.NoError(t, o.Register("a", func(context.Context) (any, error) {
		require.NoError(t, o.Register("during", func(context.Context) (any, error) { return "d", nil }))
		return "a", nil
	}))

	first, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ResultMap{"a": "a"}, first)
	assert.Equal(t, 1, o.Pending())

	second, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ResultMap{"during": "d"}, second)
}
