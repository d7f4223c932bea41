package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeClock is a simulated clock advanced only by the sleeper.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestExecutor(clock *fakeClock) *Executor {
	e := New(Config{Sleeper: clock})
	e.now = clock.Now
	return e
}

func item(id string, seq uint64, opts types.Options, effect types.Effect) types.Item {
	return types.Item{ID: types.EffectID(id), Seq: seq, Options: opts, Effect: effect}
}

// recorder captures effect invocation order.
type recorder struct {
	mu    sync.Mutex
	calls []types.EffectID
}

func (r *recorder) effect(id string, value any) types.Effect {
	return func(context.Context) (any, error) {
		r.mu.Lock()
		r.calls = append(r.calls, types.EffectID(id))
		r.mu.Unlock()
		return value, nil
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestRunOrder(t *testing.T) {
	items := []types.Item{
		item("a", 1, types.Options{Priority: 1}, nil),
		item("b", 2, types.Options{Priority: 3}, nil),
		item("c", 3, types.Options{Priority: 2}, nil),
		item("d", 4, types.Options{Priority: 3}, nil),
		item("e", 5, types.Options{Priority: -1}, nil),
	}

	got := RunOrder(items)

	var order []types.EffectID
	for _, it := range got {
		order = append(order, it.ID)
	}
	assert.Equal(t, []types.EffectID{"b", "d", "c", "a", "e"}, order)
	assert.Equal(t, types.EffectID("a"), items[0].ID, "input must not be reordered")
}

func TestRunOrder_TieBreakUsesSeqNotSliceOrder(t *testing.T) {
	items := []types.Item{
		item("late", 9, types.Options{}, nil),
		item("early", 2, types.Options{}, nil),
	}
	got := RunOrder(items)
	assert.Equal(t, types.EffectID("early"), got[0].ID)
}

func TestRunPass_Empty(t *testing.T) {
	clock := newFakeClock()
	e := newTestExecutor(clock)

	results, report := e.RunPass(context.Background(), nil)

	assert.Empty(t, results)
	assert.NotNil(t, results)
	assert.Equal(t, 0, report.Items)
	assert.Empty(t, clock.sleeps)
}

func TestRunPass_PriorityOrder(t *testing.T) {
	clock := newFakeClock()
	e := newTestExecutor(clock)
	rec := &recorder{}

	results, report := e.RunPass(context.Background(), []types.Item{
		item("a", 1, types.Options{Priority: 1}, rec.effect("a", "A")),
		item("b", 2, types.Options{Priority: 3}, rec.effect("b", "B")),
		item("c", 3, types.Options{Priority: 2}, rec.effect("c", "C")),
	})

	assert.Equal(t, []types.EffectID{"b", "c", "a"}, rec.calls)
	assert.Equal(t, types.ResultMap{"a": "A", "b": "B", "c": "C"}, results)
	assert.Equal(t, 3, report.Items)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, types.EffectID("b"), report.Outcomes[0].ID)
	assert.NotEmpty(t, report.PassID)
}

func TestRunPass_DelaysElapseInOrder(t *testing.T) {
	clock := newFakeClock()
	e := newTestExecutor(clock)
	start := clock.Now()

	var invokedAt time.Time
	_, report := e.RunPass(context.Background(), []types.Item{
		item("x", 1, types.Options{PreDelay: 1000 * time.Millisecond, PostDelay: 500 * time.Millisecond},
			func(context.Context) (any, error) {
				invokedAt = clock.Now()
				return nil, nil
			}),
	})

	assert.Equal(t, 1000*time.Millisecond, invokedAt.Sub(start), "effect must not run before preDelay elapses")
	assert.Equal(t, 1500*time.Millisecond, report.Duration, "pass must not finish before postDelay elapses")
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 500 * time.Millisecond}, clock.sleeps)
}

func TestRunPass_SequentialWithDelays(t *testing.T) {
	clock := newFakeClock()
	e := newTestExecutor(clock)
	start := clock.Now()

	var first, second time.Time
	_, report := e.RunPass(context.Background(), []types.Item{
		item("first", 1, types.Options{Priority: 2, PostDelay: 300 * time.Millisecond},
			func(context.Context) (any, error) { first = clock.Now(); return nil, nil }),
		item("second", 2, types.Options{Priority: 1, PreDelay: 200 * time.Millisecond},
			func(context.Context) (any, error) { second = clock.Now(); return nil, nil }),
	})

	assert.Equal(t, time.Duration(0), first.Sub(start))
	assert.Equal(t, 500*time.Millisecond, second.Sub(start), "second item waits for first's postDelay and its own preDelay")
	assert.Equal(t, 500*time.Millisecond, report.Duration)
}

func TestRunPass_NegativeDelaysAreSkipped(t *testing.T) {
	clock := newFakeClock()
	e := newTestExecutor(clock)

	results, _ := e.RunPass(context.Background(), []types.Item{
		item("neg", 1, types.Options{PreDelay: -time.Second, PostDelay: -time.Second},
			func(context.Context) (any, error) { return 1, nil }),
	})

	assert.Equal(t, 1, results["neg"])
	assert.Empty(t, clock.sleeps)
}

func TestRunPass_FailureIsolation(t *testing.T) {
	clock := newFakeClock()
	e := newTestExecutor(clock)
	rec := &recorder{}

	results, report := e.RunPass(context.Background(), []types.Item{
		item("ok-1", 1, types.Options{Priority: 3}, rec.effect("ok-1", 1)),
		item("boom", 2, types.Options{Priority: 2}, func(context.Context) (any, error) {
			return nil, errors.New("disk full")
		}),
		item("panics", 3, types.Options{Priority: 1}, func(context.Context) (any, error) {
			panic("bad state")
		}),
		item("ok-2", 4, types.Options{Priority: 0}, rec.effect("ok-2", 2)),
	})

	assert.Equal(t, 1, results["ok-1"])
	assert.Equal(t, 2, results["ok-2"])
	assert.Equal(t, types.ItemError{Error: "disk full"}, results["boom"])
	assert.Equal(t, types.ItemError{Error: "panic: bad state"}, results["panics"])
	assert.True(t, results.Failed("boom"))
	assert.False(t, results.Failed("ok-1"))
	assert.Equal(t, []types.EffectID{"ok-1", "ok-2"}, rec.calls)
	assert.Equal(t, 2, report.Failed)
}

func TestRunPass_Timeout(t *testing.T) {
	e := New(Config{})

	results, report := e.RunPass(context.Background(), []types.Item{
		item("slow", 1, types.Options{Priority: 1, Timeout: 20 * time.Millisecond},
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		item("stubborn", 2, types.Options{Timeout: 20 * time.Millisecond},
			func(context.Context) (any, error) {
				time.Sleep(200 * time.Millisecond)
				return "late", nil
			}),
		item("fast", 3, types.Options{Timeout: time.Second},
			func(context.Context) (any, error) { return "done", nil }),
	})

	assert.Equal(t, types.ItemError{Error: "timeout"}, results["slow"])
	assert.Equal(t, types.ItemError{Error: "timeout"}, results["stubborn"])
	assert.Equal(t, "done", results["fast"])
	assert.Equal(t, 2, report.TimedOut)
	assert.Less(t, report.Duration, 200*time.Millisecond, "timed-out effect must not hold the pass")
}

func TestRunPass_TimeoutPassesDeadlineToEffect(t *testing.T) {
	e := New(Config{})

	var hadDeadline bool
	e.RunPass(context.Background(), []types.Item{
		item("a", 1, types.Options{Timeout: time.Second}, func(ctx context.Context) (any, error) {
			_, hadDeadline = ctx.Deadline()
			return nil, nil
		}),
	})
	assert.True(t, hadDeadline)
}

// An effect that ignores ctx keeps running after its timeout; the next item
// starts anyway and overlaps it.
func TestRunPass_TimedOutEffectOverlapsNextItem(t *testing.T) {
	e := New(Config{})

	started := make(chan struct{})
	unblock := make(chan struct{})
	stuckDone := make(chan struct{})

	var overlapped bool
	results, report := e.RunPass(context.Background(), []types.Item{
		item("stuck", 1, types.Options{Priority: 1, Timeout: 20 * time.Millisecond},
			func(context.Context) (any, error) {
				defer close(stuckDone)
				close(started)
				<-unblock
				return "ignored", nil
			}),
		item("next", 2, types.Options{}, func(context.Context) (any, error) {
			select {
			case <-started:
			case <-time.After(time.Second):
				return nil, errors.New("stuck effect never started")
			}
			select {
			case <-stuckDone:
			default:
				overlapped = true
			}
			return "next", nil
		}),
	})

	close(unblock)
	<-stuckDone

	assert.Equal(t, types.ItemError{Error: "timeout"}, results["stuck"])
	assert.Equal(t, "next", results["next"])
	assert.Equal(t, 1, report.TimedOut)
	assert.True(t, overlapped, "next item must start while the timed-out effect is still running")
}

func TestTimerSleeper(t *testing.T) {
	s := TimerSleeper{}

	start := time.Now()
	require.NoError(t, s.Sleep(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.NoError(t, s.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sleep(ctx, time.Hour), context.Canceled)
}

func TestRunPass_RealTimerDelays(t *testing.T) {
	e := New(Config{})
	start := time.Now()

	var invoked time.Duration
	_, report := e.RunPass(context.Background(), []types.Item{
		item("x", 1, types.Options{PreDelay: 40 * time.Millisecond, PostDelay: 20 * time.Millisecond},
			func(context.Context) (any, error) {
				invoked = time.Since(start)
				return nil, nil
			}),
	})

	assert.GreaterOrEqual(t, invoked, 40*time.Millisecond)
	assert.GreaterOrEqual(t, report.Duration, 60*time.Millisecond)
}
