package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetch struct {
	calls       atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
	release     chan struct{} // nil means return immediately
	err         error
}

func (f *countingFetch) fetch(ctx context.Context) (int, error) {
	n := f.calls.Add(1)
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		prev := f.maxInflight.Load()
		if cur <= prev || f.maxInflight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	return int(n), nil
}

type fakeIssues struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeIssues) Record(message string, details interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeIssues) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type countingObserver struct {
	runs, failures, coalesced, skipped atomic.Int32
}

func (o *countingObserver) RefreshRun(channel string, err error) {
	o.runs.Add(1)
	if err != nil {
		o.failures.Add(1)
	}
}

func (o *countingObserver) RefreshCoalesced(channel string) { o.coalesced.Add(1) }
func (o *countingObserver) RefreshSkipped(channel string)   { o.skipped.Add(1) }

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func newTestChannel(t *testing.T, interval time.Duration, f *countingFetch, opts ...Option) (*Channel[int], *MemorySink[int]) {
	t.Helper()
	sink := NewMemorySink[int]()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	ch := NewChannel[int]("test", ChannelConfig{MinInterval: interval}, f.fetch, sink, opts...)
	t.Cleanup(ch.Close)
	return ch, sink
}

func waitIdle(t *testing.T, ch *Channel[int]) {
	t.Helper()
	require.Eventually(t, func() bool { return !ch.Pending() }, time.Second, 2*time.Millisecond)
}

// TestChannel_FirstRequestRunsImmediately tests that an idle channel fetches at once
func TestChannel_FirstRequestRunsImmediately(t *testing.T) {
	f := &countingFetch{}
	ch, sink := newTestChannel(t, time.Hour, f)

	ch.Request(false)
	waitIdle(t, ch)

	assert.Equal(t, int32(1), f.calls.Load())
	value, ok := sink.Get()
	assert.True(t, ok)
	assert.Equal(t, 1, value)
	assert.False(t, sink.UpdatedAt().IsZero())
}

// TestChannel_TrailingDebounce tests that a burst inside the cooldown yields one trailing fetch
func TestChannel_TrailingDebounce(t *testing.T) {
	f := &countingFetch{}
	obs := &countingObserver{}
	ch, sink := newTestChannel(t, 150*time.Millisecond, f, WithObserver(obs))

	ch.Request(true)
	waitIdle(t, ch)
	require.Equal(t, int32(1), f.calls.Load())

	for i := 0; i < 10; i++ {
		ch.Request(false)
	}
	assert.True(t, ch.Scheduled())
	assert.Equal(t, int32(10), obs.coalesced.Load())

	// nothing runs before the window ends
	assert.Never(t, func() bool { return f.calls.Load() > 1 }, 80*time.Millisecond, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	waitIdle(t, ch)
	assert.Never(t, func() bool { return f.calls.Load() > 2 }, 300*time.Millisecond, 10*time.Millisecond)

	value, _ := sink.Get()
	assert.Equal(t, 2, value)
	assert.False(t, ch.Scheduled())
}

// TestChannel_TrailingAfterSpreadBurst tests triggers spread over the window still collapse into one run
func TestChannel_TrailingAfterSpreadBurst(t *testing.T) {
	f := &countingFetch{}
	ch, _ := newTestChannel(t, 200*time.Millisecond, f)

	ch.Request(true)
	waitIdle(t, ch)

	for i := 0; i < 4; i++ {
		ch.Request(false)
		time.Sleep(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.calls.Load() > 2 }, 300*time.Millisecond, 10*time.Millisecond)
}

// TestChannel_ForceBypassesCooldown tests that force runs right after a previous fetch
func TestChannel_ForceBypassesCooldown(t *testing.T) {
	f := &countingFetch{}
	ch, _ := newTestChannel(t, time.Hour, f)

	ch.Request(true)
	waitIdle(t, ch)
	time.Sleep(time.Millisecond)

	ch.Request(true)
	waitIdle(t, ch)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.False(t, ch.Scheduled())
}

// TestChannel_ForceSupersedesTrailingTimer tests that a run cancels the armed trailing timer
func TestChannel_ForceSupersedesTrailingTimer(t *testing.T) {
	f := &countingFetch{}
	ch, _ := newTestChannel(t, 100*time.Millisecond, f)

	ch.Request(true)
	waitIdle(t, ch)
	ch.Request(false)
	require.True(t, ch.Scheduled())

	ch.Request(true)
	assert.False(t, ch.Scheduled())
	waitIdle(t, ch)

	assert.Never(t, func() bool { return f.calls.Load() > 2 }, 250*time.Millisecond, 10*time.Millisecond)
}

// TestChannel_ReentrancyGuard tests that requests during a fetch never start a second one
func TestChannel_ReentrancyGuard(t *testing.T) {
	f := &countingFetch{release: make(chan struct{})}
	obs := &countingObserver{}
	ch, _ := newTestChannel(t, 10*time.Millisecond, f, WithObserver(obs))

	ch.Request(true)
	require.Eventually(t, func() bool { return f.inflight.Load() == 1 }, time.Second, 2*time.Millisecond)

	ch.Request(true)
	ch.Request(false)
	time.Sleep(30 * time.Millisecond)
	ch.Request(false)

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int32(3), obs.skipped.Load())
	assert.False(t, ch.Scheduled(), "a skipped request must not arm a timer")

	close(f.release)
	waitIdle(t, ch)
	assert.Equal(t, int32(1), f.maxInflight.Load())
	assert.Equal(t, int32(1), f.calls.Load())
}

// TestChannel_FailureLeavesSinkUntouched tests the transient failure path
func TestChannel_FailureLeavesSinkUntouched(t *testing.T) {
	f := &countingFetch{}
	issues := &fakeIssues{}
	obs := &countingObserver{}
	ch, sink := newTestChannel(t, time.Hour, f, WithIssues(issues), WithObserver(obs))

	ch.Request(true)
	waitIdle(t, ch)
	before, _ := sink.Get()

	f.err = errors.New("backend unavailable")
	ch.Request(true)
	waitIdle(t, ch)

	after, _ := sink.Get()
	assert.Equal(t, before, after)
	assert.Equal(t, 1, issues.count())
	assert.Equal(t, int32(1), obs.failures.Load())

	// no retry is scheduled
	assert.Never(t, func() bool { return f.calls.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	// the channel is usable again
	f.err = nil
	ch.Request(true)
	waitIdle(t, ch)
	assert.Equal(t, int32(3), f.calls.Load())
}

// TestChannel_PanicReleasesPending tests that a panicking fetch is contained
func TestChannel_PanicReleasesPending(t *testing.T) {
	issues := &fakeIssues{}
	sink := NewMemorySink[int]()
	ch := NewChannel[int]("panicky", ChannelConfig{}, func(ctx context.Context) (int, error) {
		panic("boom")
	}, sink, WithIssues(issues), WithLogger(quietLogger()))
	defer ch.Close()

	ch.Request(true)
	require.Eventually(t, func() bool { return !ch.Pending() }, time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, issues.count())
	_, ok := sink.Get()
	assert.False(t, ok)
}

// TestChannel_FetchTimeout tests the optional deadline on the fetch context
func TestChannel_FetchTimeout(t *testing.T) {
	f := &countingFetch{release: make(chan struct{})}
	issues := &fakeIssues{}
	sink := NewMemorySink[int]()
	ch := NewChannel[int]("slow", ChannelConfig{FetchTimeout: 30 * time.Millisecond}, f.fetch, sink,
		WithIssues(issues), WithLogger(quietLogger()))
	defer ch.Close()

	ch.Request(true)
	require.Eventually(t, func() bool { return !ch.Pending() && f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, issues.count())
}

// TestChannel_Close tests that Close cancels the in-flight fetch and the trailing timer
func TestChannel_Close(t *testing.T) {
	f := &countingFetch{release: make(chan struct{})}
	ch, _ := newTestChannel(t, 50*time.Millisecond, f)

	ch.Request(true)
	require.Eventually(t, func() bool { return f.inflight.Load() == 1 }, time.Second, 2*time.Millisecond)

	done := make(chan struct{})
	go func() {
		ch.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	ch.Request(true)
	assert.Never(t, func() bool { return f.calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

// TestCoordinator_ChannelsIndependent tests that a busy full channel does not block the fast one
func TestCoordinator_ChannelsIndependent(t *testing.T) {
	full := &countingFetch{release: make(chan struct{})}
	fast := &countingFetch{}
	sink := NewMemorySink[int]()
	c := NewCoordinator[int](Config{FullInterval: time.Hour, FastInterval: time.Hour}, full.fetch, fast.fetch, sink,
		WithLogger(quietLogger()))
	defer c.Close()
	assert.Empty(t, c.LastRuns())

	c.RequestFull(true)
	require.Eventually(t, func() bool { return full.inflight.Load() == 1 }, time.Second, 2*time.Millisecond)

	c.RequestFast(false)
	require.Eventually(t, func() bool { return !c.Fast.Pending() && fast.calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	value, ok := sink.Get()
	require.True(t, ok)
	assert.Equal(t, 1, value)
	assert.True(t, c.Full.Pending())

	close(full.release)
	require.Eventually(t, func() bool { return !c.Full.Pending() }, time.Second, 2*time.Millisecond)
	assert.Equal(t, ChannelFull, c.Full.Name())
	assert.Equal(t, ChannelFast, c.Fast.Name())

	runs := c.LastRuns()
	assert.Len(t, runs, 2)
	assert.False(t, runs[ChannelFull].After(runs[ChannelFast]))
}

// TestNewCoordinator_Defaults tests interval defaults
func TestNewCoordinator_Defaults(t *testing.T) {
	f := &countingFetch{}
	c := NewCoordinator[int](Config{}, f.fetch, f.fetch, NewMemorySink[int](), WithLogger(quietLogger()))
	defer c.Close()

	assert.Equal(t, DefaultFullInterval, c.Full.cfg.MinInterval)
	assert.Equal(t, DefaultFastInterval, c.Fast.cfg.MinInterval)
}
