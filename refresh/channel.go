// Package refresh provides debounced, reentrancy-guarded invokers for
// expensive backend fetches. Each Channel calls one fetch function and stores
// successful results in a Sink.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
)

// FetchFunc loads the full replacement value for a sink
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Sink receives the value of every successful fetch
type Sink[T any] interface {
	Replace(value T)
}

// IssueRecorder receives fetch failures for the user-visible issue log
type IssueRecorder interface {
	Record(message string, details interface{})
}

// Observer is notified about channel decisions, e.g. for metrics
type Observer interface {
	RefreshRun(channel string, err error)
	RefreshCoalesced(channel string)
	RefreshSkipped(channel string)
}

// ChannelConfig configures a Channel
type ChannelConfig struct {
	MinInterval  time.Duration // minimum time between two fetch starts
	FetchTimeout time.Duration // 0 means the fetch context carries no deadline
}

// Option customizes a Channel
type Option func(*options)

type options struct {
	issues   IssueRecorder
	logger   *logrus.Entry
	observer Observer
	now      func() time.Time
}

// WithIssues records fetch failures to r
func WithIssues(r IssueRecorder) Option {
	return func(o *options) { o.issues = r }
}

// WithLogger sets the logger
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver sets the observer
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Channel is one refresh kind. At most one fetch is in flight and at most one
// trailing timer is armed at any time.
type Channel[T any] struct {
	name  string
	cfg   ChannelConfig
	fetch FetchFunc[T]
	sink  Sink[T]
	opts  options

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   bool
	lastRunAt time.Time
	timer     *time.Timer
	token     uint64
	closed    bool
	inflight  sync.WaitGroup
}

// NewChannel creates a channel named name (used in logs and metrics)
func NewChannel[T any](name string, cfg ChannelConfig, fetch FetchFunc[T], sink Sink[T], opts ...Option) *Channel[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.NewEntry(common.Logger)
	}
	o.logger = o.logger.WithFields(logrus.Fields{
		"component": "refresh",
		"channel":   name,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel[T]{
		name:   name,
		cfg:    cfg,
		fetch:  fetch,
		sink:   sink,
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the channel name
func (c *Channel[T]) Name() string {
	return c.name
}

// Request asks for a fetch. A request while a fetch is in flight is dropped.
// Without force, requests inside the cooldown window collapse into one
// trailing run scheduled at the end of the window.
func (c *Channel[T]) Request(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.pending {
		c.opts.logger.Debug("Refresh already in flight, skipping")
		if c.opts.observer != nil {
			c.opts.observer.RefreshSkipped(c.name)
		}
		return
	}

	now := c.opts.now()
	elapsed := now.Sub(c.lastRunAt)
	if !force && elapsed < c.cfg.MinInterval {
		c.armLocked(c.cfg.MinInterval - elapsed)
		if c.opts.observer != nil {
			c.opts.observer.RefreshCoalesced(c.name)
		}
		return
	}

	c.pending = true
	c.lastRunAt = now
	// the run about to start supersedes any trailing run
	c.stopTimerLocked()

	c.inflight.Add(1)
	go c.run()
}

// Pending reports whether a fetch is in flight
func (c *Channel[T]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Scheduled reports whether a trailing run is armed
func (c *Channel[T]) Scheduled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// LastRunAt returns when the last fetch started
func (c *Channel[T]) LastRunAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRunAt
}

// Close stops the trailing timer and cancels an in-flight fetch. It waits
// for the fetch goroutine to return.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()
}

// armLocked replaces the trailing timer (must be called with lock held)
func (c *Channel[T]) armLocked(d time.Duration) {
	c.stopTimerLocked()

	c.token++
	token := c.token
	c.timer = time.AfterFunc(d, func() {
		c.fire(token)
	})
}

// stopTimerLocked cancels the trailing timer (must be called with lock held)
func (c *Channel[T]) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// fire runs a trailing request if token still identifies the armed timer
func (c *Channel[T]) fire(token uint64) {
	c.mu.Lock()
	if c.token != token || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.Request(false)
}

func (c *Channel[T]) run() {
	start := c.opts.now()
	var err error

	defer c.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh %s panicked: %v", c.name, r)
			c.fail(err)
		}
		if c.opts.observer != nil {
			c.opts.observer.RefreshRun(c.name, err)
		}

		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
	}()

	ctx := c.ctx
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}

	value, err := c.fetch(ctx)
	if err != nil {
		c.fail(err)
		return
	}
	c.sink.Replace(value)

	c.opts.logger.WithField("elapsed", c.opts.now().Sub(start)).Debug("Refresh completed")
}

func (c *Channel[T]) fail(err error) {
	message := fmt.Sprintf("Failed to refresh %s data", c.name)
	c.opts.logger.WithError(err).Error(message)
	if c.opts.issues != nil {
		c.opts.issues.Record(message, err.Error())
	}
}
