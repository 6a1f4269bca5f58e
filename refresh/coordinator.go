package refresh

import "time"

const (
	ChannelFull = "full"
	ChannelFast = "fast"

	DefaultFullInterval = time.Second
	DefaultFastInterval = 250 * time.Millisecond
)

// Config configures both channels of a Coordinator
type Config struct {
	FullInterval time.Duration
	FastInterval time.Duration
	FetchTimeout time.Duration
}

// Coordinator owns the full and the fast (disk-only) refresh channels.
// Both feed the same sink; each successful fetch replaces it wholesale.
type Coordinator[T any] struct {
	Full *Channel[T]
	Fast *Channel[T]
}

// NewCoordinator creates both channels. Zero intervals fall back to defaults.
func NewCoordinator[T any](cfg Config, full, fast FetchFunc[T], sink Sink[T], opts ...Option) *Coordinator[T] {
	if cfg.FullInterval <= 0 {
		cfg.FullInterval = DefaultFullInterval
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultFastInterval
	}
	return &Coordinator[T]{
		Full: NewChannel(ChannelFull, ChannelConfig{MinInterval: cfg.FullInterval, FetchTimeout: cfg.FetchTimeout}, full, sink, opts...),
		Fast: NewChannel(ChannelFast, ChannelConfig{MinInterval: cfg.FastInterval, FetchTimeout: cfg.FetchTimeout}, fast, sink, opts...),
	}
}

// RequestFull requests a full refresh
func (c *Coordinator[T]) RequestFull(force bool) {
	c.Full.Request(force)
}

// RequestFast requests a disk-only refresh
func (c *Coordinator[T]) RequestFast(force bool) {
	c.Fast.Request(force)
}

// LastRuns returns when each channel last started a fetch, by channel name.
// Channels that never ran are omitted.
func (c *Coordinator[T]) LastRuns() map[string]time.Time {
	runs := make(map[string]time.Time, 2)
	for _, ch := range []*Channel[T]{c.Full, c.Fast} {
		if at := ch.LastRunAt(); !at.IsZero() {
			runs[ch.Name()] = at
		}
	}
	return runs
}

// Close stops both channels
func (c *Coordinator[T]) Close() {
	c.Full.Close()
	c.Fast.Close()
}
