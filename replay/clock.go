package replay

import (
	"errors"
	"math"
	"sync"
	"time"
)

// DefaultInterval is the wall-clock period between playback ticks.
const DefaultInterval = 50 * time.Millisecond

// Speeds lists the playback multipliers offered to the viewer.
var Speeds = []float64{0.5, 1, 2}

var (
	// ErrInvalidSpeed is returned for a non-positive or non-finite multiplier.
	ErrInvalidSpeed = errors.New("replay: invalid playback speed")
	// ErrClockClosed is returned by Play after Close.
	ErrClockClosed = errors.New("replay: clock closed")
)

// Frame is a render request: the snapshot resolved at PositionMs.
type Frame struct {
	PositionMs int64
	Snapshot   Snapshot
}

// Ticker is the subset of time.Ticker the clock needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) ClockOption {
	return func(c *Clock) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithSpeed sets the initial speed multiplier. Invalid values are ignored.
func WithSpeed(x float64) ClockOption {
	return func(c *Clock) {
		if validSpeed(x) {
			c.speed = x
		}
	}
}

// WithStateFunc registers a callback for play/stop transitions.
func WithStateFunc(fn func(playing bool)) ClockOption {
	return func(c *Clock) { c.onState = fn }
}

// WithTicker replaces the ticker factory.
func WithTicker(fn func(time.Duration) Ticker) ClockOption {
	return func(c *Clock) { c.newTicker = fn }
}

// Clock advances a virtual playback position over a timeline. Ticks, seeks
// and the callbacks they trigger are serialized by one mutex, so render and
// state callbacks must not call back into the clock synchronously.
type Clock struct {
	mu       sync.Mutex
	timeline *Timeline
	render   func(Frame)
	onState  func(bool)

	interval time.Duration
	speed    float64

	pos     int64
	carry   float64 // sub-millisecond progress left over from ticks
	playing bool
	closed  bool
	gen     uint64 // bumped on every stop; stale ticks compare against it
	ticker  Ticker
	stop    chan struct{}

	newTicker func(time.Duration) Ticker
}

// NewClock creates a stopped clock at position 0.
func NewClock(tl *Timeline, render func(Frame), opts ...ClockOption) *Clock {
	c := &Clock{
		timeline:  tl,
		render:    render,
		interval:  DefaultInterval,
		speed:     1,
		newTicker: newTimeTicker,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Play starts ticking. It fails on an empty timeline and is a no-op while
// already playing. Playing from the end restarts at 0.
func (c *Clock) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClockClosed
	}
	if c.timeline.Len() == 0 {
		return ErrEmptyTimeline
	}
	if c.playing {
		return nil
	}
	restart := c.pos >= c.timeline.Duration()
	if restart {
		c.pos = 0
		c.carry = 0
	}
	c.playing = true
	c.gen++
	c.stop = make(chan struct{})
	c.ticker = c.newTicker(c.interval)
	go c.run(c.gen, c.ticker, c.stop)
	if c.onState != nil {
		c.onState(true)
	}
	if restart {
		c.renderLocked()
	}
	return nil
}

// Pause stops ticking. No tick is processed after Pause returns. Calling it
// while stopped does nothing.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Close stops playback for good. Later Play calls fail with
// ErrClockClosed; Seek still renders. Close is idempotent.
func (c *Clock) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.closed = true
}

// Seek pauses and moves the position to ms clamped to [0, duration], then
// renders the snapshot there. Seeking never resumes playback.
func (c *Clock) Seek(ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	if c.timeline.Len() == 0 {
		c.pos = 0
		return ErrEmptyTimeline
	}
	c.pos = clamp(ms, 0, c.timeline.Duration())
	c.carry = 0
	c.renderLocked()
	return nil
}

// SetSpeed changes the multiplier used from the next tick on.
func (c *Clock) SetSpeed(x float64) error {
	if !validSpeed(x) {
		return ErrInvalidSpeed
	}
	c.mu.Lock()
	c.speed = x
	c.mu.Unlock()
	return nil
}

func (c *Clock) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *Clock) Duration() int64 { return c.timeline.Duration() }

func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

func (c *Clock) run(gen uint64, t Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if !c.tick(gen) {
				return
			}
		}
	}
}

// tick advances one interval. It reports whether the run loop for gen
// should keep going.
func (c *Clock) tick(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing || c.gen != gen {
		return false
	}
	c.carry += float64(c.interval) / float64(time.Millisecond) * c.speed
	step := int64(c.carry)
	c.carry -= float64(step)

	dur := c.timeline.Duration()
	c.pos += step
	if c.pos >= dur {
		c.pos = dur
		c.carry = 0
		c.renderLocked()
		c.stopLocked()
		return false
	}
	c.renderLocked()
	return true
}

func (c *Clock) stopLocked() {
	if !c.playing {
		return
	}
	c.playing = false
	c.gen++
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.onState != nil {
		c.onState(false)
	}
}

func (c *Clock) renderLocked() {
	if c.render == nil {
		return
	}
	snap, err := c.timeline.StateAt(c.pos)
	if err != nil {
		return
	}
	c.render(Frame{PositionMs: c.pos, Snapshot: snap})
}

func validSpeed(x float64) bool {
	return x > 0 && !math.IsInf(x, 0) && !math.IsNaN(x)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
