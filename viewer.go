package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pongview/jobsocket"
	"pongview/render"
	"pongview/replay"
)

// fpsLogEvery is how many render requests pass between FPS debug lines.
const fpsLogEvery = 60

// fpsStat averages render requests per second at one speed.
type fpsStat struct {
	start  time.Time
	frames int
	avg    float64
	log    rate.Sometimes
}

// viewerHooks are the desktop side effects of a viewer. Tests swap them.
type viewerHooks struct {
	notify   func(title, body string)
	openURL  func(url string) error
	presence func(detail string)
}

type viewerConfig struct {
	pref     render.Preference
	speed    float64
	interval time.Duration
	ticker   func(time.Duration) replay.Ticker
	now      func() time.Time
	apiBase  string
	api      jobAPI
	replayID int64
	hooks    viewerHooks
}

// Status is a consistent copy of the viewer state for display.
type Status struct {
	PositionMs int64
	DurationMs int64
	Playing    bool
	Speed      float64
	Snapshot   replay.Snapshot

	Path      render.Path
	Fallbacks int
	FPS       map[string]float64

	Job        jobStatus
	Connection string
	Notice     string
	Err        error
}

// Viewer composes a timeline, its playback clock, a render backend and the
// job notification socket for one replay session.
type Viewer struct {
	timeline *replay.Timeline
	clock    *replay.Clock
	backend  *render.Backend
	pref     render.Preference
	now      func() time.Time
	apiBase  string
	api      jobAPI
	replayID int64
	hooks    viewerHooks

	mu          sync.Mutex
	current     replay.Frame
	hasFrame    bool
	playing     bool
	speed       float64
	initialized bool
	renderErr   error
	fps         map[float64]*fpsStat
	notice      string

	job        jobStatus
	jobCtx     context.Context
	socket     *jobsocket.Client
	connection string
	reconnLog  *rate.Limiter
}

// newViewer prepares a paused session showing the first snapshot.
func newViewer(tl *replay.Timeline, surface render.Surface, cfg viewerConfig) (*Viewer, error) {
	if tl.Len() == 0 {
		return nil, replay.ErrEmptyTimeline
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.speed == 0 {
		cfg.speed = 1
	}
	if !validSpeed(cfg.speed) {
		return nil, fmt.Errorf("%w: %v", replay.ErrInvalidSpeed, cfg.speed)
	}
	v := &Viewer{
		timeline:  tl,
		pref:      cfg.pref,
		now:       cfg.now,
		apiBase:   cfg.apiBase,
		api:       cfg.api,
		replayID:  cfg.replayID,
		hooks:     cfg.hooks,
		speed:     cfg.speed,
		fps:       map[float64]*fpsStat{},
		reconnLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	v.backend = render.New(surface,
		render.WithLogger(packageLogger()),
		render.WithFallbackFunc(v.onFallback),
	)

	opts := []replay.ClockOption{
		replay.WithSpeed(cfg.speed),
		replay.WithStateFunc(v.onPlaying),
	}
	if cfg.interval > 0 {
		opts = append(opts, replay.WithInterval(cfg.interval))
	}
	if cfg.ticker != nil {
		opts = append(opts, replay.WithTicker(cfg.ticker))
	}
	v.clock = replay.NewClock(tl, v.onFrame, opts...)
	if err := v.clock.Seek(0); err != nil {
		return nil, err
	}
	return v, nil
}

// onFrame runs on the clock goroutine with the clock locked; it must not
// call back into the clock.
func (v *Viewer) onFrame(f replay.Frame) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = f
	v.hasFrame = true
	if v.playing {
		v.countFrameLocked()
	}
}

func (v *Viewer) countFrameLocked() {
	if v.speed != 1 && v.speed != 2 {
		return
	}
	stat := v.fps[v.speed]
	now := v.now()
	if stat == nil {
		stat = &fpsStat{start: now, log: rate.Sometimes{Every: fpsLogEvery}}
		v.fps[v.speed] = stat
	}
	stat.frames++
	elapsed := now.Sub(stat.start)
	if elapsed <= 0 {
		return
	}
	stat.avg = math.Round(float64(stat.frames)/elapsed.Seconds()*10) / 10
	key := speedLabel(v.speed)
	stat.log.Do(func() {
		logDebug("replay fps %s: %.1f", key, stat.avg)
	})
}

// onPlaying runs with the clock locked.
func (v *Viewer) onPlaying(playing bool) {
	v.mu.Lock()
	v.playing = playing
	v.mu.Unlock()
	if v.hooks.presence != nil {
		detail := "paused on a replay"
		if playing {
			detail = "watching a replay"
		}
		go v.hooks.presence(detail)
	}
}

// onFallback runs with the backend locked.
func (v *Viewer) onFallback(err error) {
	logWarn("GPU rendering failed, continuing on CPU: %v", err)
}

// Present draws the latest frame through the backend, initializing it on
// first use. An initialization failure is kept and reported by Status.
func (v *Viewer) Present() error {
	v.mu.Lock()
	frame, ok := v.current, v.hasFrame
	initialized, renderErr := v.initialized, v.renderErr
	v.mu.Unlock()
	if renderErr != nil {
		return renderErr
	}
	if !initialized {
		path, err := v.backend.Initialize(v.pref)
		v.mu.Lock()
		v.initialized = true
		v.renderErr = err
		v.mu.Unlock()
		if err != nil {
			logError("rendering unavailable: %v", err)
			return err
		}
		logDebug("renderer ready: %s", path)
	}
	if !ok {
		return nil
	}
	if err := v.backend.DrawFrame(frame.Snapshot); err != nil {
		v.mu.Lock()
		v.renderErr = err
		v.mu.Unlock()
		logError("rendering unavailable: %v", err)
		return err
	}
	return nil
}

// Frame returns the frame most recently requested by the clock.
func (v *Viewer) Frame() replay.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *Viewer) Play() error {
	err := v.clock.Play()
	if err != nil {
		v.setNotice(describeError(err))
	}
	return err
}

func (v *Viewer) Pause() { v.clock.Pause() }

// Toggle plays when paused and pauses when playing.
func (v *Viewer) Toggle() error {
	if v.clock.Playing() {
		v.clock.Pause()
		return nil
	}
	return v.Play()
}

// Seek pauses and jumps to ms.
func (v *Viewer) Seek(ms int64) error {
	return v.clock.Seek(ms)
}

// SkipMilli moves by delta ms and keeps playing if it was, unless the skip
// lands on the end.
func (v *Viewer) SkipMilli(delta int64) error {
	wasPlaying := v.clock.Playing()
	target := v.clock.Position() + delta
	if err := v.clock.Seek(target); err != nil {
		return err
	}
	if wasPlaying && v.clock.Position() < v.clock.Duration() {
		return v.clock.Play()
	}
	return nil
}

// SetSpeed accepts one of replay.Speeds.
func (v *Viewer) SetSpeed(x float64) error {
	if !validSpeed(x) {
		return fmt.Errorf("%w: %v", replay.ErrInvalidSpeed, x)
	}
	if err := v.clock.SetSpeed(x); err != nil {
		return err
	}
	v.mu.Lock()
	v.speed = x
	v.mu.Unlock()
	return nil
}

// Status snapshots the session for display.
func (v *Viewer) Status() Status {
	st := Status{
		PositionMs: v.clock.Position(),
		DurationMs: v.clock.Duration(),
		Path:       v.backend.Active(),
		Fallbacks:  v.backend.Fallbacks(),
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	st.Playing = v.playing
	st.Speed = v.speed
	st.Snapshot = v.current.Snapshot
	st.FPS = make(map[string]float64, len(v.fps))
	for speed, stat := range v.fps {
		if stat.avg > 0 {
			st.FPS[speedLabel(speed)] = stat.avg
		}
	}
	st.Job = v.job.clone()
	st.Connection = v.connection
	st.Notice = v.notice
	st.Err = v.renderErr
	return st
}

// Notice shows msg in the HUD until replaced.
func (v *Viewer) Notice(msg string) { v.setNotice(msg) }

func (v *Viewer) setNotice(msg string) {
	v.mu.Lock()
	v.notice = msg
	v.mu.Unlock()
}

// Close stops playback and the socket and discards the FPS statistics.
func (v *Viewer) Close() {
	v.clock.Close()
	v.mu.Lock()
	sock := v.socket
	v.socket = nil
	v.fps = map[float64]*fpsStat{}
	v.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
	v.backend.Release()
}

func speedLabel(x float64) string {
	return fmt.Sprintf("%gx", x)
}

// describeError turns the unrecoverable failures into messages for the
// HUD and the terminal.
func describeError(err error) string {
	var recErr *replay.RecordError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, replay.ErrEmptyTimeline):
		return "This replay has no events to play."
	case errors.As(err, &recErr):
		return fmt.Sprintf("The replay file is damaged (line %d): %v", recErr.Line, recErr.Err)
	case errors.Is(err, replay.ErrMalformedRecord):
		return fmt.Sprintf("The replay file is damaged: %v", err)
	case errors.Is(err, render.ErrRenderInit):
		return "Rendering is unavailable on this system: no GPU or CPU drawing context could be created."
	case errors.Is(err, replay.ErrInvalidSpeed):
		return "Playback speed must be 0.5x, 1x or 2x."
	}
	return err.Error()
}
