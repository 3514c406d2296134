// Package render draws replay snapshots onto a surface through a GPU path
// with a CPU fallback.
//
// A Backend starts on the GPU unless told otherwise, drops to the CPU when
// GPU initialization fails, and switches to the CPU for the rest of the
// session the first time a GPU draw fails. The switch is one way.
package render

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"pongview/replay"
)

var (
	// ErrRenderInit means neither path could be initialized.
	ErrRenderInit = errors.New("render: initialization failed")
	// ErrRenderDraw wraps a GPU draw failure reported to the fallback hook.
	ErrRenderDraw = errors.New("render: gpu draw failed")
	// ErrNotInitialized is returned by DrawFrame before Initialize.
	ErrNotInitialized = errors.New("render: backend not initialized")
)

// InitError carries the causes of a failed initialization.
type InitError struct {
	GPU error // nil when the GPU was not attempted
	CPU error
}

func (e *InitError) Error() string {
	if e.GPU == nil {
		return fmt.Sprintf("render: cpu context: %v", e.CPU)
	}
	return fmt.Sprintf("render: gpu: %v; cpu context: %v", e.GPU, e.CPU)
}

func (e *InitError) Unwrap() []error {
	errs := []error{ErrRenderInit, e.CPU}
	if e.GPU != nil {
		errs = append(errs, e.GPU)
	}
	return errs
}

// Path identifies the active drawing path.
type Path int

const (
	PathNone Path = iota
	PathGPU
	PathCPU
)

func (p Path) String() string {
	switch p {
	case PathGPU:
		return "GPU"
	case PathCPU:
		return "CPU"
	}
	return "none"
}

// Preference selects how Initialize negotiates.
type Preference int

const (
	PreferAuto Preference = iota
	PreferGPU
	PreferCPU
)

// ParsePreference accepts "auto", "gpu" and "cpu" (case-insensitive).
func ParsePreference(s string) (Preference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return PreferAuto, nil
	case "gpu":
		return PreferGPU, nil
	case "cpu":
		return PreferCPU, nil
	}
	return PreferAuto, fmt.Errorf("render: unknown renderer %q", s)
}

// Surface is a fixed-size drawing target able to hand out a GPU or a CPU
// context.
type Surface interface {
	Size() (w, h int)
	GPUContext(api GraphicsAPI) (GPUContext, error)
	CPUContext() (CPUContext, error)
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger routes backend diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithFallbackFunc is called, with the backend lock held, after a GPU draw
// failure has switched the backend to the CPU.
func WithFallbackFunc(fn func(error)) Option {
	return func(b *Backend) { b.onFallback = fn }
}

// WithShader replaces the flat-color shader source.
func WithShader(src []byte) Option {
	return func(b *Backend) { b.shader = src }
}

// Backend owns the surface and exactly one live drawing path.
type Backend struct {
	mu      sync.Mutex
	surface Surface
	shader  []byte
	logger  *log.Logger

	onFallback func(error)

	active    Path
	gpu       *gpuState
	cpu       *cpuState
	fallbacks int
}

// New returns an uninitialized backend for surface.
func New(surface Surface, opts ...Option) *Backend {
	b := &Backend{
		surface: surface,
		shader:  flatShaderSrc,
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize negotiates a drawing path. PreferCPU skips the GPU entirely;
// otherwise any GPU failure falls back to the CPU. It fails only when the
// CPU context cannot be acquired either.
func (b *Backend) Initialize(pref Preference) (Path, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()

	var gpuErr error
	if pref != PreferCPU {
		g, err := initGPU(b.surface, b.shader)
		if err == nil {
			b.gpu = g
			b.active = PathGPU
			b.logger.Printf("render: using GPU (%s)", g.ctx.API())
			return PathGPU, nil
		}
		gpuErr = err
		b.logger.Printf("render: gpu unavailable, falling back to CPU: %v", err)
	}
	ctx, err := b.surface.CPUContext()
	if err == nil && ctx == nil {
		err = ErrContextUnavailable
	}
	if err != nil {
		return PathNone, &InitError{GPU: gpuErr, CPU: err}
	}
	b.cpu = &cpuState{ctx: ctx}
	b.active = PathCPU
	b.logger.Printf("render: using CPU")
	return PathCPU, nil
}

// DrawFrame draws s on the active path. A GPU failure is recovered by
// switching to the CPU and redrawing the same frame there; only a CPU
// failure is returned.
func (b *Backend) DrawFrame(s replay.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, h := b.surface.Size()
	scene := Scene(w, h, s)
	switch {
	case b.gpu != nil:
		err := b.gpu.draw(scene)
		if err == nil {
			return nil
		}
		return b.fallbackLocked(fmt.Errorf("%w: %w", ErrRenderDraw, err), w, h, scene)
	case b.cpu != nil:
		return b.cpu.draw(w, h, scene)
	}
	return ErrNotInitialized
}

func (b *Backend) fallbackLocked(cause error, w, h int, scene []Rect) error {
	b.logger.Printf("render: %v; switching to CPU", cause)
	b.gpu.release()
	b.gpu = nil
	ctx, err := b.surface.CPUContext()
	if err == nil && ctx == nil {
		err = ErrContextUnavailable
	}
	if err != nil {
		b.active = PathNone
		return &InitError{GPU: cause, CPU: err}
	}
	b.cpu = &cpuState{ctx: ctx}
	b.active = PathCPU
	b.fallbacks++
	if b.onFallback != nil {
		b.onFallback(cause)
	}
	return b.cpu.draw(w, h, scene)
}

// Active reports the current path.
func (b *Backend) Active() Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Fallbacks counts GPU→CPU switches caused by draw failures.
func (b *Backend) Fallbacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fallbacks
}

// Release discards the live path.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
}

func (b *Backend) releaseLocked() {
	if b.gpu != nil {
		b.gpu.release()
		b.gpu = nil
	}
	b.cpu = nil
	b.active = PathNone
}
