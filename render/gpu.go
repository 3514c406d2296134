package render

import (
	_ "embed"
	"errors"
	"fmt"
	"image/color"
)

//go:embed shaders/flat.kage
var flatShaderSrc []byte

// GraphicsAPI names a GPU API variant a surface may be able to provide.
type GraphicsAPI int

const (
	APIMetal GraphicsAPI = iota
	APIDirectX
	APIOpenGL
)

// GraphicsAPIs is the acquisition order, newest variant first.
var GraphicsAPIs = []GraphicsAPI{APIMetal, APIDirectX, APIOpenGL}

func (a GraphicsAPI) String() string {
	switch a {
	case APIMetal:
		return "Metal"
	case APIDirectX:
		return "DirectX"
	case APIOpenGL:
		return "OpenGL"
	}
	return fmt.Sprintf("GraphicsAPI(%d)", int(a))
}

// ErrContextUnavailable is returned by surfaces that cannot provide the
// requested context.
var ErrContextUnavailable = errors.New("render: context unavailable")

// Program is a compiled shader program.
type Program interface {
	Release()
}

// VertexBuffer is a reusable buffer of 2D vertices.
type VertexBuffer interface {
	// Write replaces the buffer contents with x,y pairs.
	Write(xy []float32) error
}

// GPUContext is the GPU half of a surface.
type GPUContext interface {
	API() GraphicsAPI
	CompileProgram(src []byte) (Program, error)
	NewVertexBuffer(vertices int) (VertexBuffer, error)
	EnableBlend()
	// DrawTriangles draws the buffer contents filled with c.
	DrawTriangles(p Program, vb VertexBuffer, c color.RGBA) error
	Release()
}

// gpuState is the live GPU variant of a backend.
type gpuState struct {
	ctx     GPUContext
	program Program
	vb      VertexBuffer
	scratch []float32
}

// initGPU acquires a context, compiles the flat-color program, allocates
// the shared vertex buffer and enables blending. Any failing step releases
// what was acquired so far.
func initGPU(s Surface, src []byte) (*gpuState, error) {
	var ctx GPUContext
	var errs []error
	for _, api := range GraphicsAPIs {
		c, err := s.GPUContext(api)
		if err == nil && c != nil {
			ctx = c
			break
		}
		if err == nil {
			err = ErrContextUnavailable
		}
		errs = append(errs, fmt.Errorf("%s: %w", api, err))
	}
	if ctx == nil {
		return nil, fmt.Errorf("acquire gpu context: %w", errors.Join(errs...))
	}
	program, err := ctx.CompileProgram(src)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("compile program: %w", err)
	}
	vb, err := ctx.NewVertexBuffer(6)
	if err != nil {
		program.Release()
		ctx.Release()
		return nil, fmt.Errorf("allocate vertex buffer: %w", err)
	}
	ctx.EnableBlend()
	return &gpuState{ctx: ctx, program: program, vb: vb, scratch: make([]float32, 0, 12)}, nil
}

// draw issues one draw call per rectangle through the shared buffer.
// Panics from the GPU call path are returned as errors.
func (g *gpuState) draw(scene []Rect) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gpu panic: %v", r)
		}
	}()
	for _, r := range scene {
		g.scratch = r.triangles(g.scratch)
		if err := g.vb.Write(g.scratch); err != nil {
			return err
		}
		if err := g.ctx.DrawTriangles(g.program, g.vb, r.Color); err != nil {
			return err
		}
	}
	return nil
}

func (g *gpuState) release() {
	if g.program != nil {
		g.program.Release()
	}
	g.ctx.Release()
}
