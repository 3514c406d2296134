package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
)

var errNoTarget = errors.New("render: surface has no target image")

// EbitenSurface draws onto the image handed to it by the game loop. The GPU
// context is only available for the graphics library ebiten is actually
// running on, which is unknown until the game has started.
type EbitenSurface struct {
	mu     sync.Mutex
	target *ebiten.Image
	cpuTex *ebiten.Image
	w, h   int

	// library reports the graphics library in use.
	library func() ebiten.GraphicsLibrary
}

// NewEbitenSurface returns a w×h surface with no target yet.
func NewEbitenSurface(w, h int) *EbitenSurface {
	return &EbitenSurface{w: w, h: h, library: currentLibrary}
}

func currentLibrary() ebiten.GraphicsLibrary {
	var d ebiten.DebugInfo
	ebiten.ReadDebugInfo(&d)
	return d.GraphicsLibrary
}

// SetTarget points the surface at the image drawn this frame; its bounds
// become the surface size.
func (s *EbitenSurface) SetTarget(img *ebiten.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = img
	if img != nil {
		b := img.Bounds()
		s.w, s.h = b.Dx(), b.Dy()
	}
}

func (s *EbitenSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

func (s *EbitenSurface) currentTarget() (*ebiten.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return nil, errNoTarget
	}
	return s.target, nil
}

func libraryFor(api GraphicsAPI) ebiten.GraphicsLibrary {
	switch api {
	case APIMetal:
		return ebiten.GraphicsLibraryMetal
	case APIDirectX:
		return ebiten.GraphicsLibraryDirectX
	case APIOpenGL:
		return ebiten.GraphicsLibraryOpenGL
	}
	return ebiten.GraphicsLibraryUnknown
}

func (s *EbitenSurface) GPUContext(api GraphicsAPI) (GPUContext, error) {
	lib := s.library()
	if lib != libraryFor(api) {
		return nil, fmt.Errorf("%w: running on %s", ErrContextUnavailable, lib)
	}
	return &ebitenGPU{surface: s, api: api, blend: ebiten.BlendCopy}, nil
}

func (s *EbitenSurface) CPUContext() (CPUContext, error) {
	c := NewCanvas(nil)
	c.Present = s.present
	return c, nil
}

// present uploads a CPU frame and copies it onto the target.
func (s *EbitenSurface) present(img *image.RGBA) error {
	target, err := s.currentTarget()
	if err != nil {
		return err
	}
	b := img.Bounds()
	s.mu.Lock()
	if s.cpuTex == nil || s.cpuTex.Bounds().Size() != b.Size() {
		if s.cpuTex != nil {
			s.cpuTex.Deallocate()
		}
		s.cpuTex = ebiten.NewImage(b.Dx(), b.Dy())
	}
	tex := s.cpuTex
	s.mu.Unlock()
	tex.WritePixels(img.Pix)
	target.DrawImage(tex, nil)
	return nil
}

type ebitenProgram struct {
	shader *ebiten.Shader
}

func (p *ebitenProgram) Release() { p.shader.Deallocate() }

type ebitenVertices struct {
	verts   []ebiten.Vertex
	indices []uint16
}

func (v *ebitenVertices) Write(xy []float32) error {
	if len(xy) != 2*len(v.verts) {
		return fmt.Errorf("render: vertex buffer holds %d vertices, got %d", len(v.verts), len(xy)/2)
	}
	for i := range v.verts {
		v.verts[i].DstX = xy[2*i]
		v.verts[i].DstY = xy[2*i+1]
	}
	return nil
}

type ebitenGPU struct {
	surface *EbitenSurface
	api     GraphicsAPI
	blend   ebiten.Blend
	opts    ebiten.DrawTrianglesShaderOptions
	color   [4]float32
}

func (g *ebitenGPU) API() GraphicsAPI { return g.api }

func (g *ebitenGPU) CompileProgram(src []byte) (Program, error) {
	sh, err := ebiten.NewShader(src)
	if err != nil {
		return nil, err
	}
	return &ebitenProgram{shader: sh}, nil
}

func (g *ebitenGPU) NewVertexBuffer(n int) (VertexBuffer, error) {
	if n <= 0 || n%3 != 0 {
		return nil, fmt.Errorf("render: vertex count %d is not a whole number of triangles", n)
	}
	v := &ebitenVertices{
		verts:   make([]ebiten.Vertex, n),
		indices: make([]uint16, n),
	}
	for i := range v.indices {
		v.indices[i] = uint16(i)
	}
	return v, nil
}

func (g *ebitenGPU) EnableBlend() { g.blend = ebiten.BlendSourceOver }

func (g *ebitenGPU) DrawTriangles(p Program, vb VertexBuffer, c color.RGBA) error {
	prog, ok := p.(*ebitenProgram)
	if !ok {
		return fmt.Errorf("render: foreign program %T", p)
	}
	v, ok := vb.(*ebitenVertices)
	if !ok {
		return fmt.Errorf("render: foreign vertex buffer %T", vb)
	}
	target, err := g.surface.currentTarget()
	if err != nil {
		return err
	}
	g.color = [4]float32{
		float32(c.R) / 255,
		float32(c.G) / 255,
		float32(c.B) / 255,
		float32(c.A) / 255,
	}
	if g.opts.Uniforms == nil {
		g.opts.Uniforms = map[string]any{}
	}
	g.opts.Uniforms["Color"] = g.color[:]
	g.opts.Blend = g.blend
	target.DrawTrianglesShader(v.verts, v.indices, prog.shader, &g.opts)
	return nil
}

func (g *ebitenGPU) Release() {}
