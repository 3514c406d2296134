package render

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/vector"
)

// CPUContext is the CPU half of a surface.
type CPUContext interface {
	// Begin prepares a w×h frame.
	Begin(w, h int) error
	FillRect(x, y, w, h float32, c color.RGBA)
	// End presents the frame.
	End() error
}

// Canvas is a CPUContext drawing into an *image.RGBA with an anti-aliased
// rasterizer. Present, when set, receives the finished frame.
type Canvas struct {
	Img     *image.RGBA
	Present func(*image.RGBA) error

	rast *vector.Rasterizer
	src  image.Uniform
}

// NewCanvas returns a canvas drawing into img.
func NewCanvas(img *image.RGBA) *Canvas {
	return &Canvas{Img: img}
}

func (c *Canvas) Begin(w, h int) error {
	if c.Img == nil || c.Img.Bounds().Dx() != w || c.Img.Bounds().Dy() != h {
		c.Img = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return nil
}

// FillRect fills the part of the rectangle that lies inside the image.
func (c *Canvas) FillRect(x, y, w, h float32, col color.RGBA) {
	b := c.Img.Bounds()
	x0 := max(x, float32(b.Min.X))
	y0 := max(y, float32(b.Min.Y))
	x1 := min(x+w, float32(b.Max.X))
	y1 := min(y+h, float32(b.Max.Y))
	if x1 <= x0 || y1 <= y0 {
		return
	}
	box := image.Rect(
		int(math.Floor(float64(x0))), int(math.Floor(float64(y0))),
		int(math.Ceil(float64(x1))), int(math.Ceil(float64(y1))),
	)
	if c.rast == nil {
		c.rast = vector.NewRasterizer(box.Dx(), box.Dy())
	} else {
		c.rast.Reset(box.Dx(), box.Dy())
	}
	ox, oy := float32(box.Min.X), float32(box.Min.Y)
	c.rast.MoveTo(x0-ox, y0-oy)
	c.rast.LineTo(x1-ox, y0-oy)
	c.rast.LineTo(x1-ox, y1-oy)
	c.rast.LineTo(x0-ox, y1-oy)
	c.rast.ClosePath()
	c.src.C = col
	c.rast.Draw(c.Img, box, &c.src, image.Point{})
}

func (c *Canvas) End() error {
	if c.Present == nil {
		return nil
	}
	return c.Present(c.Img)
}

// cpuState is the live CPU variant of a backend.
type cpuState struct {
	ctx CPUContext
}

func (c *cpuState) draw(w, h int, scene []Rect) error {
	if err := c.ctx.Begin(w, h); err != nil {
		return err
	}
	for _, r := range scene {
		c.ctx.FillRect(r.X, r.Y, r.W, r.H, r.Color)
	}
	return c.ctx.End()
}

// ImageSurface is an in-memory surface with no GPU. Headless export and
// tests draw into it.
type ImageSurface struct {
	img *image.RGBA
}

// NewImageSurface allocates a w×h surface.
func NewImageSurface(w, h int) *ImageSurface {
	return &ImageSurface{img: image.NewRGBA(image.Rect(0, 0, w, h))}
}

func (s *ImageSurface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

func (s *ImageSurface) GPUContext(GraphicsAPI) (GPUContext, error) {
	return nil, ErrContextUnavailable
}

func (s *ImageSurface) CPUContext() (CPUContext, error) {
	return NewCanvas(s.img), nil
}

// Image returns the surface pixels.
func (s *ImageSurface) Image() *image.RGBA { return s.img }
