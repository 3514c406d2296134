package render

import (
	"image/color"
	"math"

	"pongview/replay"
)

// Court colors shared by both paths.
var (
	BackgroundColor = color.RGBA{R: 12, G: 18, B: 28, A: 255}
	DividerColor    = color.RGBA{R: 60, G: 70, B: 85, A: 255}
	PaddleColor     = color.RGBA{R: 230, G: 230, B: 230, A: 255}
	BallColor       = color.RGBA{R: 255, G: 180, B: 90, A: 255}
)

const (
	paddleInset  = 24
	dividerWidth = 4
)

// Rect is one filled rectangle in surface pixels.
type Rect struct {
	X, Y, W, H float32
	Color      color.RGBA
}

// Geometry maps logical court units onto a w×h surface, preserving the
// court aspect ratio and centering it.
type Geometry struct {
	Scale            float64
	OffsetX, OffsetY float64
	Width, Height    float64
}

// Fit computes the letterboxed geometry for a w×h surface.
func Fit(w, h int) Geometry {
	fw, fh := float64(w), float64(h)
	scale := math.Min(fw/replay.CourtWidth, fh/replay.CourtHeight)
	return Geometry{
		Scale:   scale,
		OffsetX: (fw - replay.CourtWidth*scale) / 2,
		OffsetY: (fh - replay.CourtHeight*scale) / 2,
		Width:   fw,
		Height:  fh,
	}
}

// Scene lays out the six rectangles of a frame in draw order: surface
// clear, court background, divider, left paddle, right paddle, ball.
func Scene(w, h int, s replay.Snapshot) []Rect {
	g := Fit(w, h)
	paddleH := replay.PaddleHeight * g.Scale
	half := float64(replay.BallSize) / 2
	return []Rect{
		rect(0, 0, g.Width, g.Height, BackgroundColor),
		rect(g.OffsetX, g.OffsetY, replay.CourtWidth*g.Scale, replay.CourtHeight*g.Scale, BackgroundColor),
		rect(g.Width/2-dividerWidth/2, 0, dividerWidth, g.Height, DividerColor),
		rect(g.OffsetX+paddleInset, g.OffsetY+s.LeftPaddleY*g.Scale, replay.PaddleWidth, paddleH, PaddleColor),
		rect(g.Width-g.OffsetX-paddleInset-replay.PaddleWidth, g.OffsetY+s.RightPaddleY*g.Scale, replay.PaddleWidth, paddleH, PaddleColor),
		rect(g.OffsetX+s.BallX*g.Scale-half, g.OffsetY+s.BallY*g.Scale-half, replay.BallSize, replay.BallSize, BallColor),
	}
}

func rect(x, y, w, h float64, c color.RGBA) Rect {
	return Rect{X: float32(x), Y: float32(y), W: float32(w), H: float32(h), Color: c}
}

// triangles returns the two triangles covering r as x,y pairs.
func (r Rect) triangles(dst []float32) []float32 {
	x1, y1 := r.X, r.Y
	x2, y2 := r.X+r.W, r.Y+r.H
	return append(dst[:0],
		x1, y1, x2, y1, x1, y2,
		x1, y2, x2, y1, x2, y2,
	)
}
