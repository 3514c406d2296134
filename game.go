package main

import (
	"context"
	"fmt"
	"image/color"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"github.com/hako/durafmt"
	"github.com/pkg/browser"
	dark "github.com/thiagokokada/dark-mode-go"
	clipboard "golang.design/x/clipboard"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/width"

	"pongview/render"
)

var shortUnits, _ = durafmt.DefaultUnitsCoder.Decode("y:yrs,wk:wks,d:d,h:h,m:m,s:s,ms:ms,us:us")

const (
	skipShort = 5 * 1000
	skipLong  = 30 * 1000

	hudLineHeight = 16
	hudPadding    = 8
)

// hudTheme holds the HUD colors for a light or dark desktop.
type hudTheme struct {
	text   color.Color
	muted  color.Color
	panel  color.Color
	accent color.Color
	err    color.Color
}

var (
	darkHUD = hudTheme{
		text:   color.RGBA{R: 235, G: 235, B: 235, A: 255},
		muted:  color.RGBA{R: 150, G: 160, B: 175, A: 255},
		panel:  color.RGBA{R: 0, G: 0, B: 0, A: 170},
		accent: color.RGBA{R: 255, G: 180, B: 90, A: 255},
		err:    color.RGBA{R: 255, G: 110, B: 110, A: 255},
	}
	lightHUD = hudTheme{
		text:   color.RGBA{R: 20, G: 24, B: 30, A: 255},
		muted:  color.RGBA{R: 80, G: 88, B: 100, A: 255},
		panel:  color.RGBA{R: 245, G: 245, B: 245, A: 200},
		accent: color.RGBA{R: 200, G: 110, B: 20, A: 255},
		err:    color.RGBA{R: 190, G: 30, B: 30, A: 255},
	}
)

// pickTheme honors the Theme setting and otherwise follows the desktop.
func pickTheme(name string) hudTheme {
	switch strings.ToLower(name) {
	case "dark":
		return darkHUD
	case "light":
		return lightHUD
	}
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return darkHUD
	}
	return lightHUD
}

// formatPosition renders ms as a short duration label.
func formatPosition(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return durafmt.Parse(d.Round(100 * time.Millisecond)).LimitFirstN(2).Format(shortUnits)
}

var (
	titleCase = cases.Title(language.English)
	// basicfont only has ASCII glyphs.
	asciiOnly = transform.Chain(width.Fold, runes.Map(func(r rune) rune {
		if r > 0x7e || (r < 0x20 && r != '\n') {
			return '?'
		}
		return r
	}))
)

// hudSafe folds wide forms to ASCII and replaces what is left over.
func hudSafe(s string) string {
	out, _, err := transform.String(asciiOnly, s)
	if err != nil {
		return s
	}
	return out
}

// Game is the ebiten front end of a Viewer.
type Game struct {
	ctx     context.Context
	viewer  *Viewer
	surface *render.EbitenSurface
	title   string
	face    text.Face
	theme   hudTheme
	showHUD bool
}

func newGame(ctx context.Context, v *Viewer, surface *render.EbitenSurface, title string) *Game {
	return &Game{
		ctx:     ctx,
		viewer:  v,
		surface: surface,
		title:   title,
		face:    text.NewGoXFace(basicfont.Face7x13),
		theme:   pickTheme(gs.Theme),
		showHUD: true,
	}
}

func (g *Game) Update() error {
	if g.ctx.Err() != nil || inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	v := g.viewer
	shift := ebiten.IsKeyPressed(ebiten.KeyShift)
	skip := int64(skipShort)
	if shift {
		skip = skipLong
	}

	switch {
	case inpututil.IsKeyJustPressed(ebiten.KeySpace):
		if err := v.Toggle(); err != nil {
			logError("play: %v", err)
		}
	case inpututil.IsKeyJustPressed(ebiten.KeyArrowLeft):
		g.check(v.SkipMilli(-skip))
	case inpututil.IsKeyJustPressed(ebiten.KeyArrowRight):
		g.check(v.SkipMilli(skip))
	case inpututil.IsKeyJustPressed(ebiten.KeyHome):
		g.check(v.Seek(0))
	case inpututil.IsKeyJustPressed(ebiten.KeyDigit1):
		g.setSpeed(0.5)
	case inpututil.IsKeyJustPressed(ebiten.KeyDigit2):
		g.setSpeed(1)
	case inpututil.IsKeyJustPressed(ebiten.KeyDigit3):
		g.setSpeed(2)
	case inpututil.IsKeyJustPressed(ebiten.KeyC):
		pos := formatPosition(v.Status().PositionMs)
		clipboard.Write(clipboard.FmtText, []byte(pos))
		v.Notice("Copied " + pos)
	case inpututil.IsKeyJustPressed(ebiten.KeyU):
		g.copyDownloadURL()
	case inpututil.IsKeyJustPressed(ebiten.KeyO):
		g.openDownloadURL()
	case inpututil.IsKeyJustPressed(ebiten.KeyE):
		g.startExport(exportMP4)
	case inpututil.IsKeyJustPressed(ebiten.KeyT):
		g.startExport(exportThumbnail)
	case inpututil.IsKeyJustPressed(ebiten.KeyR):
		g.refreshJob()
	case inpututil.IsKeyJustPressed(ebiten.KeyH):
		g.showHUD = !g.showHUD
	}
	return nil
}

func (g *Game) check(err error) {
	if err != nil {
		g.viewer.Notice(describeError(err))
	}
}

func (g *Game) setSpeed(x float64) {
	if err := g.viewer.SetSpeed(x); err != nil {
		g.check(err)
		return
	}
	gs.Speed = x
}

// startExport and refreshJob talk to the API off the game loop.
func (g *Game) startExport(kind string) {
	g.viewer.Notice(fmt.Sprintf("Requesting %s export...", exportLabel(kind)))
	go func() {
		id, err := g.viewer.StartExport(g.ctx, kind)
		if err != nil {
			logWarn("%v", err)
			return
		}
		g.viewer.Notice(fmt.Sprintf("Started %s export job %d", exportLabel(kind), id))
	}()
}

func (g *Game) refreshJob() {
	go func() {
		if err := g.viewer.RefreshJob(g.ctx); err != nil {
			logWarn("%v", err)
		}
	}()
}

func (g *Game) downloadURL() string {
	job := g.viewer.Status().Job
	if job.DownloadURL == "" {
		g.viewer.Notice("No export result to open yet.")
		return ""
	}
	return resolveURL(g.viewer.apiBase, job.DownloadURL)
}

func (g *Game) copyDownloadURL() {
	if u := g.downloadURL(); u != "" {
		clipboard.Write(clipboard.FmtText, []byte(u))
		g.viewer.Notice("Copied download link")
	}
}

func (g *Game) openDownloadURL() {
	if u := g.downloadURL(); u != "" {
		if err := browser.OpenURL(u); err != nil {
			logWarn("open %s: %v", u, err)
		}
	}
}

func (g *Game) Draw(screen *ebiten.Image) {
	g.surface.SetTarget(screen)
	if err := g.viewer.Present(); err != nil {
		screen.Fill(color.Black)
		g.drawText(screen, describeError(err), hudPadding, hudPadding+hudLineHeight, g.theme.err)
		return
	}
	if g.showHUD {
		g.drawHUD(screen)
	}
}

func (g *Game) drawText(dst *ebiten.Image, s string, x, y float64, clr color.Color) {
	op := &text.DrawOptions{}
	op.GeoM.Translate(x, y-hudLineHeight+3)
	op.ColorScale.ScaleWithColor(clr)
	op.LineSpacing = hudLineHeight
	text.Draw(dst, hudSafe(s), g.face, op)
}

func (g *Game) drawHUD(screen *ebiten.Image) {
	st := g.viewer.Status()
	w, h := screen.Bounds().Dx(), screen.Bounds().Dy()

	// Scoreboard.
	score := fmt.Sprintf("%d : %d", st.Snapshot.LeftScore, st.Snapshot.RightScore)
	if st.Snapshot.TargetScore > 0 {
		score += fmt.Sprintf("   (to %d)", st.Snapshot.TargetScore)
	}
	if st.Snapshot.Finished {
		score += "   final"
	}
	g.drawText(screen, score, float64(w)/2-float64(len(score))*3.5, hudPadding+hudLineHeight, g.theme.text)

	// Transport panel along the bottom.
	panelH := float32(hudLineHeight*2 + hudPadding*2)
	top := float32(h) - panelH
	vector.DrawFilledRect(screen, 0, top, float32(w), panelH, g.theme.panel, false)
	if st.DurationMs > 0 {
		frac := float32(st.PositionMs) / float32(st.DurationMs)
		vector.DrawFilledRect(screen, 0, top, float32(w)*frac, 3, g.theme.accent, false)
	}
	state := "paused"
	if st.Playing {
		state = "playing"
	}
	line := fmt.Sprintf("%s / %s  %s  %s  [%s]",
		formatPosition(st.PositionMs), formatPosition(st.DurationMs), speedLabel(st.Speed), state, st.Path)
	if len(st.FPS) > 0 {
		line += fmt.Sprintf("  fps 1x %s 2x %s", fpsLabel(st.FPS, "1x"), fpsLabel(st.FPS, "2x"))
	}
	y := float64(top) + hudPadding + hudLineHeight
	g.drawText(screen, line, hudPadding, y, g.theme.text)

	status := st.Notice
	if st.Connection != "" {
		status = st.Connection
	}
	if status == "" {
		status = "space play/pause  left/right skip  1/2/3 speed  E/T export  R refresh job  H hide"
	}
	g.drawText(screen, status, hudPadding, y+hudLineHeight, g.theme.muted)

	if st.Job.ID != 0 {
		g.drawJob(screen, st.Job, w)
	}
}

func (g *Game) drawJob(screen *ebiten.Image, job jobStatus, w int) {
	const lines = 5
	x := float64(w) - 320
	y := float64(hudPadding + hudLineHeight*3)
	vector.DrawFilledRect(screen, float32(x)-hudPadding, float32(y)-hudLineHeight,
		320, float32(hudLineHeight*(lines+2)), g.theme.panel, false)
	head := fmt.Sprintf("job %d  %s  %.0f%%  %s", job.ID, titleCase.String(job.State), job.Progress, humanize.Time(job.Updated))
	clr := g.theme.text
	if job.State == jobFailed {
		clr = g.theme.err
	}
	g.drawText(screen, head, x, y, clr)
	logs := job.Logs
	if len(logs) > lines {
		logs = logs[len(logs)-lines:]
	}
	for i, l := range logs {
		g.drawText(screen, l, x, y+float64(hudLineHeight*(i+1)), g.theme.muted)
	}
}

func fpsLabel(fps map[string]float64, key string) string {
	if v, ok := fps[key]; ok {
		return fmt.Sprintf("%.1f", v)
	}
	return "-"
}

func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	if outsideWidth >= 320 && outsideHeight >= 192 {
		gs.WindowWidth = outsideWidth
		gs.WindowHeight = outsideHeight
	}
	return outsideWidth, outsideHeight
}

// runGame opens the window and blocks until it closes.
func runGame(ctx context.Context, v *Viewer, surface *render.EbitenSurface, title string) error {
	ebiten.SetWindowTitle(title + " - pongview")
	ebiten.SetWindowSize(gs.WindowWidth, gs.WindowHeight)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetVsyncEnabled(gs.vsync)
	ebiten.SetFullscreen(gs.Fullscreen)

	op := &ebiten.RunGameOptions{ScreenTransparent: false}
	if err := ebiten.RunGameWithOptions(newGame(ctx, v, surface, title), op); err != nil {
		return fmt.Errorf("ebiten: %w", err)
	}
	return nil
}
