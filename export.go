package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"pongview/render"
	"pongview/replay"
)

// exportPositions lists the offsets sampled every step, always ending on
// the final snapshot.
func exportPositions(duration int64, step time.Duration) []int64 {
	ms := step.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	var out []int64
	for pos := int64(0); pos < duration; pos += ms {
		out = append(out, pos)
	}
	return append(out, duration)
}

func exportFrameName(pos int64) string {
	return fmt.Sprintf("frame-%08d.png", pos)
}

// exportFrames renders the replay headlessly on the CPU path and writes a
// PNG per sampled position into dir. Encoding runs on all cores.
func exportFrames(ctx context.Context, tl *replay.Timeline, dir string, step time.Duration, w, h int) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	surface := render.NewImageSurface(w, h)
	v, err := newViewer(tl, surface, viewerConfig{pref: render.PreferCPU})
	if err != nil {
		return 0, err
	}
	defer v.Close()

	var (
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	start := time.Now()
	wg := sizedwaitgroup.New(runtime.NumCPU())
	count := 0
	for _, pos := range exportPositions(tl.Duration(), step) {
		if err := ctx.Err(); err != nil {
			fail(err)
			break
		}
		if err := v.Seek(pos); err != nil {
			fail(err)
			break
		}
		if err := v.Present(); err != nil {
			fail(err)
			break
		}
		img := cloneRGBA(surface.Image())
		path := filepath.Join(dir, exportFrameName(pos))
		wg.Add()
		go func() {
			defer wg.Done()
			if err := writePNG(path, img); err != nil {
				fail(err)
			}
		}()
		count++
	}
	wg.Wait()
	if firstErr != nil {
		return count, firstErr
	}
	logDebug("exported %d frames to %s in %v", count, dir, time.Since(start).Round(time.Millisecond))
	return count, nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

func writePNG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode %v: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
