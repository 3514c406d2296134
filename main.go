package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/browser"
	open "github.com/skratchdot/open-golang/open"
	clipboard "golang.design/x/clipboard"

	"pongview/jobsocket"
	"pongview/render"
	"pongview/replay"
)

var (
	replayPath  string
	replayID    int64
	exportDir   string
	exportEvery int
	openExport  bool
	jobID       int64
	doDebug     bool
)

func main() {
	apiBase := flag.String("api", "", "platform API base URL (default from settings)")
	wsBaseURL := flag.String("ws", "", "job notification base URL (default derived from -api)")
	token := flag.String("token", "", "bearer token for the API and job notifications")
	renderer := flag.String("renderer", "", "renderer: auto, gpu or cpu")
	speed := flag.Float64("speed", 0, "initial playback speed: 0.5, 1 or 2")
	flag.StringVar(&replayPath, "replay", "", "play a .jsonl replay file or a .zip containing one")
	flag.Int64Var(&replayID, "replay-id", 0, "download and play replay `id` from the API")
	flag.StringVar(&exportDir, "export", "", "render frames as PNG into `dir` without opening a window")
	flag.IntVar(&exportEvery, "export-every", 0, "export one frame every `ms` milliseconds")
	flag.BoolVar(&openExport, "open", false, "open the export directory when done")
	flag.Int64Var(&jobID, "job", 0, "follow export job `id` over the notification socket")
	flag.BoolVar(&doDebug, "debug", false, "verbose/debug logging")
	flag.Parse()

	loadSettings()
	if *apiBase != "" {
		gs.APIBaseURL = *apiBase
	}
	if *wsBaseURL != "" {
		gs.WSBaseURL = *wsBaseURL
	}
	if *token != "" {
		gs.Token = *token
	}
	if *renderer != "" {
		if _, err := render.ParsePreference(*renderer); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		gs.Renderer = *renderer
	}
	if *speed != 0 {
		if !validSpeed(*speed) {
			fmt.Fprintln(os.Stderr, describeError(replay.ErrInvalidSpeed))
			os.Exit(2)
		}
		gs.Speed = *speed
	}
	if exportEvery > 0 {
		gs.ExportEveryMs = exportEvery
	}

	setupLogging(doDebug)
	defer func() {
		if r := recover(); r != nil {
			logError("panic: %v", r)
			os.Exit(1)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	api := newReplayAPI(gs.APIBaseURL, gs.Token)
	tl, title, err := loadReplay(ctx, api)
	if err != nil {
		if err == errReplayDialogCancelled {
			return
		}
		logError("load replay: %v", err)
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}

	if exportDir != "" {
		step := time.Duration(gs.ExportEveryMs) * time.Millisecond
		n, err := exportFrames(ctx, tl, exportDir, step, gs.WindowWidth, gs.WindowHeight)
		if err != nil {
			fmt.Fprintln(os.Stderr, describeError(err))
			os.Exit(1)
		}
		fmt.Printf("wrote %d frames to %s\n", n, exportDir)
		if openExport {
			if err := open.Run(exportDir); err != nil {
				logWarn("open %s: %v", exportDir, err)
			}
		}
		return
	}

	if err := clipboard.Init(); err != nil {
		log.Printf("clipboard init: %v", err)
	}

	surface := render.NewEbitenSurface(gs.WindowWidth, gs.WindowHeight)
	v, err := newViewer(tl, surface, viewerConfig{
		pref:     gs.rendererPreference(),
		speed:    gs.Speed,
		apiBase:  gs.APIBaseURL,
		api:      api,
		replayID: replayID,
		hooks: viewerHooks{
			notify:   notifyDesktop,
			openURL:  browser.OpenURL,
			presence: setDiscordStatus,
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
	defer v.Close()
	hudMessage = v.Notice

	if jobID != 0 {
		v.TrackJob(jobID)
		go v.refreshJobLogged(ctx)
	}
	if jobID != 0 || replayID != 0 {
		endpoint, err := jobsocket.Endpoint(wsBase(gs), gs.Token)
		if err != nil {
			logError("job notifications: %v", err)
		} else {
			v.ConnectJobs(ctx, endpoint,
				jobsocket.WithMaxRetries(gs.MaxRetries),
				jobsocket.WithRetryDelay(gs.retryDelay()),
			)
		}
	}
	if gs.DiscordPresence {
		initDiscordRPC(ctx, gs.DiscordAppID, title)
	}

	if err := runGame(ctx, v, surface, title); err != nil {
		logError("%v", err)
	}
	saveSettings()
}

// loadReplay resolves the replay to play: a file, an API download, or a
// file picked in a dialog.
func loadReplay(ctx context.Context, api *replayAPI) (*replay.Timeline, string, error) {
	switch {
	case replayPath != "":
		tl, err := replay.LoadFile(replayPath)
		if err != nil {
			return nil, "", err
		}
		gs.LastReplay = replayPath
		return tl, filepath.Base(replayPath), nil
	case replayID != 0:
		d, tl, err := fetchReplay(ctx, api, replayID)
		if err != nil {
			return nil, "", err
		}
		title := fmt.Sprintf("Replay #%d", replayID)
		if d.Summary.OpponentNickname != "" {
			title += fmt.Sprintf(" vs %s (%d:%d)", d.Summary.OpponentNickname, d.Summary.MyScore, d.Summary.OpponentScore)
		}
		return tl, title, nil
	}
	path, err := pickReplayFile()
	if err != nil {
		return nil, "", err
	}
	tl, err := replay.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	gs.LastReplay = path
	return tl, filepath.Base(path), nil
}
