package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"pongview/jobsocket"
	"pongview/render"
	"pongview/replay"
)

const SETTINGS_VERSION = 1

const settingsFile = "settings.json"

// dataDirPath holds settings and exports. It resolves next to the
// executable so the viewer finds its files regardless of the working
// directory.
var dataDirPath = func() string {
	if runtime.GOOS == "darwin" {
		if home, err := os.UserHomeDir(); err == nil {
			dir := filepath.Join(home, "Library", "Application Support", "pongview")
			_ = os.MkdirAll(dir, 0o755)
			return dir
		}
	}
	if exe, err := os.Executable(); err == nil {
		if dir, err := filepath.Abs(filepath.Dir(exe)); err == nil {
			return filepath.Join(dir, "data")
		}
	}
	return "data"
}()

var gs settings = gsdef

// settingsLoaded reports whether settings were successfully loaded from disk.
var settingsLoaded bool

var gsdef settings = settings{
	Version: SETTINGS_VERSION,

	APIBaseURL:      "http://localhost:8080",
	Renderer:        "auto",
	Speed:           1,
	WindowWidth:     replay.CourtWidth,
	WindowHeight:    replay.CourtHeight,
	MaxRetries:      jobsocket.DefaultMaxRetries,
	RetryDelayMs:    900,
	Notifications:   true,
	OpenResults:     false,
	DiscordPresence: false,
	ExportEveryMs:   1000,
	vsync:           true,
}

type settings struct {
	Version int

	// APIBaseURL serves replay details and downloads. WSBaseURL, when
	// empty, is derived from it.
	APIBaseURL string
	WSBaseURL  string
	Token      string

	Renderer string
	Speed    float64

	WindowWidth  int
	WindowHeight int
	Fullscreen   bool
	Theme        string

	MaxRetries   int
	RetryDelayMs int

	Notifications   bool
	OpenResults     bool
	DiscordPresence bool
	DiscordAppID    string

	ExportEveryMs int
	LastReplay    string

	vsync bool
}

func (s settings) retryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

func (s settings) rendererPreference() render.Preference {
	pref, err := render.ParsePreference(s.Renderer)
	if err != nil {
		logWarn("settings: %v; using auto", err)
	}
	return pref
}

func loadSettings() bool {
	path := filepath.Join(dataDirPath, settingsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		gs = gsdef
		settingsLoaded = false
		return false
	}

	tmp := gsdef
	if err := json.Unmarshal(data, &tmp); err != nil || tmp.Version != SETTINGS_VERSION {
		gs = gsdef
		settingsLoaded = false
		return false
	}
	gs = tmp
	settingsLoaded = true

	if !validSpeed(gs.Speed) {
		gs.Speed = gsdef.Speed
	}
	if _, err := render.ParsePreference(gs.Renderer); err != nil {
		gs.Renderer = gsdef.Renderer
	}
	if gs.MaxRetries < 0 {
		gs.MaxRetries = gsdef.MaxRetries
	}
	if gs.RetryDelayMs <= 0 {
		gs.RetryDelayMs = gsdef.RetryDelayMs
	}
	if gs.ExportEveryMs <= 0 {
		gs.ExportEveryMs = gsdef.ExportEveryMs
	}
	if gs.WindowWidth < 320 || gs.WindowHeight < 192 {
		gs.WindowWidth, gs.WindowHeight = gsdef.WindowWidth, gsdef.WindowHeight
	}
	return settingsLoaded
}

func saveSettings() {
	data, err := json.MarshalIndent(gs, "", "  ")
	if err != nil {
		logError("save settings: %v", err)
		return
	}
	if err := os.MkdirAll(dataDirPath, 0o755); err != nil {
		logError("save settings: %v", err)
		return
	}
	path := filepath.Join(dataDirPath, settingsFile)
	if err := os.WriteFile(path+".tmp", data, 0644); err != nil {
		logError("save settings: %v", err)
		return
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		logError("save settings: %v", err)
		os.Remove(path + ".tmp")
	}
}

func validSpeed(x float64) bool {
	for _, s := range replay.Speeds {
		if s == x {
			return true
		}
	}
	return false
}
