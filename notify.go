package main

import (
	"os"
	"runtime"

	"github.com/gen2brain/beeep"
)

// notifyDesktop shows a job notification. Failures only reach the debug
// log; headless Linux sessions are skipped since beeep needs a display.
func notifyDesktop(title, body string) {
	if body == "" {
		return
	}
	if runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
		logDebug("notify skipped (no display): %s: %s", title, body)
		return
	}
	if err := beeep.Notify(title, body, ""); err != nil {
		logDebug("notify: %v", err)
	}
}
