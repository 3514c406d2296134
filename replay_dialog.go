package main

import (
	"errors"

	"github.com/sqweek/dialog"
)

var errReplayDialogCancelled = errors.New("replay dialog cancelled")

// pickReplayFile asks for a replay when none was given on the command line.
func pickReplayFile() (string, error) {
	filename, err := dialog.File().Title("Open replay").Filter("Replay files", "jsonl", "zip").Load()
	if err != nil {
		if err == dialog.Cancelled {
			return "", errReplayDialogCancelled
		}
		return "", err
	}
	return filename, nil
}
