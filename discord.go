package main

import (
	"context"
	"sync"
	"time"

	client "github.com/hugolgst/rich-go/client"
)

var (
	discordMu    sync.Mutex
	discordStart time.Time
	discordReady bool
	discordTitle string
)

// initDiscordRPC logs in to the local Discord client as appID and logs out
// when ctx ends. title names the replay shown in the presence.
func initDiscordRPC(ctx context.Context, appID, title string) {
	if appID == "" {
		return
	}
	if err := client.Login(appID); err != nil {
		logWarn("discord rpc login: %v", err)
		return
	}
	discordMu.Lock()
	discordReady = true
	discordStart = time.Now()
	discordTitle = title
	discordMu.Unlock()
	setDiscordStatus("paused on a replay")
	go func() {
		<-ctx.Done()
		discordMu.Lock()
		discordReady = false
		discordMu.Unlock()
		client.Logout()
	}()
}

func setDiscordStatus(detail string) {
	discordMu.Lock()
	defer discordMu.Unlock()
	if !discordReady {
		return
	}
	if err := client.SetActivity(client.Activity{
		State:   discordTitle,
		Details: detail,
		Timestamps: &client.Timestamps{
			Start: &discordStart,
		},
	}); err != nil {
		logDebug("discord rpc activity: %v", err)
	}
}
