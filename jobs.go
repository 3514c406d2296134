package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pongview/jobsocket"
)

// maxJobLogs bounds the job log shown in the HUD.
const maxJobLogs = 30

// Job states as reported by the job service.
const (
	jobPending   = "PENDING"
	jobQueued    = "QUEUED"
	jobRunning   = "RUNNING"
	jobSucceeded = "SUCCEEDED"
	jobFailed    = "FAILED"
	jobCancelled = "CANCELLED"
)

var (
	errNoJobAPI   = errors.New("export jobs need the platform API")
	errNoJob      = errors.New("no export job is tracked")
	errNoReplayID = errors.New("exports need a replay opened with -replay-id")
)

// jobAPI is the part of the platform API behind the job panel.
type jobAPI interface {
	job(ctx context.Context, id int64) (*jobSummary, error)
	requestExport(ctx context.Context, replayID int64, kind string) (int64, error)
}

func jobFinished(state string) bool {
	return state == jobSucceeded || state == jobFailed || state == jobCancelled
}

func exportLabel(kind string) string {
	if kind == exportMP4 {
		return "MP4"
	}
	return "Thumbnail"
}

// jobStatus is the tracked export job.
type jobStatus struct {
	ID           int64
	State        string
	Progress     float64
	DownloadURL  string
	ResultURI    string
	Checksum     string
	ErrorMessage string
	Updated      time.Time
	Logs         []string
}

func (j jobStatus) clone() jobStatus {
	j.Logs = append([]string(nil), j.Logs...)
	return j
}

func (j *jobStatus) appendLog(line string) {
	j.Logs = append(j.Logs, line)
	if len(j.Logs) > maxJobLogs {
		j.Logs = append(j.Logs[:0], j.Logs[len(j.Logs)-maxJobLogs:]...)
	}
}

// TrackJob starts following job id; events for other jobs are ignored.
func (v *Viewer) TrackJob(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.job = jobStatus{ID: id, State: jobPending, Updated: v.now()}
	v.job.appendLog(fmt.Sprintf("Tracking export job %d.", id))
}

// RefreshJob replaces the tracked job's state with the server's. The
// socket never replays past events, so this is how a job that moved on
// while disconnected catches up.
func (v *Viewer) RefreshJob(ctx context.Context) error {
	v.mu.Lock()
	id := v.job.ID
	v.mu.Unlock()
	if id == 0 {
		return errNoJob
	}
	if v.api == nil {
		return errNoJobAPI
	}
	s, err := v.api.job(ctx, id)
	if err != nil {
		return fmt.Errorf("refresh job %d: %w", id, err)
	}
	v.applyJobSummary(s)
	return nil
}

func (v *Viewer) refreshJobLogged(ctx context.Context) {
	if err := v.RefreshJob(ctx); err != nil {
		logWarn("job status: %v", err)
	}
}

// StartExport asks the platform to export the open replay as kind and
// tracks the new job.
func (v *Viewer) StartExport(ctx context.Context, kind string) (int64, error) {
	if v.api == nil {
		return 0, errNoJobAPI
	}
	if v.replayID == 0 {
		return 0, errNoReplayID
	}
	id, err := v.api.requestExport(ctx, v.replayID, kind)
	if err != nil {
		return 0, fmt.Errorf("request %s export: %w", kind, err)
	}
	v.TrackJob(id)
	v.mu.Lock()
	v.job.appendLog(fmt.Sprintf("%s export job created.", exportLabel(kind)))
	v.mu.Unlock()
	return id, v.RefreshJob(ctx)
}

// applyJobSummary folds a polled job state into the tracked job. A late
// answer never reopens a finished job.
func (v *Viewer) applyJobSummary(s *jobSummary) {
	var after []func()

	v.mu.Lock()
	job := &v.job
	if job.ID == 0 || s.JobID != job.ID || s.Status == "" ||
		(jobFinished(job.State) && !jobFinished(s.Status)) {
		v.mu.Unlock()
		return
	}
	switch s.Status {
	case jobSucceeded:
		after = v.succeedLocked(s.DownloadURL, "", s.ResultURI)
	case jobFailed:
		after = v.failLocked(s.ErrorMessage)
	default:
		changed := job.State != s.Status || job.Progress != s.Progress
		job.State = s.Status
		job.Progress = s.Progress
		job.Updated = v.now()
		if changed {
			job.appendLog(fmt.Sprintf("status: %s (%g%%)", s.Status, s.Progress))
		}
	}
	v.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

// succeedLocked marks the job done and returns the desktop side effects to
// run once v.mu is released. Repeats only update the result fields.
func (v *Viewer) succeedLocked(downloadURL, checksum, resultURI string) []func() {
	job := &v.job
	first := job.State != jobSucceeded
	job.State = jobSucceeded
	job.Progress = 100
	if checksum != "" {
		job.Checksum = checksum
	}
	if resultURI != "" {
		job.ResultURI = resultURI
	}
	if downloadURL != "" {
		job.DownloadURL = downloadURL
	}
	if job.DownloadURL == "" {
		job.DownloadURL = fmt.Sprintf("/api/jobs/%d/result", job.ID)
	}
	job.Updated = v.now()
	if !first {
		return nil
	}
	job.appendLog("completed: the result file is ready.")
	id := job.ID
	link := resolveURL(v.apiBase, job.DownloadURL)
	return []func(){func() {
		if gs.Notifications && v.hooks.notify != nil {
			v.hooks.notify("Replay export finished", fmt.Sprintf("Job %d is ready: %s", id, link))
		}
		if gs.OpenResults && v.hooks.openURL != nil {
			if err := v.hooks.openURL(link); err != nil {
				logWarn("open %s: %v", link, err)
			}
		}
	}}
}

func (v *Viewer) failLocked(msg string) []func() {
	job := &v.job
	if msg == "" {
		msg = "worker error"
	}
	first := job.State != jobFailed
	job.State = jobFailed
	job.ErrorMessage = msg
	job.Updated = v.now()
	if !first {
		return nil
	}
	job.appendLog("failed: " + msg)
	id := job.ID
	return []func(){func() {
		if gs.Notifications && v.hooks.notify != nil {
			v.hooks.notify("Replay export failed", fmt.Sprintf("Job %d: %s", id, msg))
		}
	}}
}

// ConnectJobs opens the notification socket. The viewer owns the client
// and closes it in Close. Every (re)connect polls the tracked job.
func (v *Viewer) ConnectJobs(ctx context.Context, endpoint string, opts ...jobsocket.Option) {
	opts = append([]jobsocket.Option{jobsocket.WithLogger(packageLogger())}, opts...)
	v.mu.Lock()
	v.jobCtx = ctx
	v.mu.Unlock()
	c := jobsocket.Open(ctx, endpoint, v.handleJobEvent, v.handleSocketState, opts...)
	v.mu.Lock()
	old := v.socket
	v.socket = c
	v.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// handleJobEvent applies an event for the tracked job. Desktop side
// effects run after the viewer lock is released.
func (v *Viewer) handleJobEvent(ev jobsocket.Event) {
	var after []func()

	v.mu.Lock()
	job := &v.job
	if job.ID == 0 {
		v.mu.Unlock()
		return
	}
	switch ev.Type {
	case jobsocket.TypeProgress:
		var p jobsocket.Progress
		if err := ev.Decode(&p); err != nil || p.JobID != job.ID || jobFinished(job.State) {
			break
		}
		job.State = jobRunning
		job.Progress = p.Progress
		job.Updated = v.now()
		phase := p.Phase
		if phase == "" {
			phase = "progress"
		}
		job.appendLog(fmt.Sprintf("%s: %s (%g%%)", phase, p.Message, p.Progress))
	case jobsocket.TypeCompleted:
		var c jobsocket.Completed
		if err := ev.Decode(&c); err != nil || c.JobID != job.ID {
			break
		}
		after = v.succeedLocked(c.DownloadURL, c.Checksum, c.ResultURI)
	case jobsocket.TypeFailed:
		var f jobsocket.Failed
		if err := ev.Decode(&f); err != nil || f.JobID != job.ID {
			break
		}
		after = v.failLocked(f.ErrorMessage)
	default:
		logDebug("job event %q ignored", ev.Type)
	}
	v.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

// handleSocketState turns socket transitions into the HUD connection line.
func (v *Viewer) handleSocketState(s jobsocket.State, attempt int) {
	msg := connectionMessage(s, attempt)
	v.mu.Lock()
	v.connection = msg
	ctx, tracked := v.jobCtx, v.job.ID != 0
	v.mu.Unlock()
	if s == jobsocket.Connected && tracked && v.api != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		go v.refreshJobLogged(ctx)
	}
	switch {
	case s == jobsocket.Disconnected:
		logWarn("job notifications: %s", msg)
	case attempt > 0 && v.reconnLog.Allow():
		logWarn("job notifications: %s", msg)
	default:
		logDebug("job socket %s (attempt %d)", s, attempt)
	}
}

func connectionMessage(s jobsocket.State, attempt int) string {
	switch s {
	case jobsocket.Connected:
		return ""
	case jobsocket.Connecting, jobsocket.Reconnecting:
		if attempt > 0 {
			return fmt.Sprintf("Reconnecting to job notifications (attempt %d).", attempt)
		}
		return "Connecting to job notifications..."
	case jobsocket.Disconnected:
		return "Job notifications disconnected. Restart the viewer to try again."
	}
	return ""
}
