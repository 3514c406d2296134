package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pongview/jobsocket"
	"pongview/render"
	"pongview/replay"
)

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

// tickSource hands out manual tickers and remembers the latest one.
type tickSource struct {
	mu     sync.Mutex
	latest *manualTicker
}

func (s *tickSource) newTicker(time.Duration) replay.Ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	s.mu.Lock()
	s.latest = t
	s.mu.Unlock()
	return t
}

func (s *tickSource) tick(t *testing.T, v *Viewer) {
	t.Helper()
	s.mu.Lock()
	tk := s.latest
	s.mu.Unlock()
	before := v.Frame().PositionMs
	select {
	case tk.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatalf("ticker not being read")
	}
	deadline := time.Now().Add(2 * time.Second)
	for v.Frame().PositionMs == before && v.clock.Playing() {
		if time.Now().After(deadline) {
			t.Fatalf("tick not applied")
		}
		time.Sleep(time.Millisecond)
	}
}

// stepClock returns a time source that advances by step on every call.
func stepClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

func testTimeline(t *testing.T) *replay.Timeline {
	t.Helper()
	tl, err := replay.NewTimeline([]replay.Record{
		{OffsetMs: 0, Snapshot: replay.Snapshot{RoomID: "r", BallX: 200, BallY: 100, LeftPaddleY: 200, RightPaddleY: 200, TargetScore: 5}},
		{OffsetMs: 1000, Snapshot: replay.Snapshot{RoomID: "r", BallX: 600, BallY: 300, LeftScore: 1, TargetScore: 5}},
		{OffsetMs: 3000, Snapshot: replay.Snapshot{RoomID: "r", BallX: 400, BallY: 240, LeftScore: 1, RightScore: 1, TargetScore: 5, Finished: true}},
	})
	if err != nil {
		t.Fatalf("NewTimeline: %v", err)
	}
	return tl
}

func newTestViewer(t *testing.T, cfg viewerConfig) (*Viewer, *render.ImageSurface, *tickSource) {
	t.Helper()
	ts := &tickSource{}
	cfg.ticker = ts.newTicker
	if cfg.now == nil {
		cfg.now = stepClock(50 * time.Millisecond)
	}
	surface := render.NewImageSurface(800, 480)
	v, err := newViewer(testTimeline(t), surface, cfg)
	if err != nil {
		t.Fatalf("newViewer: %v", err)
	}
	t.Cleanup(v.Close)
	return v, surface, ts
}

func TestViewerStartsPausedOnFirstSnapshot(t *testing.T) {
	v, surface, _ := newTestViewer(t, viewerConfig{})
	if err := v.Present(); err != nil {
		t.Fatalf("Present: %v", err)
	}
	st := v.Status()
	if st.Playing || st.PositionMs != 0 || st.DurationMs != 3000 {
		t.Fatalf("status = %+v", st)
	}
	if st.Path != render.PathCPU {
		t.Fatalf("path = %v, want CPU", st.Path)
	}
	if got := surface.Image().RGBAAt(200, 100); got != render.BallColor {
		t.Fatalf("ball pixel = %v", got)
	}
}

func TestNewViewerRejectsEmptyTimeline(t *testing.T) {
	var empty *replay.Timeline
	_, err := newViewer(empty, render.NewImageSurface(10, 10), viewerConfig{})
	if !errors.Is(err, replay.ErrEmptyTimeline) {
		t.Fatalf("err = %v", err)
	}
	if msg := describeError(err); !strings.Contains(msg, "no events") {
		t.Fatalf("message = %q", msg)
	}
}

func TestViewerPlaybackRecordsFPS(t *testing.T) {
	v, _, ts := newTestViewer(t, viewerConfig{})
	if err := v.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	for i := 0; i < 3; i++ {
		ts.tick(t, v)
	}
	st := v.Status()
	if st.PositionMs != 150 || !st.Playing {
		t.Fatalf("status = %+v", st)
	}
	// Three frames 50ms apart: 3 frames over 100ms.
	if got := st.FPS["1x"]; got != 30 {
		t.Fatalf("fps 1x = %v, want 30 (%v)", got, st.FPS)
	}
	if _, ok := st.FPS["2x"]; ok {
		t.Fatalf("2x recorded without playing at 2x")
	}

	if err := v.SetSpeed(0.5); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	ts.tick(t, v)
	if _, ok := v.Status().FPS["0.5x"]; ok {
		t.Fatalf("0.5x is not measured")
	}
	if err := v.SetSpeed(3); !errors.Is(err, replay.ErrInvalidSpeed) {
		t.Fatalf("SetSpeed(3) err = %v", err)
	}
}

func TestViewerRendersResolvedSnapshot(t *testing.T) {
	v, surface, _ := newTestViewer(t, viewerConfig{})
	if err := v.Seek(1500); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := v.Present(); err != nil {
		t.Fatalf("Present: %v", err)
	}
	f := v.Frame()
	if f.PositionMs != 1500 || f.Snapshot.LeftScore != 1 {
		t.Fatalf("frame = %+v", f)
	}
	if got := surface.Image().RGBAAt(600, 300); got != render.BallColor {
		t.Fatalf("ball pixel at seek target = %v", got)
	}
}

func TestViewerSkipKeepsPlaying(t *testing.T) {
	v, _, ts := newTestViewer(t, viewerConfig{})
	if err := v.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := v.SkipMilli(1000); err != nil {
		t.Fatalf("SkipMilli: %v", err)
	}
	st := v.Status()
	if !st.Playing || st.PositionMs != 1000 {
		t.Fatalf("after skip: %+v", st)
	}
	ts.tick(t, v)
	if got := v.Frame().PositionMs; got != 1050 {
		t.Fatalf("position = %d, want 1050", got)
	}
	if err := v.SkipMilli(10_000); err != nil {
		t.Fatalf("SkipMilli: %v", err)
	}
	st = v.Status()
	if st.Playing || st.PositionMs != 3000 || !st.Snapshot.Finished {
		t.Fatalf("skip past end: %+v", st)
	}
	if err := v.SkipMilli(-60_000); err != nil {
		t.Fatalf("SkipMilli: %v", err)
	}
	if got := v.Status().PositionMs; got != 0 {
		t.Fatalf("position = %d, want 0", got)
	}
}

type hookRecorder struct {
	mu       sync.Mutex
	notified []string
	opened   []string
}

func (h *hookRecorder) hooks() viewerHooks {
	return viewerHooks{
		notify: func(title, body string) {
			h.mu.Lock()
			h.notified = append(h.notified, title+": "+body)
			h.mu.Unlock()
		},
		openURL: func(u string) error {
			h.mu.Lock()
			h.opened = append(h.opened, u)
			h.mu.Unlock()
			return nil
		},
	}
}

func jobEvent(t *testing.T, typ, payload string) jobsocket.Event {
	t.Helper()
	return jobsocket.Event{Type: typ, Payload: []byte(payload)}
}

func TestViewerTracksJobEvents(t *testing.T) {
	saved := gs
	t.Cleanup(func() { gs = saved })
	gs.Notifications = true
	gs.OpenResults = true

	rec := &hookRecorder{}
	v, _, _ := newTestViewer(t, viewerConfig{apiBase: "http://api.test", hooks: rec.hooks()})

	// Events before tracking are ignored.
	v.handleJobEvent(jobEvent(t, jobsocket.TypeProgress, `{"jobId":7,"progress":10}`))
	if v.Status().Job.ID != 0 {
		t.Fatalf("untracked event applied")
	}

	v.TrackJob(7)
	v.handleJobEvent(jobEvent(t, jobsocket.TypeProgress, `{"jobId":8,"progress":99,"phase":"RUNNING","message":"other"}`))
	v.handleJobEvent(jobEvent(t, jobsocket.TypeProgress, `{"jobId":7,"progress":40,"phase":"ENCODING","message":"frames"}`))
	job := v.Status().Job
	if job.State != jobRunning || job.Progress != 40 {
		t.Fatalf("job after progress = %+v", job)
	}
	if last := job.Logs[len(job.Logs)-1]; last != "ENCODING: frames (40%)" {
		t.Fatalf("log line = %q", last)
	}

	v.handleJobEvent(jobEvent(t, jobsocket.TypeCompleted, `{"jobId":7,"downloadUrl":"/api/jobs/7/result","checksum":"abc"}`))
	job = v.Status().Job
	if job.State != jobSucceeded || job.Progress != 100 || job.Checksum != "abc" {
		t.Fatalf("job after completion = %+v", job)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.opened) != 1 || rec.opened[0] != "http://api.test/api/jobs/7/result" {
		t.Fatalf("opened = %v", rec.opened)
	}
	if len(rec.notified) != 1 || !strings.Contains(rec.notified[0], "finished") {
		t.Fatalf("notified = %v", rec.notified)
	}
}

func TestViewerJobFailureAndLogLimit(t *testing.T) {
	saved := gs
	t.Cleanup(func() { gs = saved })
	gs.Notifications = false

	rec := &hookRecorder{}
	v, _, _ := newTestViewer(t, viewerConfig{hooks: rec.hooks()})
	v.TrackJob(3)
	for i := 0; i < 40; i++ {
		v.handleJobEvent(jobEvent(t, jobsocket.TypeProgress,
			fmt.Sprintf(`{"jobId":3,"progress":%d,"phase":"RUNNING","message":"step %d"}`, i, i)))
	}
	v.handleJobEvent(jobEvent(t, jobsocket.TypeFailed, `{"jobId":3,"errorCode":"FFMPEG","errorMessage":""}`))
	job := v.Status().Job
	if job.State != jobFailed || job.ErrorMessage != "worker error" {
		t.Fatalf("job = %+v", job)
	}
	if len(job.Logs) != maxJobLogs {
		t.Fatalf("len(Logs) = %d, want %d", len(job.Logs), maxJobLogs)
	}
	if job.Logs[len(job.Logs)-1] != "failed: worker error" || !strings.Contains(job.Logs[len(job.Logs)-2], "step 39") {
		t.Fatalf("tail = %v", job.Logs[len(job.Logs)-2:])
	}
	if len(rec.notified) != 0 {
		t.Fatalf("notified with notifications off: %v", rec.notified)
	}
}

func TestConnectionMessage(t *testing.T) {
	tests := []struct {
		state   jobsocket.State
		attempt int
		want    string
	}{
		{jobsocket.Connecting, 0, "Connecting to job notifications..."},
		{jobsocket.Connected, 0, ""},
		{jobsocket.Reconnecting, 2, "Reconnecting to job notifications (attempt 2)."},
		{jobsocket.Connecting, 2, "Reconnecting to job notifications (attempt 2)."},
		{jobsocket.Disconnected, 4, "Job notifications disconnected. Restart the viewer to try again."},
	}
	for _, tt := range tests {
		if got := connectionMessage(tt.state, tt.attempt); got != tt.want {
			t.Fatalf("connectionMessage(%v, %d) = %q, want %q", tt.state, tt.attempt, got, tt.want)
		}
	}
}

func TestViewerCloseStopsSocket(t *testing.T) {
	v, _, _ := newTestViewer(t, viewerConfig{})
	dialing := make(chan struct{}, 1)
	dialer := jobsocket.DialerFunc(func(ctx context.Context, _ string) (jobsocket.Conn, error) {
		dialing <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	v.ConnectJobs(context.Background(), "ws://unused", jobsocket.WithDialer(dialer))
	<-dialing
	if got := v.Status().Connection; got != "Connecting to job notifications..." {
		t.Fatalf("connection = %q", got)
	}
	v.mu.Lock()
	sock := v.socket
	v.mu.Unlock()
	v.Close()
	select {
	case <-sock.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("socket still running after Close")
	}
	if len(v.Status().FPS) != 0 {
		t.Fatalf("fps stats survived Close")
	}
}

func TestDescribeError(t *testing.T) {
	recErr := &replay.RecordError{Line: 4, Err: errors.New("missing snapshot")}
	initErr := &render.InitError{CPU: errors.New("no context")}
	tests := []struct {
		err  error
		want string
	}{
		{replay.ErrEmptyTimeline, "no events"},
		{fmt.Errorf("load: %w", recErr), "line 4"},
		{initErr, "Rendering is unavailable"},
		{errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		if got := describeError(tt.err); !strings.Contains(got, tt.want) {
			t.Fatalf("describeError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// idleConn is a connected socket that never receives anything.
type idleConn struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleConn() *idleConn { return &idleConn{closed: make(chan struct{})} }

func (c *idleConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func waitForJob(t *testing.T, v *Viewer, done func(jobStatus) bool) jobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job := v.Status().Job
		if done(job) {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never settled: %+v", job)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestViewerJobFinishedBeforeConnectShowsSucceeded(t *testing.T) {
	saved := gs
	t.Cleanup(func() { gs = saved })
	gs.Notifications = true
	gs.OpenResults = false

	srv := jobServer(t, "secret")
	rec := &hookRecorder{}
	v, _, _ := newTestViewer(t, viewerConfig{
		apiBase: srv.URL,
		api:     newReplayAPI(srv.URL, "secret"),
		hooks:   rec.hooks(),
	})
	v.TrackJob(7)
	dialer := jobsocket.DialerFunc(func(context.Context, string) (jobsocket.Conn, error) {
		return newIdleConn(), nil
	})
	v.ConnectJobs(context.Background(), "ws://unused", jobsocket.WithDialer(dialer))

	job := waitForJob(t, v, func(j jobStatus) bool { return j.State != jobPending })
	if job.State != jobSucceeded || job.Progress != 100 || job.DownloadURL != "/api/jobs/7/result" || job.ResultURI != "s3://exports/7.mp4" {
		t.Fatalf("job = %+v", job)
	}

	notified := func() []string {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return append([]string(nil), rec.notified...)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(notified()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The socket event arriving late must not notify twice.
	v.handleJobEvent(jobEvent(t, jobsocket.TypeCompleted, `{"jobId":7,"downloadUrl":"/api/jobs/7/result"}`))
	if got := notified(); len(got) != 1 || !strings.Contains(got[0], "Job 7 is ready") {
		t.Fatalf("notified = %v", got)
	}
}

func TestViewerStartExportTracksNewJob(t *testing.T) {
	srv := jobServer(t, "secret")
	v, _, _ := newTestViewer(t, viewerConfig{api: newReplayAPI(srv.URL, "secret"), replayID: 5})

	id, err := v.StartExport(context.Background(), exportMP4)
	if err != nil || id != 11 {
		t.Fatalf("StartExport = %d, %v", id, err)
	}
	job := v.Status().Job
	if job.ID != 11 || job.State != jobQueued {
		t.Fatalf("job = %+v", job)
	}
	want := []string{"Tracking export job 11.", "MP4 export job created.", "status: QUEUED (0%)"}
	if strings.Join(job.Logs, "|") != strings.Join(want, "|") {
		t.Fatalf("logs = %q, want %q", job.Logs, want)
	}
}

func TestViewerJobRequestsNeedAPI(t *testing.T) {
	v, _, _ := newTestViewer(t, viewerConfig{})
	if err := v.RefreshJob(context.Background()); !errors.Is(err, errNoJob) {
		t.Fatalf("RefreshJob without job = %v", err)
	}
	v.TrackJob(7)
	if err := v.RefreshJob(context.Background()); !errors.Is(err, errNoJobAPI) {
		t.Fatalf("RefreshJob without API = %v", err)
	}
	if _, err := v.StartExport(context.Background(), exportMP4); !errors.Is(err, errNoJobAPI) {
		t.Fatalf("StartExport without API = %v", err)
	}

	srv := jobServer(t, "secret")
	w, _, _ := newTestViewer(t, viewerConfig{api: newReplayAPI(srv.URL, "secret")})
	if _, err := w.StartExport(context.Background(), exportThumbnail); !errors.Is(err, errNoReplayID) {
		t.Fatalf("StartExport without replay id = %v", err)
	}
}

func TestViewerLateSummaryKeepsFinishedJob(t *testing.T) {
	v, _, _ := newTestViewer(t, viewerConfig{})
	v.TrackJob(3)
	v.applyJobSummary(&jobSummary{JobID: 3, Status: jobRunning, Progress: 20})
	if job := v.Status().Job; job.State != jobRunning || job.Progress != 20 {
		t.Fatalf("job = %+v", job)
	}
	v.handleJobEvent(jobEvent(t, jobsocket.TypeFailed, `{"jobId":3,"errorMessage":"encoder crashed"}`))
	v.applyJobSummary(&jobSummary{JobID: 3, Status: jobRunning, Progress: 60})
	v.handleJobEvent(jobEvent(t, jobsocket.TypeProgress, `{"jobId":3,"progress":70,"phase":"ENCODING"}`))
	v.applyJobSummary(&jobSummary{JobID: 4, Status: jobSucceeded})
	job := v.Status().Job
	if job.State != jobFailed || job.ErrorMessage != "encoder crashed" || job.Progress != 20 {
		t.Fatalf("job = %+v", job)
	}
}
