package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pongview/replay"
)

var (
	errNotFound         = errors.New("not found")
	errReplayNotFound   = errors.New("replay not found")
	errJobNotFound      = errors.New("job not found")
	errChecksumMismatch = errors.New("replay checksum mismatch")
)

// Export kinds the platform can render from a replay.
const (
	exportMP4       = "mp4"
	exportThumbnail = "thumbnail"
)

// replaySummary is the part of the replay detail the viewer displays.
type replaySummary struct {
	ReplayID         int64  `json:"replayId"`
	MatchID          int64  `json:"matchId"`
	OpponentNickname string `json:"opponentNickname"`
	MyScore          int    `json:"myScore"`
	OpponentScore    int    `json:"opponentScore"`
	DurationMs       int64  `json:"durationMs"`
	Format           string `json:"format"`
	CreatedAt        string `json:"createdAt"`
}

type replayDetail struct {
	Summary      replaySummary `json:"summary"`
	Checksum     string        `json:"checksum"`
	DownloadPath string        `json:"downloadPath"`
}

// jobSummary is the job service's view of an export job.
type jobSummary struct {
	JobID          int64   `json:"jobId"`
	JobType        string  `json:"jobType"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	TargetReplayID int64   `json:"targetReplayId"`
	ErrorCode      string  `json:"errorCode"`
	ErrorMessage   string  `json:"errorMessage"`
	ResultURI      string  `json:"resultUri"`
	DownloadURL    string  `json:"downloadUrl"`
}

// replayAPI fetches replays from the platform REST API.
type replayAPI struct {
	base   string
	token  string
	client *http.Client
}

func newReplayAPI(base, token string) *replayAPI {
	return &replayAPI{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *replayAPI) get(ctx context.Context, path string) (*http.Response, error) {
	return a.do(ctx, http.MethodGet, path)
}

// do sends an authorized request. Any 2xx is success; 404 wraps errNotFound.
func (a *replayAPI) do(ctx context.Context, method, path string) (*http.Response, error) {
	u := resolveURL(a.base, path)
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %v: %w", method, u, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %v: %w", method, u, errNotFound)
	}
	resp.Body.Close()
	return nil, fmt.Errorf("%s %v: %v", method, u, resp.Status)
}

// detail loads the replay summary and its download path.
func (a *replayAPI) detail(ctx context.Context, id int64) (*replayDetail, error) {
	resp, err := a.get(ctx, fmt.Sprintf("/api/replays/%d", id))
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %d", errReplayNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var d replayDetail
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode replay %d: %w", id, err)
	}
	if d.DownloadPath == "" {
		return nil, fmt.Errorf("replay %d has no download path", id)
	}
	return &d, nil
}

// events downloads and parses the JSONL event file. A non-empty checksum
// is the hex SHA-256 of the file and must match.
func (a *replayAPI) events(ctx context.Context, downloadPath, checksum string) (*replay.Timeline, error) {
	resp, err := a.get(ctx, downloadPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(resp.Body, h)}
	tl, err := replay.ParseTimeline(cr)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return nil, fmt.Errorf("read %v: %w", downloadPath, err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); checksum != "" && !strings.EqualFold(sum, checksum) {
		return nil, fmt.Errorf("%w: got %s, want %s", errChecksumMismatch, sum, checksum)
	}
	logDebug("downloaded %s: %d events, %s", downloadPath, tl.Len(), humanize.Bytes(uint64(cr.n)))
	return tl, nil
}

// fetchReplay loads replay id end to end.
func fetchReplay(ctx context.Context, api *replayAPI, id int64) (*replayDetail, *replay.Timeline, error) {
	d, err := api.detail(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tl, err := api.events(ctx, d.DownloadPath, d.Checksum)
	if err != nil {
		return nil, nil, err
	}
	if d.Summary.DurationMs != tl.Duration() {
		logDebug("replay %d: summary says %dms, events span %dms", id, d.Summary.DurationMs, tl.Duration())
	}
	return d, tl, nil
}

// requestExport asks the platform to render replayID as kind and returns
// the new job's id.
func (a *replayAPI) requestExport(ctx context.Context, replayID int64, kind string) (int64, error) {
	if kind != exportMP4 && kind != exportThumbnail {
		return 0, fmt.Errorf("unknown export kind %q", kind)
	}
	resp, err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/replays/%d/exports/%s", replayID, kind))
	if errors.Is(err, errNotFound) {
		return 0, fmt.Errorf("%w: %d", errReplayNotFound, replayID)
	}
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var created struct {
		JobID int64 `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, fmt.Errorf("decode %s export of replay %d: %w", kind, replayID, err)
	}
	if created.JobID == 0 {
		return 0, fmt.Errorf("%s export of replay %d returned no job id", kind, replayID)
	}
	logDebug("requested %s export of replay %d: job %d", kind, replayID, created.JobID)
	return created.JobID, nil
}

// job loads the current state of job id.
func (a *replayAPI) job(ctx context.Context, id int64) (*jobSummary, error) {
	resp, err := a.get(ctx, fmt.Sprintf("/api/jobs/%d", id))
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %d", errJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var s jobSummary
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode job %d: %w", id, err)
	}
	if s.JobID != id {
		return nil, fmt.Errorf("job %d: server answered for job %d", id, s.JobID)
	}
	return &s, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// resolveURL resolves ref against base; absolute refs are returned as is.
func resolveURL(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// wsBase returns the notification base URL, derived from the API base
// when not configured.
func wsBase(s settings) string {
	if s.WSBaseURL != "" {
		return s.WSBaseURL
	}
	return s.APIBaseURL
}
