package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pongview/replay"
)

const sampleEvents = `{"offsetMs":0,"snapshot":{"roomId":"r","ballX":400,"ballY":240,"leftScore":0,"rightScore":0,"targetScore":3}}
{"offsetMs":1200,"snapshot":{"roomId":"r","ballX":500,"ballY":200,"leftScore":1,"rightScore":0,"targetScore":3}}
`

func replayServer(t *testing.T, token, checksum string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/replays/5", auth(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"summary":{"replayId":5,"matchId":9,"opponentNickname":"bob","myScore":3,"opponentScore":1,"durationMs":1200,"format":"JSONL_V1"},"checksum":%q,"downloadPath":"/api/replays/5/download"}`, checksum)
	}))
	mux.HandleFunc("/api/replays/5/download", auth(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleEvents)
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFetchReplay(t *testing.T) {
	srv := replayServer(t, "secret", sha256Hex(sampleEvents))
	d, tl, err := fetchReplay(context.Background(), newReplayAPI(srv.URL+"/", "secret"), 5)
	if err != nil {
		t.Fatalf("fetchReplay: %v", err)
	}
	if d.Summary.OpponentNickname != "bob" || d.Summary.DurationMs != 1200 {
		t.Fatalf("detail = %+v", d)
	}
	if tl.Len() != 2 || tl.Duration() != 1200 {
		t.Fatalf("timeline len %d duration %d", tl.Len(), tl.Duration())
	}
}

func TestFetchReplayErrors(t *testing.T) {
	srv := replayServer(t, "secret", "")
	if _, _, err := fetchReplay(context.Background(), newReplayAPI(srv.URL, "secret"), 6); !errors.Is(err, errReplayNotFound) {
		t.Fatalf("missing replay err = %v", err)
	}
	if _, _, err := fetchReplay(context.Background(), newReplayAPI(srv.URL, "wrong"), 5); err == nil {
		t.Fatalf("unauthorized fetch succeeded")
	}
	bad := replayServer(t, "secret", sha256Hex("something else"))
	if _, _, err := fetchReplay(context.Background(), newReplayAPI(bad.URL, "secret"), 5); !errors.Is(err, errChecksumMismatch) {
		t.Fatalf("checksum mismatch err = %v", err)
	}
}

func TestFetchReplayRejectsMalformedEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/replays/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"summary":{"replayId":1},"downloadPath":"/dl"}`)
	})
	mux.HandleFunc("/dl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"offsetMs\":0,\"snapshot\":{}}\nnot json\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, _, err := fetchReplay(context.Background(), newReplayAPI(srv.URL, ""), 1)
	var recErr *replay.RecordError
	if !errors.As(err, &recErr) || recErr.Line != 2 {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct{ base, ref, want string }{
		{"http://api.test", "/api/jobs/7/result", "http://api.test/api/jobs/7/result"},
		{"http://api.test/", "/api/replays/1", "http://api.test/api/replays/1"},
		{"http://api.test", "https://cdn.test/x.mp4", "https://cdn.test/x.mp4"},
		{"", "/api/x", "/api/x"},
	}
	for _, tt := range tests {
		if got := resolveURL(tt.base, tt.ref); got != tt.want {
			t.Fatalf("resolveURL(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}

func jobServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/replays/5/exports/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch strings.TrimPrefix(r.URL.Path, "/api/replays/5/exports/") {
		case "mp4":
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"jobId":11}`)
		case "thumbnail":
			fmt.Fprint(w, `{"jobId":12}`)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/jobs/11", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jobId":11,"jobType":"REPLAY_EXPORT_MP4","status":"QUEUED","progress":0,"targetReplayId":5}`)
	})
	mux.HandleFunc("/api/jobs/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jobId":7,"jobType":"REPLAY_EXPORT_MP4","status":"SUCCEEDED","progress":100,"targetReplayId":5,"resultUri":"s3://exports/7.mp4","downloadUrl":"/api/jobs/7/result"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestExport(t *testing.T) {
	api := newReplayAPI(jobServer(t, "secret").URL, "secret")
	tests := []struct {
		kind string
		want int64
	}{
		{exportMP4, 11},
		{exportThumbnail, 12},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			id, err := api.requestExport(context.Background(), 5, tt.kind)
			if err != nil || id != tt.want {
				t.Fatalf("requestExport = %d, %v; want %d", id, err, tt.want)
			}
		})
	}
	if _, err := api.requestExport(context.Background(), 5, "gif"); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	if _, err := api.requestExport(context.Background(), 6, exportMP4); !errors.Is(err, errReplayNotFound) {
		t.Fatalf("missing replay err = %v", err)
	}
}

func TestFetchJob(t *testing.T) {
	api := newReplayAPI(jobServer(t, "secret").URL, "secret")
	s, err := api.job(context.Background(), 7)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if s.Status != jobSucceeded || s.Progress != 100 || s.DownloadURL != "/api/jobs/7/result" || s.ResultURI != "s3://exports/7.mp4" {
		t.Fatalf("summary = %+v", s)
	}
	if _, err := api.job(context.Background(), 99); !errors.Is(err, errJobNotFound) {
		t.Fatalf("missing job err = %v", err)
	}
}
