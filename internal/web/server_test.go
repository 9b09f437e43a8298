package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cellfix/internal/pipeline"
)

type fakeRunner struct {
	snap     pipeline.Snapshot
	startErr error
	starts   int
}

func (f *fakeRunner) Snapshot() pipeline.Snapshot { return f.snap }

func (f *fakeRunner) Start(ctx context.Context, done func(pipeline.Result)) error {
	f.starts++
	return f.startErr
}

func newTestServer(t *testing.T, st *Status, runner Runner, logs *LogBuffer) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(Handler(context.Background(), st, runner, logs))
	t.Cleanup(ts.Close)
	return ts
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("/dev/ttyS0", "gpio0")
	runner := &fakeRunner{snap: pipeline.Snapshot{State: pipeline.StateIdle, Runs: 3}}
	ts := newTestServer(t, st, runner, nil)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "cellfix" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.ModemDevice != "/dev/ttyS0" || snap.Trigger != "gpio0" {
		t.Fatalf("snap=%+v", snap)
	}
	if snap.Pipeline.State != pipeline.StateIdle || snap.Pipeline.Runs != 3 {
		t.Fatalf("pipeline=%+v", snap.Pipeline)
	}
}

func TestAPITrigger(t *testing.T) {
	cases := []struct {
		name     string
		startErr error
		want     int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"busy", pipeline.ErrBusy, http.StatusConflict},
		{"other error", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := NewStatus()
			runner := &fakeRunner{startErr: tc.startErr}
			ts := newTestServer(t, st, runner, nil)

			resp, err := http.Post(ts.URL+"/api/trigger", "application/json", nil)
			if err != nil {
				t.Fatalf("post trigger: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status code=%d want %d", resp.StatusCode, tc.want)
			}
			if runner.starts != 1 {
				t.Fatalf("starts=%d", runner.starts)
			}
			wantWeb := uint64(0)
			if tc.startErr == nil {
				wantWeb = 1
			}
			if got := st.Snapshot(time.Time{}, pipeline.Snapshot{}).WebTriggers; got != wantWeb {
				t.Fatalf("web triggers=%d want %d", got, wantWeb)
			}
		})
	}
}

func TestAPITrigger_GetNotAllowed(t *testing.T) {
	ts := newTestServer(t, NewStatus(), &fakeRunner{}, nil)
	resp, err := http.Get(ts.URL + "/api/trigger")
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(3)
	_, _ = logs.Write([]byte("one\ntwo\nthr"))
	_, _ = logs.Write([]byte("ee\nfour\nfive\n"))
	ts := newTestServer(t, NewStatus(), nil, logs)

	resp, err := http.Get(ts.URL + "/api/logs?tail=2")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	var out LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if strings.Join(out.Lines, ",") != "four,five" {
		t.Fatalf("lines=%v", out.Lines)
	}
	if out.Dropped != 2 {
		t.Fatalf("dropped=%d want 2", out.Dropped)
	}

	resp2, err := http.Get(ts.URL + "/api/logs?tail=0")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d", resp2.StatusCode)
	}
}

func TestLogBuffer_HoldsPartialLine(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("status state=conn"))
	if lines, _ := b.Snapshot(10); len(lines) != 0 {
		t.Fatalf("partial line exposed: %v", lines)
	}
	_, _ = b.Write([]byte("ecting\r\n"))
	lines, _ := b.Snapshot(10)
	if len(lines) != 1 || lines[0] != "status state=connecting" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	for _, p := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("get %s: %v", p, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status code=%d", p, resp.StatusCode)
		}
		if p == "/metrics" && !strings.Contains(string(body), "cellfix_") {
			t.Fatalf("metrics missing cellfix collectors")
		}
	}
}
