package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/audiolibrelab/jamsync/internal/config"
	"github.com/audiolibrelab/jamsync/internal/hub"
	"github.com/audiolibrelab/jamsync/internal/metrics"
	"github.com/audiolibrelab/jamsync/internal/mix"
	"github.com/audiolibrelab/jamsync/internal/service"
	"github.com/audiolibrelab/jamsync/internal/session"
)

type testEnv struct {
	srv     *httptest.Server
	server  *Server
	svc     service.Service
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	svc, err := service.New(cfg, m)
	if err != nil {
		t.Fatalf("service.New failed: %v", err)
	}

	s := New(svc, m, reg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, server: s, svc: svc, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path, code string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if code != "" {
		req.Header.Set(sessionCodeHeader, code)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) createSession(t *testing.T, expected int) string {
	t.Helper()
	body := fmt.Sprintf(`{"metadata":"host","expected_contributors":%d}`, expected)
	resp := e.do(t, http.MethodPost, "/session", "", strings.NewReader(body), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var out CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode create response: %v", err)
	}
	if len(out.SessionCode) != session.DefaultCodeLength {
		t.Fatalf("Unexpected session code %q", out.SessionCode)
	}
	return out.SessionCode
}

func (e *testEnv) contribute(t *testing.T, code, guest, payload string) session.Progress {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/session/contribute", code, strings.NewReader(payload),
		map[string]string{guestNameHeader: guest, startTimeHeader: "1.5"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Contribute: expected 200, got %d", resp.StatusCode)
	}
	var p session.Progress
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("Failed to decode progress: %v", err)
	}
	return p
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return string(data)
}

// readFrame reads one SSE frame, skipping keep-alive comments.
func readFrame(r *bufio.Reader) (string, hub.Event, error) {
	var kind string
	var ev hub.Event
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", ev, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if kind != "" {
				return kind, ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return "", ev, err
			}
		}
	}
}

func TestServer_SessionScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.createSession(t, 2)

	events := env.do(t, http.MethodGet, "/session/events?code="+code, "", nil, nil)
	defer events.Body.Close()
	if events.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for event stream, got %d", events.StatusCode)
	}
	if ct := events.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Unexpected content type %q", ct)
	}

	p := env.contribute(t, code, "alice", "A")
	if p.Contributions != 1 || p.Expected != 2 || p.Finished {
		t.Errorf("Unexpected progress after first upload: %+v", p)
	}

	resp := env.do(t, http.MethodGet, "/session", code, nil, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusTooEarly {
		t.Errorf("Expected 425 before completion, got %d", resp.StatusCode)
	}

	p = env.contribute(t, code, "bob", "B")
	if !p.Finished {
		t.Errorf("Session should be finished after the last upload: %+v", p)
	}

	reader := bufio.NewReader(events.Body)
	wantKinds := []string{"contribution", "contribution", "finished"}
	for i, want := range wantKinds {
		kind, ev, err := readFrame(reader)
		if err != nil {
			t.Fatalf("Frame %d: %v", i, err)
		}
		if kind != want || string(ev.Kind) != want {
			t.Errorf("Frame %d: expected %s, got %s (%s)", i, want, kind, ev.Kind)
		}
		if ev.Contributions != i+1 && want != "finished" {
			t.Errorf("Frame %d: expected count %d, got %d", i, i+1, ev.Contributions)
		}
	}
	if _, _, err := readFrame(reader); !errors.Is(err, io.EOF) {
		t.Errorf("Expected stream to end after finished, got %v", err)
	}

	resp = env.do(t, http.MethodGet, "/session", code, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for finished session, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Unexpected content type %q", ct)
	}
	if body := readBody(t, resp); body != "A=====B=====" {
		t.Errorf("Unexpected session body %q", body)
	}

	resp = env.do(t, http.MethodGet, "/session", code, nil, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Session should be gone after read, got %d", resp.StatusCode)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	finished := env.createSession(t, 0)
	resp := env.do(t, http.MethodPost, "/session/finish", finished, nil, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Finish: expected 200, got %d", resp.StatusCode)
	}
	active := env.createSession(t, 3)

	tests := []struct {
		name       string
		method     string
		path       string
		code       string
		body       string
		headers    map[string]string
		wantStatus int
		wantKind   string
	}{
		{"missing code", http.MethodGet, "/session", "", "", nil, http.StatusBadRequest, "malformed_request"},
		{"unknown code", http.MethodGet, "/session", "NOPE0000", "", nil, http.StatusNotFound, "session_not_found"},
		{"unknown status", http.MethodGet, "/session/status", "NOPE0000", "", nil, http.StatusNotFound, "session_not_found"},
		{"unknown mix", http.MethodGet, "/session/mix", "NOPE0000", "", nil, http.StatusNotFound, "session_not_found"},
		{"unknown events", http.MethodGet, "/session/events", "NOPE0000", "", nil, http.StatusNotFound, "session_not_found"},
		{"unknown finish", http.MethodPost, "/session/finish", "NOPE0000", "", nil, http.StatusNotFound, "session_not_found"},
		{"negative expected", http.MethodPost, "/session", "", `{"expected_contributors":-1}`, nil, http.StatusBadRequest, "malformed_request"},
		{"missing expected", http.MethodPost, "/session", "", `{"metadata":"x"}`, nil, http.StatusBadRequest, "malformed_request"},
		{"invalid json", http.MethodPost, "/session", "", `{`, nil, http.StatusBadRequest, "malformed_request"},
		{"contribute after finish", http.MethodPost, "/session/contribute", finished, "late", nil, http.StatusConflict, "session_finished"},
		{"bad starttime", http.MethodPost, "/session/contribute", active, "x", map[string]string{startTimeHeader: "soon"}, http.StatusBadRequest, "malformed_request"},
		{"negative starttime", http.MethodPost, "/session/contribute", active, "x", map[string]string{startTimeHeader: "-1"}, http.StatusBadRequest, "malformed_request"},
		{"bad master flag", http.MethodPost, "/session/contribute", active, "x", map[string]string{masterHeader: "maybe"}, http.StatusBadRequest, "malformed_request"},
		{"not ready", http.MethodGet, "/session/mix", active, "", nil, http.StatusTooEarly, "not_ready"},
		{"bad delay", http.MethodGet, "/session/mix?delay=abc", active, "", nil, http.StatusBadRequest, "malformed_request"},
		{"empty session mix", http.MethodGet, "/session/mix", finished, "", nil, http.StatusUnprocessableEntity, "invalid_pipeline_request"},
		{"wrong method", http.MethodPut, "/session", "", "", nil, http.StatusMethodNotAllowed, "malformed_request"},
		{"wrong method contribute", http.MethodGet, "/session/contribute", active, "", nil, http.StatusMethodNotAllowed, "malformed_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			resp := env.do(t, tt.method, tt.path, tt.code, body, tt.headers)
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			var out GenericResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("Failed to decode error body: %v", err)
			}
			if out.Success {
				t.Error("Error responses must not report success")
			}
			if out.Kind != tt.wantKind {
				t.Errorf("Expected kind %q, got %q", tt.wantKind, out.Kind)
			}
		})
	}
}

func TestServer_UploadTooLarge(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxUploadBytes = 4
	env := newTestEnv(t, cfg)
	code := env.createSession(t, 1)

	resp := env.do(t, http.MethodPost, "/session/contribute", code, strings.NewReader("0123456789"), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/session/status", code, nil, nil)
	var status session.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	resp.Body.Close()
	if status.Contributions != 0 || status.State != session.StateActive {
		t.Errorf("Rejected upload must not be recorded: %+v", status)
	}
}

func TestServer_LateObserverGetsFinished(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.createSession(t, 1)
	env.contribute(t, code, "solo", "X")

	resp := env.do(t, http.MethodGet, "/session/events", code, nil, nil)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	kind, ev, err := readFrame(reader)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if kind != "finished" || ev.Code != code {
		t.Errorf("Expected replayed finished event for %s, got %s %+v", code, kind, ev)
	}
	if _, _, err := readFrame(reader); !errors.Is(err, io.EOF) {
		t.Errorf("Expected stream to end, got %v", err)
	}
}

func TestServer_ObserverDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.createSession(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/session/events?code="+code, nil)
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	if got := testutil.ToFloat64(env.metrics.Observers); got != 1 {
		t.Errorf("Expected 1 observer, got %v", got)
	}

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(env.metrics.Observers) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Observer was not released after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The session keeps working for everyone else.
	p := env.contribute(t, code, "alice", "A")
	if p.Contributions != 1 {
		t.Errorf("Unexpected progress %+v", p)
	}
}

func TestServer_EvictedSessionEndsStreamWithError(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.IdleTTL = time.Minute
	env := newTestEnv(t, cfg)
	code := env.createSession(t, 2)

	resp := env.do(t, http.MethodGet, "/session/events", code, nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	if n := env.svc.ReapIdle(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("Expected one evicted session, got %d", n)
	}

	reader := bufio.NewReader(resp.Body)
	kind, ev, err := readFrame(reader)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if kind != "error" || ev.Kind != "session_evicted" {
		t.Errorf("Expected an error frame of kind session_evicted, got %s %+v", kind, ev)
	}
	if _, _, err := readFrame(reader); !errors.Is(err, io.EOF) {
		t.Errorf("Expected stream to end, got %v", err)
	}
}

// countingReader records how much of an upload the handler consumed.
type countingReader struct {
	r    io.Reader
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func TestServer_ContributeRejectsBeforeReadingUpload(t *testing.T) {
	env := newTestEnv(t, nil)
	finished := env.createSession(t, 0)
	resp := env.do(t, http.MethodPost, "/session/finish", finished, nil, nil)
	readBody(t, resp)

	tests := []struct {
		name       string
		code       string
		wantStatus int
		wantKind   string
	}{
		{"unknown session", "NOPE0000", http.StatusNotFound, "session_not_found"},
		{"finished session", finished, http.StatusConflict, "session_finished"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &countingReader{r: strings.NewReader(strings.Repeat("x", 1<<20))}
			req := httptest.NewRequest(http.MethodPost, "/session/contribute", body)
			req.Header.Set(sessionCodeHeader, tt.code)
			rec := httptest.NewRecorder()

			env.server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var out GenericResponse
			if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
				t.Fatalf("Failed to decode error body: %v", err)
			}
			if out.Kind != tt.wantKind {
				t.Errorf("Expected kind %q, got %q", tt.wantKind, out.Kind)
			}
			if body.read != 0 {
				t.Errorf("Upload was read (%d bytes) before the session was checked", body.read)
			}
		})
	}
}

func TestServer_FinishThenRead(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.createSession(t, 5)
	env.contribute(t, code, "alice", "A")

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/session/finish", code, nil, nil)
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Finish #%d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	resp := env.do(t, http.MethodGet, "/session", code, nil, nil)
	if body := readBody(t, resp); body != "A=====" {
		t.Errorf("Unexpected body %q", body)
	}
}

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("Failed to write fake ffmpeg: %v", err)
	}
	return path
}

func TestServer_Mixed(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Binary = fakeFFmpeg(t, "cat")
	env := newTestEnv(t, cfg)
	code := env.createSession(t, 1)
	env.contribute(t, code, "alice", "mp3-bytes")

	resp := env.do(t, http.MethodGet, "/session/mix?delay=0.5", code, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Unexpected content type %q", ct)
	}
	if body := readBody(t, resp); body != "mp3-bytes" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestServer_MixedLeadsWithMaster(t *testing.T) {
	cfg := config.Default()
	// Echoes input 0 only, which is the track the mix length follows.
	cfg.Pipeline.Binary = fakeFFmpeg(t, "cat")
	env := newTestEnv(t, cfg)
	code := env.createSession(t, 2)
	env.contribute(t, code, "alice", "guest-take")
	resp := env.do(t, http.MethodPost, "/session/contribute", code, strings.NewReader("master-take"),
		map[string]string{guestNameHeader: "bob", masterHeader: "true"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Contribute: expected 200, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/session/mix", code, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "master-take" {
		t.Errorf("Expected the master upload as input 0, got %q", body)
	}
}

func TestServer_MixedPipelineFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Binary = fakeFFmpeg(t, "echo 'Invalid data found' >&2; exit 1")
	env := newTestEnv(t, cfg)
	code := env.createSession(t, 1)
	env.contribute(t, code, "alice", "garbage")

	resp := env.do(t, http.MethodGet, "/session/mix", code, nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", resp.StatusCode)
	}
	var out GenericResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if out.Kind != "pipeline_failure" || !strings.Contains(out.Error, "Invalid data found") {
		t.Errorf("Unexpected error body %+v", out)
	}

	// The session survives a failed mix.
	resp = env.do(t, http.MethodGet, "/session", code, nil, nil)
	if body := readBody(t, resp); body != "garbage=====" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, 1)

	resp := env.do(t, http.MethodGet, "/health", "", nil, nil)
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	resp.Body.Close()
	if health.Status != "healthy" || health.ActiveSessions != 1 {
		t.Errorf("Unexpected health %+v", health)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Error("Expected a request ID header")
	}

	body := readBody(t, env.do(t, http.MethodGet, "/metrics", "", nil, nil))
	for _, name := range []string{"jamsync_http_requests_total", "jamsync_sessions_created_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Metrics output missing %s", name)
		}
	}
}

func TestServer_RequestSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	svc, err := service.New(config.Default(), m)
	if err != nil {
		t.Fatalf("service.New failed: %v", err)
	}
	handler := New(svc, m, reg).Handler()

	req := httptest.NewRequest(http.MethodGet, "/session/status", nil)
	req.Header.Set(sessionCodeHeader, "NOPE0000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /session/status" {
		t.Errorf("Unexpected span name %q", spans[0].Name())
	}
	var status int64
	for _, kv := range spans[0].Attributes() {
		if kv.Key == attribute.Key("http.response.status_code") {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("Expected status attribute 404, got %d", status)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{fmt.Errorf("wrap: %w", session.ErrSessionNotFound), http.StatusNotFound},
		{session.ErrNotReady, http.StatusTooEarly},
		{session.ErrSessionFinished, http.StatusConflict},
		{session.ErrInvalidExpected, http.StatusBadRequest},
		{session.ErrResourceExhaustion, http.StatusServiceUnavailable},
		{hub.ErrCapacityExceeded, http.StatusServiceUnavailable},
		{mix.ErrInvalidRequest, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: exit status 1", mix.ErrPipelineFailure), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if status, _ := classifyError(tt.err); status != tt.wantStatus {
			t.Errorf("classifyError(%v) = %d, want %d", tt.err, status, tt.wantStatus)
		}
	}
}

func TestParseSeconds(t *testing.T) {
	if d, err := parseSeconds("1.5"); err != nil || d != 1500*time.Millisecond {
		t.Errorf("parseSeconds(1.5) = %v, %v", d, err)
	}
	if _, err := parseSeconds("-2"); err == nil {
		t.Error("Expected error for negative seconds")
	}
	if d, err := parseStartTime(""); err != nil || d != 0 {
		t.Errorf("Empty start time should be zero, got %v, %v", d, err)
	}
}
