package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/jamsync/internal/config"
	"github.com/audiolibrelab/jamsync/internal/hub"
	"github.com/audiolibrelab/jamsync/internal/metrics"
	"github.com/audiolibrelab/jamsync/internal/mix"
	"github.com/audiolibrelab/jamsync/internal/service"
	"github.com/audiolibrelab/jamsync/internal/session"
)

const (
	sessionCodeHeader = "sessioncode"
	guestNameHeader   = "guestname"
	startTimeHeader   = "starttime"
	masterHeader      = "master"
	requestIDHeader   = "X-Request-ID"

	maxCreateBodyBytes = 1 << 20
	heartbeatInterval  = 15 * time.Second
)

var errMalformedRequest = errors.New("malformed request")

// Server is the HTTP boundary in front of the session coordinator
type Server struct {
	service   service.Service
	cfg       *config.Config
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	startTime time.Time

	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// CreateSessionRequest is the body of POST /session
type CreateSessionRequest struct {
	Metadata             string `json:"metadata"`
	ExpectedContributors *int   `json:"expected_contributors"`
}

// CreateSessionResponse is returned by POST /session
type CreateSessionResponse struct {
	SessionCode string `json:"session_code"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Uptime         string    `json:"uptime"`
	ActiveSessions int       `json:"active_sessions"`
}

// New creates the HTTP server. gatherer backs /metrics; nil uses the default registry.
func New(svc service.Service, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	cfg := svc.GetConfig()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		service:    svc,
		cfg:        cfg,
		metrics:    m,
		gatherer:   gatherer,
		startTime:  time.Now(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Server.ListenAddr(),
		Handler:     s.Handler(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: event streams stay open until the session finishes.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	return s
}

// Handler returns the routed handler, useful for tests
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.withMetrics("/session", s.handleSession))
	mux.HandleFunc("/session/contribute", s.withMetrics("/session/contribute", s.handleContribute))
	mux.HandleFunc("/session/finish", s.withMetrics("/session/finish", s.handleFinish))
	mux.HandleFunc("/session/events", s.withMetrics("/session/events", s.handleEvents))
	mux.HandleFunc("/session/mix", s.withMetrics("/session/mix", s.handleMixed))
	mux.HandleFunc("/session/status", s.withMetrics("/session/status", s.handleStatus))
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start starts the web server and blocks until it stops
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting jamsync server",
		"addr", s.httpServer.Addr,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.cfg.Server.Port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.cfg.Server.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open event streams and stops accepting requests
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Stopping jamsync server...")
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}

// handleSession creates a session (POST) or returns a finished one (GET)
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		s.handleGetSession(w, r)
	default:
		s.sendMethodNotAllowed(w)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	body := http.MaxBytesReader(w, r.Body, maxCreateBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "malformed_request",
			fmt.Sprintf("Invalid request body: %v", err), "operation", "create_session")
		return
	}
	if req.ExpectedContributors == nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "malformed_request",
			"expected_contributors is required", "operation", "create_session")
		return
	}

	code, err := s.service.CreateSession(req.Metadata, *req.ExpectedContributors)
	if err != nil {
		s.sendServiceError(w, err, "operation", "create_session")
		return
	}

	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionCode: code})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	code, ok := s.requireSessionCode(w, r, "get_session")
	if !ok {
		return
	}

	data, err := s.service.GetSession(code)
	if err != nil {
		s.sendServiceError(w, err, "session_code", code, "operation", "get_session")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleContribute appends the request body to a session
func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendMethodNotAllowed(w)
		return
	}
	code, ok := s.requireSessionCode(w, r, "contribute")
	if !ok {
		return
	}

	offset, err := parseStartTime(r.Header.Get(startTimeHeader))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "malformed_request", err.Error(),
			"session_code", code, "operation", "contribute")
		return
	}

	master, err := parseMaster(r.Header.Get(masterHeader))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "malformed_request", err.Error(),
			"session_code", code, "operation", "contribute")
		return
	}

	// Reject unknown and finished sessions before buffering the upload. The
	// registry still decides under its own lock, so a race with finish is
	// caught by Contribute.
	status, err := s.service.Status(code)
	if err != nil {
		s.sendServiceError(w, err, "session_code", code, "operation", "contribute")
		return
	}
	if status.State == session.StateFinished {
		s.sendServiceError(w, session.ErrSessionFinished, "session_code", code, "operation", "contribute")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendErrorResponse(w, http.StatusRequestEntityTooLarge, "malformed_request",
				fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit), "session_code", code, "operation", "contribute")
			return
		}
		s.sendErrorResponse(w, http.StatusBadRequest, "malformed_request",
			fmt.Sprintf("Failed to read upload: %v", err), "session_code", code, "operation", "contribute")
		return
	}

	progress, err := s.service.Contribute(code, session.Contribution{
		Guest:   r.Header.Get(guestNameHeader),
		Offset:  offset,
		Master:  master,
		Payload: payload,
	})
	if err != nil {
		s.sendServiceError(w, err, "session_code", code, "operation", "contribute")
		return
	}

	s.writeJSON(w, http.StatusOK, progress)
}

// handleFinish ends a session early
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendMethodNotAllowed(w)
		return
	}
	code, ok := s.requireSessionCode(w, r, "finish")
	if !ok {
		return
	}

	if err := s.service.Finish(code); err != nil {
		s.sendServiceError(w, err, "session_code", code, "operation", "finish")
		return
	}

	s.writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Session finished"})
}

// handleEvents streams session events as Server-Sent Events until the
// session finishes or the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendMethodNotAllowed(w)
		return
	}
	code, ok := s.requireSessionCode(w, r, "observe")
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendErrorResponse(w, http.StatusInternalServerError, "internal",
			"Streaming not supported", "operation", "observe")
		return
	}

	sub, release, err := s.service.Observe(code)
	if err != nil {
		s.sendServiceError(w, err, "session_code", code, "operation", "observe")
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("Event stream opened", "session_code", code, "subscriber", sub.ID)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Event stream closed by client", "session_code", code, "subscriber", sub.ID)
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				if err := sub.Err(); err != nil {
					writeStreamError(w, err)
					flusher.Flush()
					slog.Warn("Event stream ended early", "session_code", code, "subscriber", sub.ID, "error", err)
				}
				return
			}
			frame, err := ev.MarshalSSE()
			if err != nil {
				slog.Error("Failed to encode event", "session_code", code, "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// handleMixed returns a finished session processed by the audio pipeline
func (s *Server) handleMixed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendMethodNotAllowed(w)
		return
	}
	code, ok := s.requireSessionCode(w, r, "get_mixed")
	if !ok {
		return
	}

	var opts service.MixOptions
	if raw := r.URL.Query().Get("delay"); raw != "" {
		delay, err := parseSeconds(raw)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "malformed_request",
				fmt.Sprintf("Invalid delay: %v", err), "session_code", code, "operation", "get_mixed")
			return
		}
		opts.Delay = delay
	}

	data, err := s.service.GetMixed(r.Context(), code, opts)
	if err != nil {
		s.sendServiceError(w, err, "session_code", code, "operation", "get_mixed")
		return
	}

	w.Header().Set("Content-Type", audioContentType(s.cfg.Pipeline.OutputFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleStatus reports a session without its payloads
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendMethodNotAllowed(w)
		return
	}
	code, ok := s.requireSessionCode(w, r, "status")
	if !ok {
		return
	}

	status, err := s.service.Status(code)
	if err != nil {
		s.sendServiceError(w, err, "session_code", code, "operation", "status")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleHealth implements the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendMethodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		ActiveSessions: s.service.ActiveSessions(),
	})
}

// requireSessionCode extracts the session code or answers 400
func (s *Server) requireSessionCode(w http.ResponseWriter, r *http.Request, operation string) (string, bool) {
	code := strings.TrimSpace(r.Header.Get(sessionCodeHeader))
	if code == "" {
		code = strings.TrimSpace(r.URL.Query().Get("code"))
	}
	if code == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "malformed_request",
			fmt.Sprintf("%v: missing %s header", errMalformedRequest, sessionCodeHeader), "operation", operation)
		return "", false
	}
	return code, true
}

// sendServiceError maps a core error onto its own status code and kind
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	status, kind := classifyError(err)
	s.sendErrorResponse(w, status, kind, err.Error(), logContext...)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrNotReady):
		return http.StatusTooEarly, "not_ready"
	case errors.Is(err, session.ErrSessionFinished):
		return http.StatusConflict, "session_finished"
	case errors.Is(err, session.ErrInvalidExpected):
		return http.StatusBadRequest, "malformed_request"
	case errors.Is(err, session.ErrResourceExhaustion):
		return http.StatusServiceUnavailable, "resource_exhaustion"
	case errors.Is(err, hub.ErrCapacityExceeded):
		return http.StatusServiceUnavailable, "capacity_exceeded"
	case errors.Is(err, mix.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "invalid_pipeline_request"
	case errors.Is(err, mix.ErrPipelineFailure):
		return http.StatusBadGateway, "pipeline_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, kind, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode, "kind", kind}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Debug("Sending error response to client", logFields...)
	}

	s.writeJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg, Kind: kind})
}

func (s *Server) sendMethodNotAllowed(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusMethodNotAllowed, GenericResponse{Success: false, Error: "Method not allowed", Kind: "malformed_request"})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeStreamError(w io.Writer, err error) {
	kind := "internal"
	switch {
	case errors.Is(err, hub.ErrCapacityExceeded):
		kind = "capacity_exceeded"
	case errors.Is(err, hub.ErrTopicClosed):
		kind = "session_evicted"
	}
	data, _ := json.Marshal(GenericResponse{Success: false, Error: err.Error(), Kind: kind})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}

// parseStartTime reads the guest's start offset in seconds
func parseStartTime(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := parseSeconds(raw)
	if err != nil {
		return 0, fmt.Errorf("%v: invalid %s header: %v", errMalformedRequest, startTimeHeader, err)
	}
	return d, nil
}

// parseMaster reads the flag marking the upload that sets the mix length
func parseMaster(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%v: invalid %s header: %v", errMalformedRequest, masterHeader, err)
	}
	return v, nil
}

func parseSeconds(raw string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, fmt.Errorf("must not be negative, got %v", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func audioContentType(format string) string {
	if format == "mp3" {
		return "audio/mpeg"
	}
	if t := mime.TypeByExtension("." + format); t != "" {
		return t
	}
	return "application/octet-stream"
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
