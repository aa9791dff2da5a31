package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"

	"github.com/audiolibrelab/voicecapture/internal/audio"
	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/config"
	"github.com/audiolibrelab/voicecapture/internal/observe"
	"github.com/audiolibrelab/voicecapture/internal/service"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
	"github.com/audiolibrelab/voicecapture/internal/upload"
)

// Server represents the web server for controlling voice capture
type Server struct {
	service    *service.Service
	cfg        *config.Config
	configFile string
	port       string

	metrics        *observe.Metrics
	metricsHandler http.Handler
}

// Options configures optional parts of the server.
type Options struct {
	// ConfigFile is listed by /config/profiles; empty disables the route.
	ConfigFile string
	// Metrics records request latency; nil selects the default metrics.
	Metrics *observe.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// StatusResponse represents the JSON response for the capture status endpoint
type StatusResponse struct {
	Session   capture.Session    `json:"session"`
	Size      string             `json:"size"`
	Message   string             `json:"message,omitempty"`
	Challenge *service.Challenge `json:"challenge,omitempty"`
}

// FileInfo describes a saved recording in the output directory
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModifiedTime time.Time `json:"modified_time"`
	Modified     string    `json:"modified"`
}

// FilesResponse represents the JSON response for the files endpoint
type FilesResponse struct {
	Files     []FileInfo `json:"files"`
	Directory string     `json:"directory"`
}

// SourcesResponse represents the JSON response for the sources endpoint
type SourcesResponse struct {
	Sources []audio.Source `json:"sources"`
}

// ProfilesResponse lists the configuration profiles
type ProfilesResponse struct {
	Profiles []string `json:"profiles"`
	Active   string   `json:"active"`
}

// Event is one websocket message of the capture event stream.
type Event struct {
	Type    string          `json:"type"`
	Session capture.Session `json:"session"`
	Size    string          `json:"size"`
}

type userRequest struct {
	UserID int `json:"user_id"`
}

type saveRequest struct {
	Name string `json:"name"`
	WAV  bool   `json:"wav"`
}

// New creates a server for svc listening on port.
func New(svc *service.Service, port string, opts Options) *Server {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		service:        svc,
		cfg:            svc.Config(),
		configFile:     opts.ConfigFile,
		port:           port,
		metrics:        metrics,
		metricsHandler: opts.MetricsHandler,
	}
}

// Handler returns the routed handler wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /sources", s.handleSources)
	mux.HandleFunc("GET /config/profiles", s.handleProfiles)

	mux.HandleFunc("GET /api/capture/{kind}", s.handleStatus)
	mux.HandleFunc("POST /api/capture/{kind}/start", s.handleStart)
	mux.HandleFunc("POST /api/capture/{kind}/stop", s.handleStop)
	mux.HandleFunc("POST /api/capture/{kind}/discard", s.handleDiscard)
	mux.HandleFunc("POST /api/capture/{kind}/save", s.handleSave)
	mux.HandleFunc("GET /api/capture/{kind}/recording", s.handleRecording)
	mux.HandleFunc("GET /api/capture/{kind}/wav", s.handleWAV)
	mux.HandleFunc("GET /api/capture/{kind}/events", s.handleEvents)

	mux.HandleFunc("POST /api/enroll", s.handleEnroll)
	mux.HandleFunc("POST /api/challenge", s.handleChallenge)
	mux.HandleFunc("POST /api/challenge/verify", s.handleVerify)

	mux.HandleFunc("GET /api/files", s.handleFiles)
	mux.HandleFunc("GET /api/files/download/{name}", s.handleFileDownload)

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting voice capture web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleIndex serves a minimal landing page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Voice Capture</title>
</head>
<body>
    <h1>Voice Capture</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /api/capture/{enrollment|challenge}/start - Start recording</li>
        <li>POST /api/capture/{kind}/stop - Stop recording</li>
        <li>POST /api/capture/{kind}/discard - Discard the recording</li>
        <li>GET /api/capture/{kind} - Get status</li>
        <li>GET /api/capture/{kind}/recording - Download the recording</li>
        <li>GET /api/capture/{kind}/wav - Download the recording as WAV</li>
        <li>GET /api/capture/{kind}/events - Websocket status stream</li>
        <li>POST /api/enroll - Upload the enrollment sample</li>
        <li>POST /api/challenge - Request a challenge phrase</li>
        <li>POST /api/challenge/verify - Verify the challenge recording</li>
    </ul>
</body>
</html>`

func (s *Server) kind(w http.ResponseWriter, r *http.Request) (capture.Kind, bool) {
	kind, err := capture.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "kind", r.PathValue("kind"))
		return "", false
	}
	return kind, true
}

// handleStatus returns the session of one capture kind
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	sess, err := s.service.CaptureStatus(kind)
	if err != nil {
		s.sendServiceError(w, err, "operation", "status", "kind", kind)
		return
	}

	response := StatusResponse{
		Session: sess,
		Size:    humanize.Bytes(uint64(sess.Bytes)),
		Message: s.statusMessage(sess),
	}
	if kind == capture.KindChallenge {
		if ch, ok := s.service.ActiveChallenge(); ok {
			response.Challenge = ch
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) statusMessage(sess capture.Session) string {
	switch sess.State {
	case capture.StateAcquiring:
		return "Waiting for microphone access"
	case capture.StateRecording:
		if sess.MaxDurationSeconds > 0 {
			return fmt.Sprintf("Recording - %ds remaining", sess.RemainingSeconds)
		}
		return fmt.Sprintf("Recording - %ds", sess.ElapsedSeconds)
	case capture.StateStopping:
		return "Finishing recording"
	case capture.StateReady:
		if sess.Partial {
			return "Recording ready (partial)"
		}
		return "Recording ready"
	case capture.StateFailed:
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return sess.Error
	default:
		return ""
	}
}

// handleStart starts a session. It answers once the microphone was granted.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	slog.Info("Server: starting capture", "kind", kind)
	if err := s.service.StartCapture(r.Context(), kind); err != nil {
		s.sendServiceError(w, err, "operation", "start", "kind", kind)
		return
	}
	s.sendSession(w, kind, "Recording started")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	if err := s.service.StopCapture(kind); err != nil {
		s.sendServiceError(w, err, "operation", "stop", "kind", kind)
		return
	}
	s.sendSession(w, kind, "Recording stopping")
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	if err := s.service.DiscardCapture(kind); err != nil {
		s.sendServiceError(w, err, "operation", "discard", "kind", kind)
		return
	}
	s.sendSession(w, kind, "Recording discarded")
}

func (s *Server) sendSession(w http.ResponseWriter, kind capture.Kind, message string) {
	sess, _ := s.service.CaptureStatus(kind)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
		"session": sess,
	})
}

// handleSave writes the recording into the output directory
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	var req saveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "save")
			return
		}
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("%s_%s", kind, time.Now().Format("20060102_150405"))
	}

	var (
		path string
		err  error
	)
	dir := s.cfg.Output.Directory
	if req.WAV {
		path, err = s.service.SaveWAV(r.Context(), kind, dir, req.Name)
	} else {
		path, err = s.service.SaveRecording(kind, dir, req.Name)
	}
	if err != nil {
		s.sendServiceError(w, err, "operation", "save", "kind", kind)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"file":    filepath.Base(path),
	})
}

// handleRecording serves the recording exactly as captured
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	rec, err := s.service.Recording(kind)
	if err != nil {
		s.sendServiceError(w, err, "operation", "recording", "kind", kind)
		return
	}
	writeArtifact(w, transcode.Native(rec.Data, rec.MIMEType, string(kind)))
}

// handleWAV serves the recording converted to WAV
func (s *Server) handleWAV(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	wav, err := s.service.RecordingWAV(r.Context(), kind, string(kind))
	if err != nil {
		s.sendServiceError(w, err, "operation", "wav", "kind", kind)
		return
	}
	writeArtifact(w, wav)
}

func writeArtifact(w http.ResponseWriter, a *transcode.Artifact) {
	w.Header().Set("Content-Type", a.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	w.Write(a.Data)
}

// handleEvents streams session snapshots over a websocket until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	updates := make(chan capture.Session, 16)
	unsubscribe, err := s.service.Subscribe(kind, func(sess capture.Session) {
		select {
		case updates <- sess:
		default:
			slog.Debug("Dropping session event for slow websocket client", "kind", kind, "state", sess.State)
		}
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer unsubscribe()

	slog.Debug("Websocket client connected", "kind", kind, "remote", r.RemoteAddr)

	sess, _ := s.service.CaptureStatus(kind)
	if err := writeEvent(ctx, conn, sess); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Websocket client disconnected", "kind", kind)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case sess := <-updates:
			if err := writeEvent(ctx, conn, sess); err != nil {
				slog.Debug("Websocket write failed", "kind", kind, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, sess capture.Session) error {
	data, err := json.Marshal(Event{
		Type:    "session",
		Session: sess,
		Size:    humanize.Bytes(uint64(sess.Bytes)),
	})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (s *Server) decodeUser(w http.ResponseWriter, r *http.Request, operation string) (int, bool) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", operation)
		return 0, false
	}
	if req.UserID <= 0 {
		s.sendErrorResponse(w, http.StatusBadRequest, "user_id is required", "operation", operation)
		return 0, false
	}
	return req.UserID, true
}

// handleEnroll uploads the enrollment recording as WAV
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.decodeUser(w, r, "enroll")
	if !ok {
		return
	}
	info, err := s.service.CheckEnrollmentQuota(r.Context(), userID)
	if err != nil {
		s.sendServiceError(w, err, "operation", "enroll", "user_id", userID)
		return
	}
	res, err := s.service.SubmitEnrollment(r.Context(), userID)
	if err != nil {
		s.sendServiceError(w, err, "operation", "enroll", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"message":         res.Message,
		"enrollment":      res,
		"max_enrollments": info.MaxEnrollments,
	})
}

// handleChallenge requests a challenge phrase for a user
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.decodeUser(w, r, "challenge")
	if !ok {
		return
	}
	ch, err := s.service.RequestChallenge(r.Context(), userID)
	if err != nil {
		s.sendServiceError(w, err, "operation", "challenge", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"challenge": ch,
	})
}

// handleVerify submits the challenge recording for verification
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.decodeUser(w, r, "verify")
	if !ok {
		return
	}
	res, err := s.service.SubmitChallenge(r.Context(), userID)
	if err != nil {
		s.sendServiceError(w, err, "operation", "verify", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": res.Success,
		"result":  res,
	})
}

// handleSources lists the capture sources of the configured backend
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := audio.ListSources(s.cfg)
	if err != nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("Failed to list sources: %v", err), "operation", "sources")
		return
	}
	if sources == nil {
		sources = []audio.Source{}
	}
	writeJSON(w, http.StatusOK, SourcesResponse{Sources: sources})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if s.configFile == "" {
		writeJSON(w, http.StatusOK, ProfilesResponse{Profiles: []string{}, Active: s.cfg.Profile})
		return
	}
	names, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read profiles: %v", err), "operation", "profiles")
		return
	}
	writeJSON(w, http.StatusOK, ProfilesResponse{Profiles: names, Active: active})
}

// handleFiles lists saved recordings, newest first
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	dir := s.cfg.Output.Directory
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read output directory: %v", err), "directory", dir)
		return
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isRecording(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Debug("Failed to stat file", "file", entry.Name(), "error", err)
			continue
		}
		files = append(files, FileInfo{
			Name:         entry.Name(),
			Size:         info.Size(),
			SizeHuman:    humanize.Bytes(uint64(info.Size())),
			ModifiedTime: info.ModTime(),
			Modified:     humanize.Time(info.ModTime()),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModifiedTime.After(files[j].ModifiedTime)
	})
	writeJSON(w, http.StatusOK, FilesResponse{Files: files, Directory: dir})
}

func isRecording(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".ogg", ".webm", ".m4a", ".mp3":
		return true
	}
	return false
}

// handleFileDownload serves a saved recording
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("name")
	// Validate filename (prevent path traversal)
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) || !isRecording(filename) {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid filename", "file", filename)
		return
	}
	path := filepath.Join(s.cfg.Output.Directory, filename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.sendErrorResponse(w, http.StatusNotFound, "File not found", "file", filename)
		} else {
			s.sendErrorResponse(w, http.StatusInternalServerError, "Error accessing file", "file", filename, "error", err)
		}
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Error accessing file", "file", filename, "error", err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// statusFor maps service and capture errors onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *upload.APIError
	switch {
	case errors.Is(err, service.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrSessionAlreadyActive), errors.Is(err, capture.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrChallengeExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrNoChallenge):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEnrollmentLimit):
		return http.StatusForbidden
	case errors.Is(err, transcode.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, capture.ErrDisposed):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, statusFor(err), err.Error(), logContext...)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Warn("Sending error response to client", logFields...)
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write JSON response", "error", err)
	}
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
