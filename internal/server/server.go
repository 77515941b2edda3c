package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/config"
	"github.com/audiolibrelab/voicecheck/internal/play"
	"github.com/audiolibrelab/voicecheck/internal/service"
)

// Server exposes the enrollment and comparison workspaces over HTTP so a
// browser or script can drive the capture host.
type Server struct {
	service    *service.Service
	capture    audio.CaptureBackend
	configFile string
	profile    string
	port       string
}

// Options configures a Server.
type Options struct {
	Service    *service.Service
	Capture    audio.CaptureBackend // for /api/sources, optional
	ConfigFile string
	Profile    string
	Port       string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Enroll        service.WorkspaceStatus `json:"enroll"`
	Compare       service.WorkspaceStatus `json:"compare"`
	BaseURL       string                  `json:"base_url"`
	ActiveProfile string                  `json:"active_profile,omitempty"`
	LastError     string                  `json:"last_error,omitempty"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is sent for every failed request.
type ErrorResponse struct {
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Kind    string              `json:"kind,omitempty"`
	Fields  []apperr.FieldError `json:"fields,omitempty"`
}

// SeekRequest moves the playback position.
type SeekRequest struct {
	PositionSeconds float64 `json:"position_seconds"`
}

// ReferenceRequest selects the reference user of the compare flow.
type ReferenceRequest struct {
	UserID string `json:"user_id"`
}

// ThresholdRequest changes the match threshold.
type ThresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

// DimensionsRequest changes the number of charted dimensions.
type DimensionsRequest struct {
	Dimensions int `json:"dimensions"`
}

// ProfilesResponse lists the profiles of the config file.
type ProfilesResponse struct {
	Profiles []string `json:"profiles"`
	Active   string   `json:"active"`
}

func New(opts Options) *Server {
	port := opts.Port
	if port == "" {
		port = "8080"
	}
	return &Server{
		service:    opts.Service,
		capture:    opts.Capture,
		configFile: opts.ConfigFile,
		profile:    opts.Profile,
		port:       port,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/sources", s.handleSources)
	mux.HandleFunc("GET /api/config/profiles", s.handleProfiles)

	// Per-flow recording and playback
	mux.HandleFunc("POST /api/flows/{flow}/record/start", s.handleStartRecording)
	mux.HandleFunc("POST /api/flows/{flow}/record/stop", s.handleStopRecording)
	mux.HandleFunc("POST /api/flows/{flow}/record/discard", s.handleDiscard)
	mux.HandleFunc("POST /api/flows/{flow}/record/save", s.handleSave)
	mux.HandleFunc("GET /api/flows/{flow}/recording", s.handleRecordingStream)
	mux.HandleFunc("POST /api/flows/{flow}/playback/toggle", s.handlePlayPause)
	mux.HandleFunc("POST /api/flows/{flow}/playback/seek", s.handleSeek)
	mux.HandleFunc("GET /api/flows/{flow}/chart", s.handleChart)
	mux.HandleFunc("POST /api/flows/{flow}/dimensions", s.handleDimensions)

	mux.HandleFunc("POST /api/compare/reference", s.handleSelectReference)
	mux.HandleFunc("POST /api/compare/threshold", s.handleThreshold)
	mux.HandleFunc("POST /api/compare/run", s.handleCompare)
	mux.HandleFunc("POST /api/enroll", s.handleEnroll)

	// Remote user management
	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("GET /api/users/{id}", s.handleGetUser)
	mux.HandleFunc("DELETE /api/users/{id}", s.handleDeleteUser)

	mux.HandleFunc("GET /api/history", s.handleHistory)

	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting VoiceCheck Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>VoiceCheck</title></head>
<body>
<h1>VoiceCheck</h1>
<p>Voice enrollment and comparison client. See <a href="/api/status">/api/status</a>.</p>
</body>
</html>`

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Enroll:        s.service.Enroll().Status(),
		Compare:       s.service.Compare().Status(),
		BaseURL:       s.service.Config().Server.BaseURL,
		ActiveProfile: s.profile,
		LastError:     s.service.GetLastError(),
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "No capture backend configured", "operation", "list_sources")
		return
	}
	sources, err := s.capture.ListSources()
	if err != nil {
		s.sendError(w, "ListSources", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend": s.capture.GetType(),
		"sources": sources,
	})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		// No config file means only the built-in defaults
		slog.Debug("Failed to list profiles", "error", err)
		profiles, active = []string{}, ""
	}
	writeJSON(w, http.StatusOK, ProfilesResponse{Profiles: profiles, Active: active})
}

// workspace resolves the {flow} path value, writing a 404 when unknown.
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (*service.Workspace, bool) {
	ws, err := s.service.Workspace(config.Flow(r.PathValue("flow")))
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "flow", r.PathValue("flow"))
		return nil, false
	}
	return ws, true
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	// The capture outlives this request
	if err := s.service.Track("StartRecording", ws.StartRecording(context.WithoutCancel(r.Context()))); err != nil {
		s.sendError(w, "StartRecording", err)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	a, err := ws.StopRecording()
	if a == nil {
		s.service.Track("StopRecording", err)
		s.sendError(w, "StopRecording", err)
		return
	}

	response := map[string]interface{}{
		"success":     true,
		"message":     "Recording stopped",
		"artifact_id": a.ID.String(),
		"duration_ns": a.Duration,
		"mime_type":   a.MIMEType,
		"size":        a.Size(),
	}
	if err != nil {
		response["playback_error"] = err.Error()
	}
	s.service.Track("StopRecording", nil)
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	ws.Discard()
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording discarded"})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	saved, err := s.service.SaveRecording(ws.Flow())
	if err != nil {
		s.sendError(w, "SaveRecording", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	a := ws.Artifact()
	if a == nil {
		http.Error(w, "No recording", http.StatusNotFound)
		return
	}
	data, err := a.Bytes()
	if err != nil {
		http.Error(w, "Recording was discarded", http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", a.MIMEType)
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, a.Filename("recording"), a.CreatedAt, bytes.NewReader(data))
}

func (s *Server) handlePlayPause(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	playing, err := ws.PlayPause()
	if err != nil {
		s.sendError(w, "PlayPause", err)
		return
	}
	st := ws.Status().Playback
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"playing":     playing,
		"position_ns": st.Position,
		"duration_ns": st.Duration,
	})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req SeekRequest
	if !s.decode(w, r, &req) {
		return
	}
	pos, err := ws.Seek(time.Duration(req.PositionSeconds * float64(time.Second)))
	if err != nil {
		s.sendError(w, "Seek", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"position_ns": pos,
	})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ws.Chart())
}

func (s *Server) handleDimensions(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req DimensionsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := ws.SetDimensions(req.Dimensions); err != nil {
		s.sendError(w, "SetDimensions", err)
		return
	}
	writeJSON(w, http.StatusOK, ws.Chart())
}

func (s *Server) handleSelectReference(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	ws := s.service.Compare()
	if err := s.service.Track("SelectReference", ws.SelectReference(r.Context(), req.UserID)); err != nil {
		s.sendError(w, "SelectReference", err)
		return
	}
	writeJSON(w, http.StatusOK, ws.Chart())
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.Compare().SetThreshold(req.Threshold); err != nil {
		s.sendError(w, "SetThreshold", err)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Threshold set to %.1f%%", req.Threshold)})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Compare().Compare(r.Context())
	if s.service.Track("Compare", err) != nil {
		s.sendError(w, "Compare", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"summary": res.Summary(),
		"message": res.Message(),
		"result":  res,
	})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req service.EnrollRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.service.Enroll().Enroll(r.Context(), req)
	if s.service.Track("Enroll", err) != nil {
		s.sendError(w, "Enroll", err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		s.sendError(w, "ListUsers", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	user, err := s.service.Remote().GetUser(r.Context(), id)
	if s.service.Track("GetUser", err) != nil {
		s.sendError(w, "GetUser", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteUser(r.Context(), id); err != nil {
		s.sendError(w, "DeleteUser", err)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("User %d deleted", id)})
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, "ParseUserID", apperr.NewValidationError("id", "must be an integer"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	store := s.service.History()
	if store == nil {
		s.sendErrorResponse(w, http.StatusNotFound, "History is disabled", "operation", "history")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.sendError(w, "History", apperr.NewValidationError("limit", "must be an integer"))
			return
		}
		limit = n
	}

	results, err := store.List(limit)
	if err != nil {
		s.sendError(w, "History", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err), "path", r.URL.Path)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var netErr *apperr.NetworkError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, apperr.ErrRecordingTooShort):
		return http.StatusUnprocessableEntity, "recording_too_short"
	case errors.Is(err, apperr.ErrDeviceAccess):
		return http.StatusServiceUnavailable, "device_access"
	case errors.As(err, &netErr):
		return http.StatusBadGateway, "network"
	case errors.Is(err, audio.ErrAlreadyRecording),
		errors.Is(err, audio.ErrNotRecording),
		errors.Is(err, play.ErrNothingLoaded),
		errors.Is(err, service.ErrStaleResult):
		return http.StatusConflict, "conflict"
	case errors.Is(err, audio.ErrArtifactReleased):
		return http.StatusGone, "released"
	default:
		return http.StatusInternalServerError, ""
	}
}

// sendError picks the status from the error kind and reports it.
func (s *Server) sendError(w http.ResponseWriter, op string, err error) {
	status, kind := statusFor(err)
	slog.Error("Sending error response to client", "operation", op, "status_code", status, "error", err)

	resp := ErrorResponse{Success: false, Error: err.Error(), Kind: kind}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	writeJSON(w, status, resp)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, ErrorResponse{Success: false, Error: errorMsg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
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
