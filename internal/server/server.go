package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/service"
	"github.com/audiolibrelab/sessionstate/internal/session"
)

// operationTimeout bounds a single save, cleanup or archive request.
const operationTimeout = 10 * time.Minute

// Server is the HTTP control surface of an open session.
type Server struct {
	service    service.Service
	cfg        *config.Config
	configFile string
	addr       string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	ActiveProfile string `json:"active_profile,omitempty"`
}

type SnapshotsResponse struct {
	Current   string   `json:"current"`
	Snapshots []string `json:"snapshots"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type CleanupResponse struct {
	Success          bool     `json:"success"`
	Aborted          bool     `json:"aborted"`
	Files            []string `json:"files"`
	Bytes            int64    `json:"bytes"`
	BytesHuman       string   `json:"bytes_human"`
	DeletedPlaylists int      `json:"deleted_playlists"`
}

type ArchiveResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	URL     string `json:"url,omitempty"`
	Files   int    `json:"files"`
}

// New creates a server for cfg. addr is a listen address such as
// "127.0.0.1:8090"; empty means the configured metrics.listen.
func New(cfg *config.Config, configFile, addr string) *Server {
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	return &Server{
		service:    service.New(cfg, configFile, nil),
		cfg:        cfg,
		configFile: configFile,
		addr:       addr,
	}
}

// Service exposes the façade so callers can open a session before Start.
func (s *Server) Service() service.Service {
	return s.service
}

// Handler returns the routes of the control server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/snapshots", s.handleSnapshots)
	mux.HandleFunc("/open", s.handleOpen)
	mux.HandleFunc("/save", s.handleSave)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.HandleFunc("/archive", s.handleArchive)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	_, port, _ := net.SplitHostPort(s.addr)
	slog.Info("Starting session control server",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if err := s.service.Close(); err != nil {
			slog.Warn("Failed to close session", "error", err)
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:        s.service.Status(),
		ActiveProfile: activeProfile(s.configFile),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	sessions, err := s.service.ListSessions()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "list_sessions")
		return
	}
	if sessions == nil {
		sessions = []service.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	sess := s.service.Current()
	if sess == nil {
		s.sendErrorResponse(w, http.StatusConflict, "No session open", "operation", "snapshots")
		return
	}
	names, err := sess.Snapshots()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "snapshots")
		return
	}
	writeJSON(w, http.StatusOK, SnapshotsResponse{Current: sess.Snapshot(), Snapshots: names})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !parseForm(w, r) {
		return
	}
	name := r.FormValue("session")
	if name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Session name is required", "operation", "open")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	if err := s.service.Open(ctx, name, r.FormValue("snapshot")); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to open session: %v", err), "session", name)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Session opened"})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !parseForm(w, r) {
		return
	}
	snapshot := r.FormValue("snapshot")
	switchTo := r.FormValue("switch") == "true"
	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()

	var err error
	if r.FormValue("pending") == "true" {
		err = s.service.SavePending(ctx)
	} else {
		err = s.service.Save(ctx, snapshot, switchTo)
	}
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to save: %v", err), "snapshot", snapshot)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Session saved"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	rep, err := s.service.Cleanup(ctx)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Cleanup failed: %v", err), "operation", "cleanup")
		return
	}
	files := rep.Paths
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, CleanupResponse{
		Success:          true,
		Aborted:          rep.Aborted,
		Files:            files,
		Bytes:            rep.Bytes,
		BytesHuman:       formatBytes(rep.Bytes),
		DeletedPlaylists: rep.DeletedPlaylists,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !parseForm(w, r) {
		return
	}
	dest := r.FormValue("dest")
	if dest == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Archive destination is required", "operation", "archive")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	res, err := s.service.Archive(ctx, dest, r.FormValue("encode"), r.FormValue("upload") == "true")
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Archive failed: %v", err), "dest", dest)
		return
	}
	writeJSON(w, http.StatusOK, ArchiveResponse{
		Success: true,
		Path:    res.Path,
		URL:     res.URL,
		Files:   len(res.Manifest.Files),
	})
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrMissingAsset):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrRecording),
		errors.Is(err, session.ErrNameCollision), errors.Is(err, session.ErrReadOnly):
		return http.StatusConflict
	case errors.Is(err, session.ErrSchemaVersion), errors.Is(err, session.ErrSampleRateMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoSession):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func parseForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Failed to parse form",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]any{
		"success": false,
		"error":   errorMsg,
	})
}

// activeProfile reads the profile selected in the config file.
func activeProfile(configFile string) string {
	if configFile == "" {
		return ""
	}
	root, err := config.ValidateConfigurationFormat(configFile)
	if err != nil {
		slog.Warn("Failed to read config file for active profile", "error", err)
		return ""
	}
	return root.ActiveConfig
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
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
