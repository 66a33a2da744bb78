package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/config"
	"github.com/cwbudde/coadd/internal/preview"
	"github.com/cwbudde/coadd/internal/store"
)

// Server represents the HTTP server
type Server struct {
	sessions *SessionManager
	cfg      *config.Config
	addr     string
	server   *http.Server

	// Autosave is the interval at which dirty sessions are written to the
	// store. Zero disables autosave.
	Autosave time.Duration
}

// NewServer creates a new HTTP server
func NewServer(addr string, sessions *SessionManager, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		sessions: sessions,
		cfg:      cfg,
		addr:     addr,
	}
}

// Handler returns the routed handler wrapped in middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionsWithID)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": coadd.ActiveBackend().String()})
	})

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	if s.Autosave > 0 {
		go s.runAutosave(ctx, s.Autosave)
	}

	slog.Info("Starting HTTP server", "addr", s.addr, "autosave", s.Autosave)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and saves dirty sessions
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.sessions.store != nil {
		if n, saveErr := s.sessions.SaveDirty(); saveErr != nil {
			slog.Error("Failed to save sessions on shutdown", "error", saveErr)
		} else if n > 0 {
			slog.Info("Saved sessions on shutdown", "count", n)
		}
	}
	return err
}

// handleSessions handles /api/v1/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		s.handleListSessions(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionsWithID handles /api/v1/sessions/:id/*
func (s *Server) handleSessionsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}
	id := parts[0]

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodDelete:
		s.handleDeleteSession(w, r, id)
	case (sub == "" || sub == "status") && r.Method == http.MethodGet:
		s.handleGetSessionStatus(w, r, id)
	case sub == "contributions" && r.Method == http.MethodPost:
		s.handleAddContribution(w, r, id)
	case sub == "save" && r.Method == http.MethodPost:
		s.handleSaveSession(w, r, id)
	case sub == "weight.png" && r.Method == http.MethodGet:
		s.handleGetWeightImage(w, r, id)
	case sub == "coadd.png" && r.Method == http.MethodGet:
		s.handleGetCoaddImage(w, r, id)
	case sub == "stream" && r.Method == http.MethodGet:
		s.handleSessionStream(w, r, id)
	case sub == "" || sub == "status" || sub == "contributions" || sub == "save" ||
		sub == "weight.png" || sub == "coadd.png" || sub == "stream":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// CreateSessionRequest is the body of POST /api/v1/sessions
type CreateSessionRequest struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mode   string `json:"mode"`
}

// handleCreateSession handles POST /api/v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if req.Width <= 0 || req.Height <= 0 {
		http.Error(w, "width and height must be positive", http.StatusBadRequest)
		return
	}
	mode, err := coadd.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.CreateSession(req.Name, req.Width, req.Height, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Status())
}

// handleListSessions handles GET /api/v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetSessionStatus handles GET /api/v1/sessions/:id[/status]
func (s *Server) handleGetSessionStatus(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// handleDeleteSession handles DELETE /api/v1/sessions/:id
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.sessions.DeleteSession(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ContributionRequest is the body of POST /api/v1/sessions/:id/contributions.
// Exposure is a directory written by `coadd import`.
type ContributionRequest struct {
	Exposure  string   `json:"exposure"`
	Weight    *float64 `json:"weight,omitempty"`    // default 1
	BadMask   *uint16  `json:"badMask,omitempty"`   // raw bits
	BadPlanes []string `json:"badPlanes,omitempty"` // plane names, OR-ed with badMask
}

// ContributionResponse reports the outcome of one contribution
type ContributionResponse struct {
	coadd.Contribution
	BadPixelMask uint16 `json:"badPixelMask"`
	Count        int    `json:"count"`
}

// handleAddContribution handles POST /api/v1/sessions/:id/contributions
func (s *Server) handleAddContribution(w http.ResponseWriter, r *http.Request, id string) {
	var req ContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Exposure == "" {
		http.Error(w, "exposure is required", http.StatusBadRequest)
		return
	}

	bad, err := s.resolveBadMask(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}

	in, _, err := store.LoadExposure(req.Exposure)
	if err != nil {
		writeError(w, err)
		return
	}

	c, err := s.sessions.Contribute(id, req.Exposure, in, bad, float32(weight))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ContributionResponse{
		Contribution: c,
		BadPixelMask: uint16(bad),
		Count:        c.Seq,
	})
}

// resolveBadMask combines the raw bits and named planes of a request. A
// request naming neither uses the configured default.
func (s *Server) resolveBadMask(req ContributionRequest) (coadd.MaskPixel, error) {
	if req.BadMask == nil && len(req.BadPlanes) == 0 {
		return s.cfg.BadPixelMask(), nil
	}
	var bad coadd.MaskPixel
	if req.BadMask != nil {
		bad = coadd.MaskPixel(*req.BadMask)
	}
	if len(req.BadPlanes) > 0 {
		bits, err := s.cfg.MaskPlanes.BitMask(req.BadPlanes...)
		if err != nil {
			return 0, err
		}
		bad |= bits
	}
	return bad, nil
}

// handleSaveSession handles POST /api/v1/sessions/:id/save
func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.sessions.SaveSession(id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// handleGetWeightImage handles GET /api/v1/sessions/:id/weight.png
func (s *Server) handleGetWeightImage(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}

	_, weights := sess.Snapshot()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := preview.Encode(w, weights, preview.Options{}); err != nil {
		slog.Error("Failed to encode PNG", "error", err)
	}
}

// handleGetCoaddImage handles GET /api/v1/sessions/:id/coadd.png.
// The coadd is finalized on a snapshot; the session keeps accumulating.
func (s *Server) handleGetCoaddImage(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}

	final, err := finalizeSnapshot(sess, s.cfg.NoDataMask())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := preview.Encode(w, final.Image, preview.Options{Low: 0.005, High: 0.995}); err != nil {
		slog.Error("Failed to encode PNG", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
