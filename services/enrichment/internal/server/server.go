package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"aicollector/pkg/domain"
	"aicollector/services/enrichment/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
}

// Server exposes HTTP endpoints for the enrichment service.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app: cfg.App,
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/analyze", s.handleLocalAnalyze)
	s.mux.HandleFunc("/internal/ai/analyze", s.handleAnalyze)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "AI 收藏夹服务运行中"})
}

// handleLocalAnalyze serves a fixed canned response for local testing.
func (s *Server) handleLocalAnalyze(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decodeAnalyzeRequest(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponseFromAnalysis(app.CannedAnalysis(), ""))
}

// handleAnalyze runs the real adapter call with fallback.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAnalyzeRequest(w, r)
	if !ok {
		return
	}
	outcome := s.app.Analyze(r.Context(), req.Text)
	writeJSON(w, http.StatusOK, analyzeResponseFromAnalysis(outcome.Analysis, outcome.Reason))
}

func (s *Server) decodeAnalyzeRequest(w http.ResponseWriter, r *http.Request) (analyzeRequest, bool) {
	var req analyzeRequest
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return req, false
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if strings.TrimSpace(req.CollectID) == "" || strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.Metadata.UserID) == "" {
		writeError(w, http.StatusBadRequest, "collect_id, text and metadata.user_id are required")
		return req, false
	}
	return req, true
}

type analyzeRequest struct {
	CollectID string          `json:"collect_id"`
	Text      string          `json:"text"`
	Metadata  analyzeMetadata `json:"metadata"`
}

type analyzeMetadata struct {
	UserID string `json:"user_id"`
	URL    string `json:"url,omitempty"`
}

type analyzeResponse struct {
	Success    bool     `json:"success"`
	Keywords   []string `json:"keywords"`
	Category   string   `json:"category"`
	Summary    string   `json:"summary"`
	Confidence float64  `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

func analyzeResponseFromAnalysis(a domain.Analysis, reason string) analyzeResponse {
	return analyzeResponse{
		Success:    true,
		Keywords:   a.Keywords,
		Category:   a.Category,
		Summary:    a.Summary,
		Confidence: a.Confidence,
		Error:      reason,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
