package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/coldline-ai/coldline/internal/config"
	"github.com/coldline-ai/coldline/internal/feedback"
	"github.com/coldline-ai/coldline/internal/history"
	"github.com/coldline-ai/coldline/internal/observability"
	"github.com/coldline-ai/coldline/internal/persona"
	"github.com/coldline-ai/coldline/internal/voice"
)

// Scorer grades a finished call transcript.
type Scorer interface {
	Score(ctx context.Context, transcript []history.Entry, personaID string) (feedback.Report, error)
}

type Server struct {
	cfg          config.Config
	orchestrator *voice.Orchestrator
	scorer       Scorer
	personas     *persona.Registry
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orchestrator *voice.Orchestrator, scorer Scorer, personas *persona.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		scorer:       scorer,
		personas:     personas,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser connections from the same origin unless
				// explicitly opened up; non-browser clients omit Origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/api/perf/latency", s.handlePerfLatency)
	r.Post("/api/feedback", s.handleFeedback)
	r.Get("/ws/agent", s.handleAgentWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

type feedbackRequest struct {
	Transcript []history.Entry `json:"transcript"`
	Persona    string          `json:"persona"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, err := s.personas.Lookup(req.Persona); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_persona", err.Error())
		return
	}

	report, err := s.scorer.Score(r.Context(), req.Transcript, req.Persona)
	if err != nil {
		if strings.Contains(err.Error(), "transcript") {
			respondError(w, http.StatusBadRequest, "invalid_transcript", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "scoring_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
