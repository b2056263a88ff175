package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/coach"
	"github.com/ent0n29/pitchcoach/internal/config"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/results"
	"github.com/ent0n29/pitchcoach/internal/scenario"
	"github.com/ent0n29/pitchcoach/internal/session"
)

const (
	maxBodyBytes   = 1 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	EndSession(sessionID string) bool
}

// Coach backs /api/chat and /api/analyze.
type Coach interface {
	Chat(ctx context.Context, req coach.ChatRequest) (coach.ChatResponse, error)
	Analyze(ctx context.Context, req coach.AnalyzeRequest) (string, error)
}

// Deps are the collaborators of the HTTP surface. Nil members disable the
// routes that need them.
type Deps struct {
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Coach        Coach
	Catalog      *scenario.Catalog
	Results      results.Store
	Metrics      *observability.Metrics
	Logger       zerolog.Logger

	// Resolved provider names, reported by the onboarding status.
	BrainName string
	TTSName   string
	StoreMode string
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	coach        Coach
	catalog      *scenario.Catalog
	results      results.Store
	metrics      *observability.Metrics
	logger       zerolog.Logger
	upgrader     websocket.Upgrader

	brainName string
	ttsName   string
	storeMode string
}

func New(cfg config.Config, deps Deps) *Server {
	catalog := deps.Catalog
	if catalog == nil {
		catalog = scenario.Default()
	}
	return &Server{
		cfg:          cfg,
		sessions:     deps.Sessions,
		orchestrator: deps.Orchestrator,
		coach:        deps.Coach,
		catalog:      catalog,
		results:      deps.Results,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With().Str("component", "httpapi").Logger(),
		brainName:    deps.BrainName,
		ttsName:      deps.TTSName,
		storeMode:    deps.StoreMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may drive a rehearsal unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/chat", s.handleChat)
	r.Post("/api/analyze", s.handleAnalyze)

	r.Get("/v1/scenarios", s.handleListScenarios)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/history", s.handleHistory)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"brain":        s.brainName,
		"tts":          s.ttsName,
		"results_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil || s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "conversation runtime not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return errEmptyBody
	}
	return sonic.Unmarshal(raw, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
