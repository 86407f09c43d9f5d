// Package web implements the HTTP front-end: a JSON control API, a
// WebSocket event feed, and a small embedded page for driving the
// engine from a browser.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eposlab/epos/internal/archive"
	"github.com/eposlab/epos/internal/buildinfo"
	"github.com/eposlab/epos/internal/config"
	"github.com/eposlab/epos/internal/engine"
	"github.com/eposlab/epos/internal/events"
	"github.com/eposlab/epos/internal/session"
)

//go:embed static/*
var staticFiles embed.FS

// Agent is the engine surface the front-end drives. The concrete type
// is *engine.Engine; tests substitute a fake.
type Agent interface {
	Alive() bool
	Start(ctx context.Context) error
	Stop()
	Speak(message string) string
	Status() engine.Status
	Messages() []engine.PendingMessage
	Thoughts() []engine.ThoughtRecord
	Buffer() string
	ApplySeed(seed string) error
	Revive(name string) error
	Limits() (compressAt, maxContext int)
	SetLimits(compressAt, maxContext int) error
}

// History is the thought-archive query surface behind GET /api/history.
// Nil when the archive is disabled.
type History interface {
	Recent(ctx context.Context, limit int) ([]archive.Record, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP front-end server.
type Server struct {
	address    string
	port       int
	agent      Agent
	sessions   *session.Store
	seeds      *session.SeedStore
	history    History
	bus        *events.Bus
	limitsPath string
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates the front-end server. limitsPath is where adjusted
// buffer thresholds are persisted; empty disables persistence. history
// may be nil when the thought archive is disabled.
func NewServer(address string, port int, agent Agent, sessions *session.Store, seeds *session.SeedStore, history History, bus *events.Bus, limitsPath string, logger *slog.Logger) *Server {
	return &Server{
		address:    address,
		port:       port,
		agent:      agent,
		sessions:   sessions,
		seeds:      seeds,
		history:    history,
		bus:        bus,
		limitsPath: limitsPath,
		logger:     logger.With("component", "web"),
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Speak can block for minutes; the WebSocket feed never ends
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Engine lifecycle
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)

	// Dialog and observation
	mux.HandleFunc("POST /api/say", s.handleSay)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("GET /api/thoughts", s.handleThoughts)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/buffer", s.handleBuffer)

	// Session revival
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("POST /api/sessions/{name}/revive", s.handleSessionRevive)
	mux.HandleFunc("DELETE /api/sessions/{name}", s.handleSessionDelete)

	// Seeds
	mux.HandleFunc("POST /api/seed", s.handleSeedApply)
	mux.HandleFunc("GET /api/seeds", s.handleSeedList)
	mux.HandleFunc("POST /api/seeds", s.handleSeedSave)
	mux.HandleFunc("GET /api/seeds/{name}", s.handleSeedGet)
	mux.HandleFunc("DELETE /api/seeds/{name}", s.handleSeedDelete)

	// Buffer thresholds
	mux.HandleFunc("GET /api/limits", s.handleLimitsGet)
	mux.HandleFunc("PUT /api/limits", s.handleLimitsSet)

	// Live event feed
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	// Embedded front-end page
	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err) // embed is broken at build time, not a runtime condition
	}
	mux.Handle("GET /", http.FileServerFS(static))

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.agent.Status(), s.logger)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Start(r.Context()); err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.agent.Status(), s.logger)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.agent.Stop()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.agent.Status(), s.logger)
}

// sayRequest is the POST /api/say body.
type sayRequest struct {
	Message string `json:"message"`
}

// sayResponse carries the agent's reply, raw and rendered.
type sayResponse struct {
	Reply     string `json:"reply"`
	ReplyHTML string `json:"reply_html"`
}

func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if !s.agent.Alive() {
		s.errorResponse(w, http.StatusConflict, "engine is not running")
		return
	}

	reply := s.agent.Speak(req.Message)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sayResponse{Reply: reply, ReplyHTML: renderMarkdown(reply)}, s.logger)
}

// renderedMessage augments a pending message with rendered HTML for
// direct insertion into the page.
type renderedMessage struct {
	Content string    `json:"content"`
	HTML    string    `json:"html"`
	Time    time.Time `json:"time"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.agent.Messages()
	out := make([]renderedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = renderedMessage{Content: m.Content, HTML: renderMarkdown(m.Content), Time: m.Time}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": out}, s.logger)
}

func (s *Server) handleThoughts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"thoughts": s.agent.Thoughts()}, s.logger)
}

// handleHistory serves archived thoughts, newest first. The archive
// outlives resets, so this spans sessions where /api/thoughts does not.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusNotFound, "thought archive is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"history": records}, s.logger)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	buf := s.agent.Buffer()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"text": buf, "chars": len([]rune(buf))}, s.logger)
}

// limitsBody is the GET/PUT /api/limits payload.
type limitsBody struct {
	CompressAtChars int `json:"compress_at_chars"`
	MaxContextChars int `json:"max_context_chars"`
}

func (s *Server) handleLimitsGet(w http.ResponseWriter, r *http.Request) {
	compressAt, maxContext := s.agent.Limits()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, limitsBody{CompressAtChars: compressAt, MaxContextChars: maxContext}, s.logger)
}

func (s *Server) handleLimitsSet(w http.ResponseWriter, r *http.Request) {
	var body limitsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.agent.SetLimits(body.CompressAtChars, body.MaxContextChars); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limitsPath != "" {
		limits := config.BufferConfig{CompressAt: body.CompressAtChars, MaxContext: body.MaxContextChars}
		if err := config.SaveLimits(s.limitsPath, limits); err != nil {
			s.logger.Warn("limits persist failed", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}
