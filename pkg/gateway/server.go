package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/engine"
	"github.com/harun/taskpilot/pkg/session"
)

// Engine is the part of the orchestrator the gateway drives.
type Engine interface {
	Start(ctx context.Context, task string, files []string) (string, <-chan *engine.Result, error)
	Abort()
	ActiveSession() string
}

// Server is the HTTP control surface: task submission, abort, session
// inspection and the websocket event stream.
type Server struct {
	host         string
	port         int
	writeTimeout time.Duration
	server       *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	authHandler  *AuthHandler
	broadcaster  *EventBroadcaster
	engine       Engine
	store        session.Store
	logger       zerolog.Logger

	limiter *RateLimiter

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	runs           sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Engine       Engine
	Store        session.Store
	Broadcaster  *EventBroadcaster
	Clients      *ClientRegistry
	Limits       Limits
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// NewServer creates a new Gateway Server. Pass the same Broadcaster that is
// registered as an engine observer so run events reach websocket clients.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	clients := cfg.Clients
	if clients == nil {
		clients = NewClientRegistry()
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster(clients, cfg.Logger)
	}

	observability.EnsureRegistered()

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		writeTimeout: cfg.WriteTimeout,
		clients:      clients,
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		broadcaster:  broadcaster,
		engine:       cfg.Engine,
		store:        cfg.Store,
		logger:       cfg.Logger,
		limiter:      NewRateLimiter(cfg.Limits),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // token auth, not origin checks
			},
		},
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	api.HandleFunc("POST /v1/abort", s.handleAbort)
	api.HandleFunc("GET /v1/sessions", s.handleListSessions)
	api.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	api.HandleFunc("GET /ws", s.handleWebSocket)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/", s.authHandler.Middleware(s.rateLimit(api)))
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.authHandler.Enabled()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop aborts the active run, waits for it to settle and shuts the server
// down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	if s.engine.ActiveSession() != "" {
		s.engine.Abort()
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})
	for _, client := range s.clients.All() {
		client.Close()
		s.clients.Remove(client.ID)
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleCreateTask starts a run. With ?wait=true it blocks until the run
// ends and returns the Result; otherwise it replies 202 with the session id.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"})
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "task is required"})
		return
	}

	ctx := tracing.WithTraceID(context.WithoutCancel(r.Context()), traceIDFrom(r))
	logger := tracing.LoggerFromContext(ctx, s.logger)

	id, done, err := s.engine.Start(ctx, req.Task, req.Files)
	if errors.Is(err, engine.ErrBusy) {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	logger.Info().Str("session_id", id).Msg("Gateway started execution")

	if r.URL.Query().Get("wait") == "true" {
		res := <-done
		writeJSON(w, http.StatusOK, res)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if res := <-done; res != nil {
			logger.Info().Str("session_id", res.SessionID).Str("outcome", string(res.Outcome)).Msg("Gateway execution finished")
		}
	}()
	writeJSON(w, http.StatusAccepted, TaskAccepted{SessionID: id})
}

func (s *Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	id := s.engine.ActiveSession()
	if id == "" {
		writeJSON(w, http.StatusOK, AbortResponse{Aborted: false})
		return
	}
	s.engine.Abort()
	writeJSON(w, http.StatusAccepted, AbortResponse{Aborted: true, SessionID: id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"activeSession": s.engine.ActiveSession(),
		"clients":       s.clients.Count(),
	})
}

// handleWebSocket registers a client for the event stream. ?session=<id>
// limits the stream to one run. Clients only receive; anything they send is
// read and discarded to detect disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := NewClient(clientID, conn, r.RemoteAddr)
	client.SessionFilter = r.URL.Query().Get("session")
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Str("session_filter", client.SessionFilter).
		Msg("Client connected")

	go client.writeLoop(s.writeTimeout)
	go s.readLoop(client)
}

func (s *Server) readLoop(client *Client) {
	defer func() {
		client.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID)
	}
}

// rateLimit applies the per-client limits of the request's route class.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := classify(r)
		release, retryAfter, err := s.limiter.Acquire(remoteHost(r), class)
		if err != nil {
			reason := "rate_limited"
			if errors.Is(err, ErrTooManyInFlight) {
				reason = "in_flight"
			}
			observability.RecordGatewayRejected(string(class), reason)
			s.logger.Debug().Str("class", string(class)).Str("ip", r.RemoteAddr).Err(err).Msg("Request rejected")

			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: err.Error()})
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Broadcast broadcasts an event to all clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}

func traceIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Trace-Id"); id != "" {
		return id
	}
	return tracing.NewTraceID()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
