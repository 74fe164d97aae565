package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jasonkneen/claudesky/internal/observability"
	"github.com/jasonkneen/claudesky/internal/tracing"
	"github.com/jasonkneen/claudesky/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const maxRequestBytes = 32 << 20

// Server exposes one session controller over WebSocket and HTTP JSON-RPC and
// broadcasts its events to authenticated WebSocket clients.
type Server struct {
	host        string
	port        int
	controller  *agent.Controller
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	server   *http.Server
	listener net.Listener

	defaultsMu sync.RWMutex
	defaults   agent.Options

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int // 0 picks a free port
	SharedSecret string
	Controller   *agent.Controller
	// Defaults are applied to session.start before request parameters.
	Defaults agent.Options
	Logger   zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		controller:  cfg.Controller,
		defaults:    cfg.Defaults,
		clients:     clients,
		router:      NewRPCRouter(),
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if !s.auth.Enabled() {
		logger.Warn().Msg("Gateway shared secret is empty, authentication disabled")
	}

	s.registerSessionMethods()
	return s, nil
}

// Handler returns the HTTP handler serving /ws, /rpc, /metrics and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"session": s.controller.Snapshot().Phase,
		})
	})
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight requests, closes client connections and shuts the
// HTTP server down. The controller's session is left to the caller.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.broadcaster.Broadcast("server.shutdown", "", map[string]string{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	for _, client := range s.clients.All() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

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
	conn.SetReadLimit(maxRequestBytes)

	client := NewClient(gonanoid.Must(), conn, r.RemoteAddr)
	s.clients.Add(client)
	observability.SetGatewayClients(s.clients.Count())

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to greet client")
		s.disconnect(client)
		return
	}

	go s.handleClient(client)
}

// greet sends the auth challenge, or admits the client when auth is disabled
func (s *Server) greet(client *Client) error {
	if !s.auth.Enabled() {
		client.setAuthenticated()
		return client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	}

	challenge, err := s.auth.Challenge(client)
	if err != nil {
		return err
	}
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) disconnect(client *Client) {
	client.Conn.Close()
	s.clients.Remove(client.ID)
	observability.SetGatewayClients(s.clients.Count())
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		s.disconnect(client)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	ctx, cancel := context.WithCancel(tracing.WithClientID(context.Background(), client.ID))
	defer cancel()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		if !s.handleMessage(ctx, client, message) {
			return
		}
	}
}

// handleMessage processes one inbound frame. It returns false when the
// connection should be closed.
func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", asRPCError(err))
		return true
	}

	if !client.Authenticated() {
		s.sendError(client, req.ID, &RPCError{Code: AuthenticationRequired, Message: "Authentication required"})
		return true
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, &RPCError{Code: ShuttingDown, Message: "Server is shutting down"})
		return true
	}

	release, limitErr := client.Limiter.Acquire()
	if limitErr != nil {
		s.sendError(client, req.ID, limitErr)
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer release()

		reqCtx := tracing.NewRequestContext(ctx)
		logger := tracing.LoggerFromContext(reqCtx, s.logger)
		logger.Debug().Str("requestId", req.ID).Str("method", req.Method).Msg("Gateway received RPC request")

		response := s.router.RouteRequest(reqCtx, req)
		if err := client.WriteJSON(response); err != nil {
			logger.Error().
				Err(err).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result, exhausted := s.auth.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		return !exhausted
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	return true
}

// handleRPC serves single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.CheckRequest(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", asRPCError(err)))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := r.Context()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	ctx = tracing.EnsureTraceID(ctx)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: ParseError, Message: err.Error()}
}

func (s *Server) sendError(client *Client, requestID string, rpcErr *RPCError) {
	if err := client.WriteJSON(errorResponse(requestID, rpcErr)); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends a named event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, s.controller.SessionID(), data)
}

// SetDefaults replaces the session defaults used by later session.start calls
func (s *Server) SetDefaults(opts agent.Options) {
	s.defaultsMu.Lock()
	s.defaults = opts
	s.defaultsMu.Unlock()
}

func (s *Server) sessionDefaults() agent.Options {
	s.defaultsMu.RLock()
	defer s.defaultsMu.RUnlock()
	return s.defaults
}

// RegisterMethod registers an additional RPC method
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// ConnectedClients returns information about all connected clients
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Infos()
}
