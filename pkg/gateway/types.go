package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated event. Seq increases by one per event
// across the whole server, so clients can detect gaps.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	RemoteAddr    string    `json:"remoteAddr"`
	Idle          bool      `json:"idle"`
}

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	SessionNotActive       = -32010
	SessionBusy            = -32011
	CredentialMissing      = -32012
	RemoteFailure          = -32013
	ShuttingDown           = -32014
)

const writeTimeout = 10 * time.Second

// Client is a connected WebSocket client. Writes are serialized because
// responses and broadcasts share the connection.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	RemoteAddr  string
	Limiter     *RateLimiter

	mu            sync.Mutex
	authenticated bool
	challenge     string
	authAttempts  int
	lastActivity  time.Time

	writeMu sync.Mutex
}

// NewClient wraps an upgraded connection
func NewClient(id string, conn *websocket.Conn, remoteAddr string) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		RemoteAddr:   remoteAddr,
		Limiter:      NewRateLimiter(DefaultRequestsPerMinute, DefaultMaxConcurrent),
		lastActivity: now,
	}
}

// Authenticated reports whether the client passed the challenge
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) setAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.challenge = ""
	c.authAttempts = 0
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Info returns a snapshot of the client for status output
func (c *Client) Info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		RemoteAddr:    c.RemoteAddr,
		Idle:          now.Sub(c.lastActivity) > 5*time.Minute,
	}
}

// WriteJSON sends v as one text frame
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}

// WriteMessage sends a pre-encoded text frame
func (c *Client) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}
