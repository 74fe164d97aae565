package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the remote agent session id
	SessionIDKey ContextKey = "session_id"
	// TurnIDKey is the context key for the current turn
	TurnIDKey ContextKey = "turn_id"
	// ClientIDKey is the context key for the gateway client issuing a call
	ClientIDKey ContextKey = "client_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	TurnID    string
	ClientID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithClientID adds a gateway client ID to the context
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return getString(ctx, SessionIDKey) }

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string { return getString(ctx, TurnIDKey) }

// GetClientID retrieves the client ID from the context
func GetClientID(ctx context.Context) string { return getString(ctx, ClientIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		TurnID:    GetTurnID(ctx),
		ClientID:  GetClientID(ctx),
	}
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// EnsureTraceID adds a trace ID when the context has none
func EnsureTraceID(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if GetTraceID(ctx) == "" {
		return NewRequestContext(ctx)
	}
	return ctx
}

// CloneContext copies tracing values onto a fresh background context, so a
// background task keeps its trace without inheriting the caller's cancellation.
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.SessionID != "" {
		out = WithSessionID(out, tc.SessionID)
	}
	if tc.TurnID != "" {
		out = WithTurnID(out, tc.TurnID)
	}
	if tc.ClientID != "" {
		out = WithClientID(out, tc.ClientID)
	}
	return out
}

// LoggerFromContext adds tracing context to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	c := logger.With()
	if tc.TraceID != "" {
		c = c.Str("trace_id", tc.TraceID)
	}
	if tc.SessionID != "" {
		c = c.Str("session_id", tc.SessionID)
	}
	if tc.TurnID != "" {
		c = c.Str("turn_id", tc.TurnID)
	}
	if tc.ClientID != "" {
		c = c.Str("client_id", tc.ClientID)
	}
	return c.Logger()
}
