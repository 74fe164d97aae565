package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jasonkneen/claudesky/pkg/agent"
	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime"
)

const stopTimeout = 30 * time.Second

// StartParams are the session.start parameters. Zero values fall back to the
// server's session defaults.
type StartParams struct {
	Model             string            `json:"model,omitempty"`
	MaxThinkingTokens *int              `json:"max_thinking_tokens,omitempty"`
	WorkingDir        string            `json:"working_dir,omitempty"`
	PermissionMode    string            `json:"permission_mode,omitempty"`
	AllowedTools      []string          `json:"allowed_tools,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Resume            string            `json:"resume,omitempty"`
}

// SendParams are the session.send parameters
type SendParams struct {
	Text            string               `json:"text"`
	Images          []messagequeue.Image `json:"images,omitempty"`
	ParentToolUseID string               `json:"parent_tool_use_id,omitempty"`
}

// StopParams are the session.stop parameters
type StopParams struct {
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// SetModelParams are the session.setModel parameters
type SetModelParams struct {
	Model string `json:"model"`
}

// StatusResult is returned by session.status
type StatusResult struct {
	Session agent.State  `json:"session"`
	Clients []ClientInfo `json:"clients"`
	Seq     int64        `json:"seq"`
	Methods []string     `json:"methods"`
}

func (s *Server) registerSessionMethods() {
	_ = s.router.RegisterMethod("session.start", s.handleStart)
	_ = s.router.RegisterMethod("session.send", s.handleSend)
	_ = s.router.RegisterMethod("session.interrupt", s.handleInterrupt)
	_ = s.router.RegisterMethod("session.stop", s.handleStop)
	_ = s.router.RegisterMethod("session.setModel", s.handleSetModel)
	_ = s.router.RegisterMethod("session.status", s.handleStatus)
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}

// controllerError maps controller errors onto RPC error codes
func controllerError(err error) error {
	var remote *agent.RemoteStreamError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, agent.ErrNotActive):
		return &RPCError{Code: SessionNotActive, Message: err.Error()}
	case errors.Is(err, agent.ErrInvalidState):
		return &RPCError{Code: SessionBusy, Message: err.Error()}
	case errors.Is(err, credential.ErrInvalidCredential):
		return &RPCError{Code: CredentialMissing, Message: err.Error()}
	case errors.As(err, &remote):
		return &RPCError{Code: RemoteFailure, Message: err.Error(), Data: remote.Op}
	default:
		return err
	}
}

func (s *Server) handleStart(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params StartParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	opts := s.sessionDefaults()
	if params.Model != "" {
		opts.Model = params.Model
	}
	if params.MaxThinkingTokens != nil {
		opts.MaxThinkingTokens = *params.MaxThinkingTokens
	}
	if params.WorkingDir != "" {
		opts.WorkingDir = params.WorkingDir
	}
	if params.PermissionMode != "" {
		mode, err := runtime.ParsePermissionMode(params.PermissionMode)
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
		opts.PermissionMode = mode
	}
	if params.AllowedTools != nil {
		opts.AllowedTools = params.AllowedTools
	}
	if len(params.Env) > 0 {
		env := make(map[string]string, len(opts.Env)+len(params.Env))
		for k, v := range opts.Env {
			env[k] = v
		}
		for k, v := range params.Env {
			env[k] = v
		}
		opts.Env = env
	}
	opts.Resume = params.Resume

	if _, err := s.controller.Start(ctx, opts, s.broadcaster.SessionSink()); err != nil {
		return nil, controllerError(err)
	}

	state := s.controller.Snapshot()
	s.broadcaster.Broadcast("session.started", state.SessionID, state)
	return state, nil
}

func (s *Server) handleSend(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params SendParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Text) == "" && len(params.Images) == 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "text or images required"}
	}

	msg := messagequeue.Message{
		Text:            params.Text,
		Images:          params.Images,
		ParentToolUseID: params.ParentToolUseID,
	}
	if err := s.controller.SendMessage(ctx, msg); err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"accepted": true}, nil
}

func (s *Server) handleInterrupt(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	interrupted, err := s.controller.Interrupt(ctx)
	if err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"interrupted": interrupted}, nil
}

func (s *Server) handleStop(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params StopParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	sessionID := s.controller.SessionID()
	if err := s.controller.Stop(ctx, agent.StopOptions{ResumeSessionID: params.ResumeSessionID}); err != nil {
		return nil, controllerError(err)
	}

	state := s.controller.Snapshot()
	s.broadcaster.Broadcast("session.stopped", sessionID, state)
	return state, nil
}

func (s *Server) handleSetModel(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params SetModelParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Model) == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "model is required"}
	}

	if err := s.controller.SetModel(ctx, params.Model); err != nil {
		return nil, controllerError(err)
	}

	state := s.controller.Snapshot()
	s.broadcaster.Broadcast("session.model", state.SessionID, map[string]string{
		"model_preference": state.ModelPreference,
		"model":            s.controller.ResolveModel(state.ModelPreference),
	})
	return state, nil
}

func (s *Server) handleStatus(context.Context, json.RawMessage) (interface{}, error) {
	return StatusResult{
		Session: s.controller.Snapshot(),
		Clients: s.clients.Infos(),
		Seq:     s.broadcaster.Seq(),
		Methods: s.router.Methods(),
	}, nil
}
