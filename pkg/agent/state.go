package agent

import (
	"fmt"
	"time"
)

// Phase is the controller lifecycle position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseProcessing
	PhaseTerminating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseProcessing:
		return "processing"
	case PhaseTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for candidate := PhaseIdle; candidate <= PhaseTerminating; candidate++ {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// State is the controller's session state. Callers only ever see copies.
type State struct {
	Phase           Phase     `json:"phase"`
	Processing      bool      `json:"processing"`
	AbortRequested  bool      `json:"abort_requested"`
	SessionID       string    `json:"session_id,omitempty"`
	LastSessionID   string    `json:"last_session_id,omitempty"`
	ModelPreference string    `json:"model_preference,omitempty"`
	ResumeSessionID string    `json:"resume_session_id,omitempty"`
	Resumed         bool      `json:"resumed"`
	StartedAt       time.Time `json:"started_at,omitempty"`
}

// Active reports whether a session is processing.
func (s State) Active() bool {
	return s.Phase == PhaseProcessing && s.Processing
}
