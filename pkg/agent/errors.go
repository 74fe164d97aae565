package agent

import (
	"errors"
	"fmt"

	"github.com/jasonkneen/claudesky/pkg/credential"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current phase.
	ErrInvalidState = errors.New("invalid controller state")
	// ErrNotActive is returned when sending to a session that is not processing.
	ErrNotActive = errors.New("session is not active")
	// ErrInvalidCredential is returned by Start when no API key or OAuth token is available.
	ErrInvalidCredential = credential.ErrInvalidCredential
)

// RemoteStreamError wraps a failure reported by the runtime collaborator.
type RemoteStreamError struct {
	Op  string
	Err error
}

func (e *RemoteStreamError) Error() string {
	return fmt.Sprintf("remote stream %s failed: %v", e.Op, e.Err)
}

func (e *RemoteStreamError) Unwrap() error {
	return e.Err
}
