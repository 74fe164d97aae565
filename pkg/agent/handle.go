package agent

import (
	"context"

	"github.com/jasonkneen/claudesky/pkg/messagequeue"
)

// Handle is bound to the session that Start created. Once that session ends the
// handle reports inactive and its operations are no-ops or ErrNotActive, even
// if the controller has since started another session.
type Handle struct {
	c *Controller
	s *session
}

// IsActive reports whether the handle's session is still processing.
func (h *Handle) IsActive() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.active(h.s)
}

// SendMessage enqueues msg and waits for the runtime to take it.
func (h *Handle) SendMessage(ctx context.Context, msg messagequeue.Message) error {
	return h.c.sendMessage(ctx, h.s, msg)
}

// SendText is SendMessage for a plain text message.
func (h *Handle) SendText(ctx context.Context, text string) error {
	return h.SendMessage(ctx, messagequeue.Message{Text: text})
}

// Interrupt interrupts the in-flight turn.
func (h *Handle) Interrupt(ctx context.Context) (bool, error) {
	return h.c.interrupt(ctx, h.s)
}

// Stop ends the session and waits for its loop to exit.
func (h *Handle) Stop(ctx context.Context, opts StopOptions) error {
	return h.c.stop(ctx, h.s, opts)
}

// SetModel changes the controller's model preference.
func (h *Handle) SetModel(ctx context.Context, preference string) error {
	return h.c.SetModel(ctx, preference)
}

// SessionID returns the remote session id, or "" once the session is gone.
func (h *Handle) SessionID() string {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.c.current != h.s {
		return ""
	}
	return h.c.state.SessionID
}

// Done is closed when the session's driver loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.s.done
}
