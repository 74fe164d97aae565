package cli

import (
	"context"
	"testing"
	"time"

	"github.com/jasonkneen/claudesky/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out := executeHelp(t, "stop", "--help")
		assert.Contains(t, out, "Stop the current session")
		assert.Contains(t, out, "timeout")
		assert.Contains(t, out, "resume")
	})

	t.Run("stops and records resume id", func(t *testing.T) {
		controller, _ := startTestGateway(t)
		_, err := controller.Start(context.Background(), agent.Options{}, nil)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return controller.SessionID() == "sess-cli" }, 2*time.Second, 10*time.Millisecond)

		previous := stopResume
		stopResume = true
		t.Cleanup(func() { stopResume = previous })

		cmd, out := testCommand()
		require.NoError(t, runStop(cmd, nil))

		assert.Contains(t, out.String(), "Session stopped")
		assert.Contains(t, out.String(), "Next session resumes: sess-cli")
		assert.False(t, controller.IsActive())
		assert.Equal(t, "sess-cli", controller.Snapshot().ResumeSessionID)
	})

	t.Run("idle session", func(t *testing.T) {
		startTestGateway(t)
		previous := stopResume
		stopResume = false
		t.Cleanup(func() { stopResume = previous })

		cmd, out := testCommand()
		require.NoError(t, runStop(cmd, nil))
		assert.Contains(t, out.String(), "Session stopped")
	})
}
