package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jasonkneen/claudesky/pkg/agent"
	"github.com/jasonkneen/claudesky/pkg/gateway"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
	stopResume  bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway's current session",
	Long: `Stop the current session of a running claudesky gateway.
Queued messages are discarded. With --resume the session id is recorded so the
next session.start resumes the conversation.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the session to stop")
	stopCmd.Flags().BoolVar(&stopResume, "resume", false, "resume this conversation on the next start")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), time.Duration(stopTimeout)*time.Second)
	defer cancel()

	client := gatewayClient(cfg)

	var params gateway.StopParams
	if stopResume {
		var status gateway.StatusResult
		if err := client.Call(ctx, "session.status", nil, &status); err != nil {
			return err
		}
		params.ResumeSessionID = status.Session.SessionID
	}

	var state agent.State
	if err := client.Call(ctx, "session.stop", params, &state); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Session stopped")
	if state.ResumeSessionID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Next session resumes: %s\n", state.ResumeSessionID)
	}
	return nil
}
