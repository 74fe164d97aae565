package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jasonkneen/claudesky/internal/daemon"
	"github.com/jasonkneen/claudesky/pkg/gateway"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway and session status",
	Long:  `Show the status of a running claudesky gateway and its session.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.IsRunning(pidFile) {
		fmt.Fprintf(cmd.OutOrStdout(), "Gateway: running (PID %d)\n", pid)
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
	defer cancel()

	var status gateway.StatusResult
	if err := gatewayClient(cfg).Call(ctx, "session.status", nil, &status); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return fmt.Errorf("gateway unreachable: %w", err)
	}

	printStatus(cmd, status, time.Now())
	return nil
}

func printStatus(cmd *cobra.Command, status gateway.StatusResult, now time.Time) {
	session := status.Session
	fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\n", session.Phase)
	if session.SessionID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Session ID: %s\n", session.SessionID)
	} else if session.LastSessionID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Last session ID: %s\n", session.LastSessionID)
	}
	if session.ModelPreference != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Model: %s\n", session.ModelPreference)
	}
	if session.Resumed {
		fmt.Fprintln(cmd.OutOrStdout(), "Resumed: yes")
	}
	if !session.StartedAt.IsZero() && session.Active() {
		fmt.Fprintf(cmd.OutOrStdout(), "Uptime: %s\n", formatDuration(now.Sub(session.StartedAt)))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Clients: %d\n", len(status.Clients))
	fmt.Fprintf(cmd.OutOrStdout(), "Events broadcast: %d\n", status.Seq)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
