package cli

import (
	"fmt"

	"github.com/jasonkneen/claudesky/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session controller over the gateway",
	Long: `Serve the session controller over a WebSocket/HTTP JSON-RPC gateway.
Clients call session.start, session.send, session.interrupt, session.setModel,
session.stop and session.status; every session event is broadcast to
authenticated WebSocket clients. Edits to the config file's default model and
session defaults are applied without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "gateway host (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = servePort
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{ConfigPath: cfgFile, Gateway: true, Version: version})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s (runtime %s)\n", d.GetGatewayServer().Addr(), cfg.Runtime.Name)
	d.Wait()
	return nil
}
