package cli

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/jasonkneen/claudesky/internal/config"
	"github.com/jasonkneen/claudesky/internal/logger"
	"github.com/jasonkneen/claudesky/pkg/gateway"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile    string
	logLevel   string
	gatewayURL string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "claudesky",
	Short: "claudesky - streaming session controller for Claude agents",
	Long: `claudesky drives one streaming conversation with a remote Claude agent runtime
at a time. Chat with it from the terminal, or serve it over a WebSocket/HTTP
gateway so other processes can start, steer, interrupt and stop the session.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.claudesky/claudesky.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway URL for status/stop (default from config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies the --log-level override
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    cfg.Logging.Console,
		Pretty:     true,
		Redaction:  cfg.Logging.Redaction,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

// gatewayClient returns an RPC client for the configured or flagged gateway
func gatewayClient(cfg *config.Config) *gateway.RPCClient {
	url := gatewayURL
	if url == "" {
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		url = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
	}
	return gateway.NewRPCClient(url, cfg.Gateway.SharedSecret)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
