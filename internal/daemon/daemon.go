package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jasonkneen/claudesky/internal/config"
	"github.com/jasonkneen/claudesky/internal/logger"
	"github.com/jasonkneen/claudesky/internal/observability"
	"github.com/jasonkneen/claudesky/internal/tracing"
	"github.com/jasonkneen/claudesky/pkg/agent"
	"github.com/jasonkneen/claudesky/pkg/gateway"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/rs/zerolog"

	// Runtimes register themselves by name.
	_ "github.com/jasonkneen/claudesky/pkg/runtime/anthropicapi"
	_ "github.com/jasonkneen/claudesky/pkg/runtime/claudecli"
	_ "github.com/jasonkneen/claudesky/pkg/runtime/openaicompat"
)

const stopTimeout = 30 * time.Second

// Options configures a daemon
type Options struct {
	// ConfigPath is the watched config file. Empty means the default location.
	ConfigPath string
	// Gateway enables the WebSocket/HTTP gateway and config hot reload.
	Gateway bool
	// Version is reported on traces.
	Version string
}

// Daemon owns the session controller and the services exposing it
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	opts   Options

	controller    *agent.Controller
	gatewayServer *gateway.Server
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status reports whether the daemon is running and for how long
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

var newRuntime = runtime.New

// New creates a daemon for cfg. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		opts:   opts,
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: opts.Version,
			Runtime:        cfg.Runtime.Name,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			zl := log.Zerolog()
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if opts.Gateway {
		if err := d.initializeServices(); err != nil {
			d.shutdownTracing()
			return nil, fmt.Errorf("failed to initialize services: %w", err)
		}
	}

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.Zerolog()

	if d.config.Logging.AuditFile != "" {
		if err := os.MkdirAll(filepath.Dir(d.config.Logging.AuditFile), 0o700); err != nil {
			zl.Warn().Err(err).Msg("Failed to create audit log directory")
		} else if err := observability.InitAuditLogger(d.config.Logging.AuditFile); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
		} else {
			zl.Info().Str("path", d.config.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	rt, err := newRuntime(d.config.Runtime.Name, runtime.Settings{
		Binary:    d.config.Runtime.Binary,
		BaseURL:   d.config.Runtime.BaseURL,
		MaxTokens: d.config.Runtime.MaxTokens,
		Logger:    d.logger.Component("runtime"),
	})
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}

	controller, err := agent.NewController(agent.Config{
		Runtime:      rt,
		Credentials:  d.config.CredentialSupplier(),
		DefaultModel: d.config.Models.Default,
		ModelAliases: d.config.Models.Aliases,
		Logger:       d.logger.Component("controller"),
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	d.controller = controller

	zl.Info().
		Str("runtime", rt.Name()).
		Str("model", d.config.Models.Default).
		Msg("Session controller initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	server, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Controller:   d.controller,
		Defaults:     SessionDefaults(d.config),
		Logger:       d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Loader:   config.NewLoader(d.opts.ConfigPath),
		OnChange: d.applyConfig,
		Logger:   d.logger.Component("config"),
	})
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	d.watcher = watcher

	d.lifecycle = NewLifecycleManager(d)
	return nil
}

// SessionDefaults converts the session section of cfg into controller options.
// The model is left empty so the controller's preference applies.
func SessionDefaults(cfg *config.Config) agent.Options {
	mode, err := runtime.ParsePermissionMode(cfg.Session.PermissionMode)
	if err != nil {
		mode = runtime.PermissionDefault
	}
	return agent.Options{
		MaxThinkingTokens: cfg.Session.MaxThinkingTokens,
		WorkingDir:        cfg.Session.WorkingDir,
		PermissionMode:    mode,
		AllowedTools:      cfg.Session.AllowedTools,
		Env:               cfg.Session.Env,
	}
}

// applyConfig takes over settings that can change without a restart: the
// default model and the defaults for the next session.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	previous := d.config
	d.config = cfg
	d.mu.Unlock()

	zl := d.logger.Zerolog()

	if d.gatewayServer != nil {
		d.gatewayServer.SetDefaults(SessionDefaults(cfg))
	}

	if cfg.Models.Default != previous.Models.Default {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.controller.SetModel(ctx, cfg.Models.Default); err != nil {
			zl.Warn().Err(err).Str("model", cfg.Models.Default).Msg("Failed to apply reloaded default model")
			return
		}
		zl.Info().
			Str("from", previous.Models.Default).
			Str("to", cfg.Models.Default).
			Msg("Default model reloaded")
	}

	if cfg.Runtime != previous.Runtime || cfg.Gateway != previous.Gateway {
		zl.Warn().Msg("Runtime and gateway changes take effect after restart")
	}
}

// Start starts the gateway and the config watcher
func (d *Daemon) Start() error {
	if d.gatewayServer == nil {
		return fmt.Errorf("gateway is not enabled")
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	zl := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	zl.Info().Msg("Starting claudesky daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	zl.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if err := d.watcher.Start(); err != nil {
		zl.Warn().Err(err).Msg("Failed to start config watcher, hot reload disabled")
	} else {
		zl.Info().Msg("Config watcher started")
	}

	zl.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop ends the current session and shuts the services down
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.Zerolog()
	zl.Info().Msg("Stopping claudesky daemon")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := d.watcher.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop config watcher")
	}

	if err := d.gatewayServer.Stop(ctx); err != nil {
		zl.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.controller.Stop(ctx, agent.StopOptions{}); err != nil {
		zl.Error().Err(err).Msg("Failed to stop session")
	}

	if err := d.lifecycle.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.Close()
	zl.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases tracing and the audit log. Stop calls it; chat sessions,
// which never Start, call it directly.
func (d *Daemon) Close() {
	d.shutdownTracing()
	if err := observability.GetAuditLogger().Close(); err != nil {
		zl := d.logger.Zerolog()
		zl.Error().Err(err).Msg("Failed to close audit logger")
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		zl := d.logger.Zerolog()
		zl.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the current configuration, including hot reloads
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() zerolog.Logger {
	return d.logger.Zerolog()
}

// GetController returns the session controller
func (d *Daemon) GetController() *agent.Controller {
	return d.controller
}

// GetGatewayServer returns the gateway server, nil when the gateway is disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
