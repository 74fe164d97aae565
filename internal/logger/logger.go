package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog.Logger and owns the writers behind it
type Logger struct {
	logger   zerolog.Logger
	file     io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	File       string // log file path, empty disables file output
	Console    bool   // enable console output
	Pretty     bool   // human readable console output
	Redaction  bool   // mask credentials before they reach any writer
	MaxSizeMB  int    // rotate the log file past this size
	MaxBackups int    // rotated files to keep
	Compress   bool   // gzip rotated files

	// Console output goes to Stderr so stdout stays free for chat output.
	Stderr io.Writer
}

// New creates a logger and installs it as the global zerolog logger
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if cfg.Console {
		var console io.Writer = cfg.Stderr
		if console == nil {
			console = os.Stderr
		}
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{
				Out:        console,
				TimeFormat: time.Kitchen,
			}
		}
		writers = append(writers, console)
	}

	var file *RotatingWriter
	if cfg.File != "" {
		file, err = NewRotatingWriter(RotationConfig{
			Filename:   cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	l := &Logger{logger: logger, redactor: redactor}
	if file != nil {
		l.file = file
	}
	return l, nil
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSizeMB:  100,
		MaxBackups: 5,
		Compress:   true,
	}
}
