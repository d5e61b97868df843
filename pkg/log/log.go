package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. Discards everything until
	// Init installs the configured sinks.
	Logger = zerolog.New(io.Discard)
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	// LogDir, when set, additionally writes JSON logs to <LogDir>/agent.log.
	LogDir string
}

// Init initializes the global logger
func Init(cfg Config) error {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var console io.Writer
	if cfg.JSONOutput {
		console = output
	} else {
		console = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	writers := []io.Writer{console}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, "agent.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

// FileLogger returns a JSON logger appending to <dir>/<name>.log,
// independent of the global sinks. Used for the dedicated security and
// audit log files.
func FileLogger(dir, name string) (zerolog.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.New(io.Discard), err
	}
	f, err := os.OpenFile(filepath.Join(dir, name+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.New(io.Discard), err
	}
	return zerolog.New(f).With().Timestamp().Logger(), nil
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDeviceID creates a child logger with device_id field
func WithDeviceID(deviceID string) zerolog.Logger {
	return Logger.With().Str("device_id", deviceID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
