package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level   string `json:"level"`
	Output  string `json:"output"`  // "stdout", "stderr", or file path
	Console bool   `json:"console"` // human-readable console writer instead of JSON
}

var (
	defaultLogger zerolog.Logger
	defaultSet    bool
	mu            sync.Mutex
)

// ParseLevel converts a string to a zerolog level. Unknown strings map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger from the given configuration.
func New(cfg *Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	if cfg.Console {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// Default returns the process-wide logger.
func Default() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !defaultSet {
		defaultLogger = New(&Config{Level: "INFO", Output: "stdout"})
		defaultSet = true
	}
	return defaultLogger
}

// SetDefault installs the process-wide logger.
func SetDefault(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
	defaultSet = true
}

// Component returns the default logger scoped to a component name.
func Component(name string) zerolog.Logger {
	return Default().With().Str("component", name).Logger()
}
