// Package logging builds the process logger. Every line is stamped with the service identity so
// several rebalancer deployments can share one log sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config describes logger runtime configuration.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
	// Output defaults to stdout.
	Output io.Writer `mapstructure:"-"`
}

// Service identifies the process in every log line. Empty fields are omitted.
type Service struct {
	Name        string
	Environment string
	Version     string
}

// New constructs the logger. Unknown levels and formats are configuration errors.
func New(cfg Config, svc Service) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	writer, err := logWriter(cfg)
	if err != nil {
		return zerolog.Nop(), err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	builder := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}
	if svc.Name != "" {
		builder = builder.Str("service", svc.Name)
	}
	if svc.Environment != "" {
		builder = builder.Str("env", svc.Environment)
	}
	if svc.Version != "" {
		builder = builder.Str("version", svc.Version)
	}
	return builder.Logger(), nil
}

// ParseLevel maps a configured level name to zerolog. Empty means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

func logWriter(cfg Config) (io.Writer, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	switch strings.ToLower(cfg.Format) {
	case "", FormatJSON:
		return out, nil
	case FormatConsole:
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    out != os.Stdout,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
