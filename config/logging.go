package config

import (
	"fmt"
	"io"
	"log/slog"
)

// NewLogger builds the service logger from LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}

	lo := slog.HandlerOptions{Level: level}

	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, &lo)).With("service", c.ServiceName), nil
	}

	return slog.New(slog.NewTextHandler(w, &lo)).With("service", c.ServiceName), nil
}
