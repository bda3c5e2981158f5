// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options selects level and output format.
type Options struct {
	Name   string
	Level  string // trace, debug, info, warn, error
	JSON   bool
	Output io.Writer
}

// New creates a logger from opts. Unknown levels fall back to info.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:            opts.Name,
		Level:           level,
		Output:          out,
		JSONFormat:      opts.JSON,
		IncludeLocation: level <= hclog.Debug,
		TimeFormat:      "2006-01-02T15:04:05.000Z0700",
	})
}

// Setup builds a logger and installs it as hclog's default so components that
// were not handed one still log through it.
func Setup(opts Options) hclog.Logger {
	logger := New(opts)
	hclog.SetDefault(logger)
	return logger
}

// OrDefault returns l, or the process default when l is nil.
func OrDefault(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.Default()
	}
	return l
}
