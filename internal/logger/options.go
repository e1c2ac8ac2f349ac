package logger

import (
	"io"
	"log/slog"
)

// Option configures a logger created with New.
type Option func(*config)

// WithDebug sets the log level to Debug when true, Info otherwise.
func WithDebug(debug bool) Option {
	return func(c *config) {
		c.level = slog.LevelInfo
		if debug {
			c.level = slog.LevelDebug
		}
	}
}

// WithWriter sends the output to w instead of stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writer = w
	}
}

// WithFormat picks the handler: "json" for slog's JSON handler, "pretty" for the colorized
// charmbracelet/log one and plain text for anything else.
func WithFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}
