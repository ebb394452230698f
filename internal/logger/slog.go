package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Levels and formats accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig configures the supervisor's own structured log.
type SlogConfig struct {
	Level      string `mapstructure:"level" json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `mapstructure:"format" json:"format,omitempty" yaml:"format,omitempty"`
	Color      bool   `mapstructure:"color" json:"color,omitempty" yaml:"color,omitempty"`
	TimeStamps bool   `mapstructure:"timestamps" json:"timestamps,omitempty" yaml:"timestamps,omitempty"`
	Source     bool   `mapstructure:"source" json:"source,omitempty" yaml:"source,omitempty"`
	// Path sends supervisor logs to a rotated file instead of stderr.
	Path string `mapstructure:"path" json:"path,omitempty" yaml:"path,omitempty"`
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the supervisor logger described by c.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.Slog.Path != "" {
		if lw, err := c.File.rotating(c.Slog.Path); err == nil {
			w = lw
		}
	}
	return c.Slog.New(w)
}

// New builds a logger writing to w.
func (s SlogConfig) New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(s.Level),
		AddSource: s.Source,
	}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case strings.EqualFold(s.Format, FormatJSON):
		h = slog.NewJSONHandler(w, opts)
	case s.Color:
		h = NewColorTextHandler(w, opts, s.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}
