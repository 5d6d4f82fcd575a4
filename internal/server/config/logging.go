package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/flowlite/flowlite/internal/server/types"
)

type LoggerConfig struct {
	Level        string      `env:"LEVEL"         envDefault:"info"`   // debug|info|warn|error
	Output       string      `env:"OUTPUT"        envDefault:"stdout"` // stdout|stderr|file:/path
	FileMode     os.FileMode `env:"FILE_MODE"     envDefault:"0644"`
	OTELEndpoint string      `env:"OTEL_ENDPOINT"`
}

// Writer resolves the configured log destination. Unknown values fall back
// to stdout with a warning.
func (c *Config) Writer() io.Writer {
	out := strings.TrimSpace(c.Logger.Output)
	switch {
	case out == "" || out == "stdout":
		return os.Stdout
	case out == "stderr":
		return os.Stderr
	case strings.HasPrefix(out, "file:"):
		path := strings.TrimPrefix(out, "file:")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, c.Logger.FileMode)
		if err != nil {
			slog.Warn("cannot open file for log output", "path", path, "error", err)
			return os.Stdout
		}
		return f
	default:
		slog.Warn("unknown log output entry", "entry", out)
		return os.Stdout
	}
}

func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Logger.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) ModeField() types.Mode { return c.Mode }
func (c *Config) OTELEndpoint() string  { return c.Logger.OTELEndpoint }
