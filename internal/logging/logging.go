package logging

import (
	"io"
	"os"
	"time"

	"github.com/jrsteele09/go-rider-client/internal/config"
	"github.com/rs/zerolog"
)

// New returns the process logger. DEV gets a human readable console writer,
// every other environment gets one JSON object per line.
func New(cfg config.EnvConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

func NewWithWriter(cfg config.EnvConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.GetEnv() == "DEV" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("app", cfg.GetAppName()).
		Logger()
}
