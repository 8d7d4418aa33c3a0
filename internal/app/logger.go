package app

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"notifyd/internal/config"
)

const consoleTimeFormat = "15:04:05"

func newLogger(cfg config.LogConfig) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stdout
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
