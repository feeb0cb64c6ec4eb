package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/italypaleale/courier/internal/config"
)

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		}))
	}

	// Enable colors only when writing to a terminal
	noColor := true
	if f, ok := out.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}

	return slog.New(tint.NewHandler(out, &tint.Options{
		Level:      cfg.LogLevel,
		TimeFormat: time.StampMilli,
		NoColor:    noColor,
	}))
}
