package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/hubclient/pkg/config"
)

func parseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none", "disabled":
		return zerolog.Disabled, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.InfoLevel, errors.Wrapf(err, "invalid log level %q", raw)
	}
	return lvl, nil
}

func newLogWriter(format string, out *os.File) io.Writer {
	switch format {
	case "json":
		return out
	case "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		return out
	}
}

// initLogger replaces the global zerolog logger. Logs go to stderr so stdout
// only carries command output.
func initLogger(cfg config.LogConfig) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(newLogWriter(cfg.Format, os.Stderr)).
		With().
		Timestamp().
		Str("app", "hubctl").
		Logger()
	return nil
}
