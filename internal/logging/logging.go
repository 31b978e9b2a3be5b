// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/sawpanic/datacat/internal/config"
)

// Setup wires the global logger from DATACAT_LOG_* settings: a console
// stream (human-readable in plain mode, raw JSON otherwise) plus an optional
// rotating file copy. Every line carries the run id so interleaved peer
// processes stay distinguishable.
func Setup(cfg config.Log, runID string) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stderr
	if !strings.EqualFold(cfg.Format, "json") {
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
			NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		}
	}

	out := console
	if path := filePath(cfg); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log dir: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 7,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, rotated)
	}

	logger := zerolog.New(out).With().Timestamp().Str("run_id", runID).Logger()
	log.Logger = logger
	return logger, nil
}

// filePath resolves the rotating file target: an explicit file wins over a
// directory with the default name; empty disables file output.
func filePath(cfg config.Log) string {
	if cfg.File != "" {
		return cfg.File
	}
	if cfg.Dir != "" {
		return filepath.Join(cfg.Dir, "datacat.log")
	}
	return ""
}
