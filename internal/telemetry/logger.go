package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vnmchuo/tutor-gateway/config"
)

var log = zerolog.Nop()

// InitLogger replaces the process logger. With a file configured, output is
// duplicated into a rotating log file.
func InitLogger(cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var console io.Writer = os.Stdout
	if !cfg.JSON {
		console = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.TimeFormat = time.RFC3339
		})
	}

	out := console
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, rotator)
	}

	l := zerolog.New(out).With().Timestamp().Str("service", "tutor-gateway").Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	log = l.Level(level)
	return log
}

// L returns the process logger.
func L() *zerolog.Logger { return &log }

// SetLogger swaps the process logger. Tests use it to capture output.
func SetLogger(l zerolog.Logger) { log = l }
