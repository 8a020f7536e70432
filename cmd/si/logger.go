package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	models "github.com/seeai/si-models"
)

// newLogger builds the process logger. Output is human-readable when w is a
// terminal and JSON lines otherwise.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), err
		}
		lvl = parsed
	}

	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// zerologAdapter satisfies models.Logger.
type zerologAdapter struct {
	log zerolog.Logger
}

var _ models.Logger = zerologAdapter{}

func (a zerologAdapter) Debug(msg string, kv ...any) { a.log.Debug().Fields(kv).Msg(msg) }
func (a zerologAdapter) Info(msg string, kv ...any)  { a.log.Info().Fields(kv).Msg(msg) }
func (a zerologAdapter) Warn(msg string, kv ...any)  { a.log.Warn().Fields(kv).Msg(msg) }
func (a zerologAdapter) Error(msg string, kv ...any) { a.log.Error().Fields(kv).Msg(msg) }
