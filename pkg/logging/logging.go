// Package logging builds the zap logger shared by the stripe commands.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level selects how chatty a run is.
type Level int

const (
	// LevelQuiet reports warnings and errors only.
	LevelQuiet Level = iota
	// LevelVerbose adds progress messages.
	LevelVerbose
	// LevelDebug adds per-file and per-chunk detail.
	LevelDebug
)

// LevelFor maps the --verbose/--debug flags to a Level; debug wins.
func LevelFor(verbose, debug bool) Level {
	switch {
	case debug:
		return LevelDebug
	case verbose:
		return LevelVerbose
	default:
		return LevelQuiet
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelVerbose:
		return zapcore.InfoLevel
	default:
		return zapcore.WarnLevel
	}
}

// New returns a console logger writing "LEVEL    message key=value" lines to
// w, or to stderr when w is nil.
func New(level Level, w io.Writer) *zap.Logger {
	if w == nil {
		w = os.Stderr
	}
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		LevelKey:         "level",
		MessageKey:       "message",
		NameKey:          "logger",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      paddedLevel,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	})
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), zap.NewAtomicLevelAt(level.zapLevel()))
	return zap.New(core)
}

func paddedLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	name := l.CapitalString()
	for len(name) < 8 {
		name += " "
	}
	enc.AppendString(name)
}
