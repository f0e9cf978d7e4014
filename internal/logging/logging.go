// Package logging wraps zap with a numeric log level, matching the
// levelled-logger facade found in ngrok-go's log package.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a numeric logging level. Lower is more severe. This mirrors
// ngrok-go's log.LogLevel: comparisons are numeric, never a cascading
// switch/case fallthrough.
type Level int

const (
	LevelNone  Level = 1
	LevelError Level = 2
	LevelWarn  Level = 3
	LevelInfo  Level = 4
	LevelDebug Level = 5
	LevelTrace Level = 6
)

// Enabled reports whether a message at msg severity should be emitted
// given the configured level. This is the numeric-comparison replacement
// for a case fall-through filter: msgLevel <= configuredLevel.
func Enabled(msg, configured Level) bool {
	return msg <= configured
}

func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none":
		return LevelNone
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelTrace, LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// New builds a *zap.Logger configured at the given level, writing to stderr.
func New(level Level) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if !Enabled(LevelInfo, level) && level != LevelNone {
		// configured level is stricter than info; keep JSON encoding anyway.
	}

	encoder := zapcore.NewJSONEncoder(cfg)
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level.zapLevel())
	return zap.New(core)
}

// Named returns a child logger tagged with a component field, the
// structured equivalent of the teacher's "[SFU]"/"[CV]" bracket tags.
func Named(base *zap.Logger, component string) *zap.Logger {
	return base.With(zap.String("component", component))
}
