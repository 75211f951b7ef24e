// Package obslog provides the structured, leveled logger shared by the ship
// and shore binaries.
package obslog

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted by New / SetLevel.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func toZapLevel(l string) zapcore.Level {
	levels := map[Level]zapcore.Level{
		LevelDebug: zapcore.DebugLevel,
		LevelInfo:  zapcore.InfoLevel,
		LevelWarn:  zapcore.WarnLevel,
		LevelError: zapcore.ErrorLevel,
	}
	if level, ok := levels[Level(strings.ToLower(l))]; ok {
		return level
	}
	return zapcore.InfoLevel
}

// Options configures a Logger.
type Options struct {
	Level string
}

// Logger wraps a zap.SugaredLogger with the template (*f) and structured
// key-value (*w) call styles callers need.
type Logger struct {
	sugared *zap.SugaredLogger
}

func (l Logger) Debugf(template string, args ...any) { l.sugared.Debugf(template, args...) }
func (l Logger) Infof(template string, args ...any)   { l.sugared.Infof(template, args...) }
func (l Logger) Warnf(template string, args ...any)   { l.sugared.Warnf(template, args...) }
func (l Logger) Errorf(template string, args ...any)  { l.sugared.Errorf(template, args...) }

// Debugw/Infow/Warnw/Errorw log msg with structured key-value fields, e.g.
// log.Warnw("origin dial failed", "stream", id, "addr", addr, "err", err).
func (l Logger) Debugw(msg string, kv ...any) { l.sugared.Debugw(msg, kv...) }
func (l Logger) Infow(msg string, kv ...any)  { l.sugared.Infow(msg, kv...) }
func (l Logger) Warnw(msg string, kv ...any)  { l.sugared.Warnw(msg, kv...) }
func (l Logger) Errorw(msg string, kv ...any) { l.sugared.Errorw(msg, kv...) }

// With returns a Logger with the given key-value pairs attached to every
// subsequent entry.
func (l Logger) With(kv ...any) Logger {
	return Logger{sugared: l.sugared.With(kv...)}
}

// New builds a Logger writing to stdout at the configured level.
func New(opt Options) Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), toZapLevel(opt.Level))
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return Logger{sugared: logger.Sugar()}
}

var std = New(Options{Level: string(LevelInfo)})

// SetLevel adjusts the level of the global logger returned by the package
// functions below.
func SetLevel(level string) {
	std = New(Options{Level: level})
}

func Debugf(template string, args ...any) { std.Debugf(template, args...) }
func Infof(template string, args ...any)  { std.Infof(template, args...) }
func Warnf(template string, args ...any)  { std.Warnf(template, args...) }
func Errorf(template string, args ...any) { std.Errorf(template, args...) }

func Debugw(msg string, kv ...any) { std.Debugw(msg, kv...) }
func Infow(msg string, kv ...any)  { std.Infow(msg, kv...) }
func Warnw(msg string, kv ...any)  { std.Warnw(msg, kv...) }
func Errorw(msg string, kv ...any) { std.Errorw(msg, kv...) }
