package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It is a no-op until Init is called so that
// packages can log freely from tests.
var Log = zap.NewNop()

var sugar = Log.Sugar()

// Init builds the global logger. Development uses the console encoder,
// every other environment writes JSON.
func Init(level, env string) error {
	var cfg zap.Config
	if env == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set replaces the global logger
func Set(l *zap.Logger) {
	Log = l
	sugar = l.Sugar()
}

// Sync flushes buffered entries
func Sync() {
	_ = Log.Sync()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func Debug(msg string, kv ...any) { sugar.Debugw(msg, kv...) }
func Info(msg string, kv ...any)  { sugar.Infow(msg, kv...) }
func Warn(msg string, kv ...any)  { sugar.Warnw(msg, kv...) }
func Error(msg string, kv ...any) { sugar.Errorw(msg, kv...) }
