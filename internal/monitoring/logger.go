package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger or UseZap. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var (
	zapMu     sync.Mutex
	zapLogger *zap.Logger
)

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// ParseLevel maps a level name to a zap level. Unknown names map to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// UseZap routes Logf through a zap logger at the given level. The returned
// function flushes the logger and should be deferred by the caller.
func UseZap(level string, development bool) (func(), error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return func() {}, fmt.Errorf("failed to build zap logger: %w", err)
	}

	zapMu.Lock()
	zapLogger = logger
	zapMu.Unlock()

	sugar := logger.Sugar()
	Logf = sugar.Infof
	return func() { _ = logger.Sync() }, nil
}

// Zap returns the zap logger installed by UseZap, or a no-op logger.
func Zap() *zap.Logger {
	zapMu.Lock()
	defer zapMu.Unlock()
	if zapLogger == nil {
		return zap.NewNop()
	}
	return zapLogger
}
