// Package logging owns the process-wide structured logger. Subsystems log
// through the package functions so hot config reloads can swap the sink
// without threading a logger handle through every constructor.
package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	// A default production logger covers anything logged before Init runs
	// (config parsing, early startup errors).
	l, _ := zap.NewProduction()
	global.Store(l)
}

// Init installs the gateway logger. The level comes from the configuration
// file, falling back to the LOG_LEVEL environment variable, then info.
func Init(level string) error {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	l, err := New(level)
	if err != nil {
		return err
	}
	SetGlobal(l)
	return nil
}

// New builds a JSON logger at the given level. Unknown or empty levels
// degrade to info rather than failing startup.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	// Callers go through the package wrappers below; skip one frame so the
	// caller field points at them, not at this package.
	return cfg.Build(zap.AddCallerSkip(1))
}

// Global returns the current logger.
func Global() *zap.Logger {
	return global.Load()
}

// SetGlobal swaps the current logger.
func SetGlobal(l *zap.Logger) {
	global.Store(l)
}

// Debug logs at debug level.
func Debug(msg string, fields ...zap.Field) { global.Load().Debug(msg, fields...) }

// Info logs at info level.
func Info(msg string, fields ...zap.Field) { global.Load().Info(msg, fields...) }

// Warn logs at warn level.
func Warn(msg string, fields ...zap.Field) { global.Load().Warn(msg, fields...) }

// Error logs at error level.
func Error(msg string, fields ...zap.Field) { global.Load().Error(msg, fields...) }

// With derives a child logger carrying extra fields.
func With(fields ...zap.Field) *zap.Logger {
	return global.Load().With(fields...)
}

// Sync flushes buffered entries, typically on shutdown.
func Sync() {
	global.Load().Sync()
}
