package privload

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"privload/internal/plog"
)

// SetLogger configures the loader's logger.
// This must be called before Init.
func SetLogger(l *zap.Logger) {
	plog.SetLogger(l)
}

// Logger returns the loader's logger instance.
func Logger() *zap.Logger {
	return plog.Logger()
}

// NewLogger builds a console logger at level.
func NewLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = level > zapcore.DebugLevel
	return cfg.Build()
}
