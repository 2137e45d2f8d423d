// Package logging builds the structured, leveled logger every component
// constructor is handed; there is no global logger singleton.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger for the given level name ("debug",
// "info", "warn", "error"; empty means info). An unrecognized level is
// an error.
func New(level string) (*zap.SugaredLogger, error) {
	zl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}
	return logger.Sugar(), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unrecognized level %q", level)
	}
}

// Noop returns a logger that discards everything, for tests.
func Noop() *zap.SugaredLogger { return zap.NewNop().Sugar() }
