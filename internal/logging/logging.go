// Package logging builds Skygent's process-wide structured logger, the way
// ktl wires a single zap logger at startup and threads it through
// constructors rather than via context values.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for the given --log-format ("json" or "human").
func New(format string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "human", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("logging: unknown log format %q", format)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: building zap logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for tests.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
