// Package logging constructs the shared zap logger used across the
// broker. There is no package-level global: cmd/brokerd builds one
// *zap.Logger and threads it through every component that needs it.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style JSON logger at the given level
// ("debug", "info", "warn", "error"). An empty level defaults to "info".
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}

	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
