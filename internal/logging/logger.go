// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Failure field values. They keep persistence and delivery problems apart in
// the log stream.
const (
	FailurePersistence  = "persistence"
	FailureDelivery     = "delivery"
	FailureNotFound     = "not_found"
	FailureUnauthorized = "unauthorized"
)

// Failure returns the structured field used to tag an error log line.
func Failure(kind string) zap.Field {
	return zap.String("failure", kind)
}

// NewLogger returns a logger writing to stdout. format is "json" or "console";
// level is any zapcore level name.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "" {
		format = "json"
	}
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         format,
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
