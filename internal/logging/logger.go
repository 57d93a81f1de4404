// Package logging builds the process zap logger from config.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the encoder and the minimum level.
type Options struct {
	// Development switches to the colored console encoder with debug enabled.
	Development bool
	// Level overrides the default minimum level ("debug", "info", "warn", "error").
	Level string
}

// New builds a zap.Logger for opts.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"

	if lvl := strings.TrimSpace(opts.Level); lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForJob scopes logger to one job and, when set, its requester.
func ForJob(logger *zap.Logger, jobID, requester string) *zap.Logger {
	fields := []zap.Field{zap.String("job_id", jobID)}
	if requester != "" {
		fields = append(fields, zap.String("requester", requester))
	}
	return logger.With(fields...)
}
