// Package logging builds the zap loggers used across popeye.
//
// Components log discrete, named events rather than free-form prose: every
// event carries an event_type field so runs can be reconstructed from the log
// stream with jq.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// New creates a zap logger from config. Empty fields fall back to info/json.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format: %q (must be 'json' or 'console')", cfg.Format)
	}

	return zcfg.Build()
}

// ParseLevel maps a level name to a zapcore.Level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %q", name)
	}
	return level, nil
}

// Component returns a child logger tagged with the component name.
func Component(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String("component", name))
}

// Event logs a structured event at info level.
func Event(logger *zap.Logger, eventType string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Info(eventType, append(fields, zap.String("event_type", eventType))...)
}

// Warn logs a structured event at warn level.
func Warn(logger *zap.Logger, eventType string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Warn(eventType, append(fields, zap.String("event_type", eventType))...)
}
