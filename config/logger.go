package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/backupd/interfaces"
)

// NewLogger builds a zap logger from logging configuration. Debug level uses
// the development encoder unless json output is requested.
func NewLogger(cfg interfaces.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Level == "debug" && cfg.Format != "json" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = parseZapLevel(cfg.Level)
		if cfg.Format == "console" {
			zapConfig.Encoding = "console"
			zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
	}

	if cfg.File != "" {
		zapConfig.OutputPaths = []string{cfg.File}
	}

	return zapConfig.Build()
}

func parseZapLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
