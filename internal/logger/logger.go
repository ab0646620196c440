package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Builds the process logger. Libraries receive it by injection, never through a global
func New(level string, development bool) (*zap.Logger, error) {
	cfg := zap.Config{
		Encoding:         "json",
		Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		Development:      development,
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if development {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return cfg.Build()
}

func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
