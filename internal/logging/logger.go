// Package logging builds the zap loggers used across crawlmux. Components
// take a *zap.Logger and default to zap.NewNop when handed nil; this package
// owns the encoder and level choices so the whole binary logs consistently.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode uses the colored console
// encoder, suited to one-shot `crawlmux crawl` runs; production mode emits
// JSON tagged with the service name for the server.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
		cfg.InitialFields = map[string]any{"service": "crawlmux"}
	}
	cfg.EncoderConfig.TimeKey = "ts"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
