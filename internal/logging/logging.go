// Package logging is the structured logging façade every component
// here goes through, a thin wrapper over go.uber.org/zap so call sites
// use a small greyd-shaped API instead of depending on zap's
// constructor flags directly.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger, with level and encoding chosen
// by verbose/json. verbose maps to spec.md's "-v" flag: debug-level
// logging with caller info, versus the default info level.
func New(verbose bool, json bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.DisableCaller = false
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		cfg.DisableCaller = true
	}
	if !json {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}

// NewNop returns a logger that discards everything, for tests and for
// components constructed before the real logger is ready.
func NewNop() *zap.Logger { return zap.NewNop() }
