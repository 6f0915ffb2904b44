// Package logger owns the process-wide zap logger.
//
// Components take a *zap.Logger field and default it to Named(component) so tests
// can swap in an observer core.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

// Setup builds the global logger. Unknown levels fall back to INFO.
func Setup(level string, development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set replaces the global logger.
func Set(l *zap.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
}

// Get returns the configured logger, or a production INFO logger if Setup hasn't been called.
func Get() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	if err := Setup("INFO", false); err != nil {
		return zap.NewNop()
	}
	return Get()
}

// Named returns a logger with the component field set.
func Named(component string) *zap.Logger {
	return Get().With(zap.String("component", component))
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a zap level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
