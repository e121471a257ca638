// Package log builds the zap loggers used across KernelFlow.
package log

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

// EnvLevel and EnvLegacyLevel select the log level. The legacy name is kept
// for existing CUDA hook deployments.
const (
	EnvLevel       = "KFLOW_LOG"
	EnvLegacyLevel = "CUDA_HOOK_LOG"
)

// LevelFromEnv returns the level named by the environment, or fallback.
func LevelFromEnv(fallback string) string {
	if lvl := os.Getenv(EnvLevel); lvl != "" {
		return lvl
	}
	if lvl := os.Getenv(EnvLegacyLevel); lvl != "" {
		return lvl
	}
	return fallback
}

// New creates a logger writing to stderr at the given level. Output goes to
// stderr so it never mixes with the traced application's stdout.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	cfg.Sampling = nil

	return cfg.Build(zap.Fields(zap.Int("pid", os.Getpid())))
}

// NewOrNop is New, falling back to a no-op logger when the level is invalid.
func NewOrNop(level string) *zap.Logger {
	l, err := New(level)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// TID is a zap field carrying the calling OS thread id.
func TID() zap.Field {
	return zap.Int("tid", unix.Gettid())
}
