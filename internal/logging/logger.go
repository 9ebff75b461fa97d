package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"securewipe/internal/config"
)

// EnterpriseLogger is the audit logger shared by the engine, drivers and CLI.
// A nil *EnterpriseLogger discards everything.
type EnterpriseLogger struct {
	base    *zap.Logger
	sugar   *zap.SugaredLogger
	verbose bool
}

// NewEnterpriseLogger builds a logger from the logging section of cfg.
// If the log directory cannot be created the logger falls back to stderr.
func NewEnterpriseLogger(cfg *config.Config, verbose bool) (*EnterpriseLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	encoding := "console"
	if cfg.Logging.Structured {
		encoding = "json"
	}

	outputs := []string{}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] cannot create log directory for %s: %v; logging to stderr\n", cfg.Logging.File, err)
		} else {
			outputs = append(outputs, cfg.Logging.File)
		}
	}
	// Non-verbose runs with a log file keep the terminal for progress output.
	if verbose || len(outputs) == 0 {
		outputs = append(outputs, "stderr")
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          encoding,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		EncoderConfig:     zap.NewProductionEncoderConfig(),
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	base, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &EnterpriseLogger{base: base, sugar: base.Sugar(), verbose: verbose}, nil
}

// New wraps an existing zap logger.
func New(base *zap.Logger) *EnterpriseLogger {
	return &EnterpriseLogger{base: base, sugar: base.Sugar()}
}

// NewNop returns a logger that discards everything.
func NewNop() *EnterpriseLogger {
	return New(zap.NewNop())
}

// Log writes message at level ("DEBUG", "INFO", "WARN", "ERROR") with
// alternating key/value fields.
func (l *EnterpriseLogger) Log(level, message string, fields ...interface{}) {
	if l == nil {
		return
	}
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.sugar.Debugw(message, fields...)
	case "WARN", "WARNING":
		l.sugar.Warnw(message, fields...)
	case "ERROR", "FATAL":
		l.sugar.Errorw(message, fields...)
	default:
		l.sugar.Infow(message, fields...)
	}
}

// With returns a child logger that adds fields to every entry.
func (l *EnterpriseLogger) With(fields ...interface{}) *EnterpriseLogger {
	if l == nil {
		return nil
	}
	sugar := l.sugar.With(fields...)
	return &EnterpriseLogger{base: sugar.Desugar(), sugar: sugar, verbose: l.verbose}
}

// Zap exposes the underlying logger.
func (l *EnterpriseLogger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.base
}

func (l *EnterpriseLogger) Close() error {
	if l == nil {
		return nil
	}
	// Sync on a terminal fd returns EINVAL on Linux.
	if err := l.base.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") && !strings.Contains(err.Error(), "inappropriate ioctl") {
		return err
	}
	return nil
}
