// Package logging builds the process-wide zap logger from configuration.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options mirrors the log section of the configuration file.
type Options struct {
	Level            string   `mapstructure:"level" json:"level"`
	Encoding         string   `mapstructure:"encoding" json:"encoding"` // json or console
	Development      bool     `mapstructure:"development" json:"development"`
	OutputPaths      []string `mapstructure:"outputPaths" json:"outputPaths"`
	ErrorOutputPaths []string `mapstructure:"errorOutputPaths" json:"errorOutputPaths"`
}

// DefaultOptions logs JSON at info level to stderr.
func DefaultOptions() Options {
	return Options{
		Level:            "info",
		Encoding:         "json",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// ParseLevel accepts debug, info, warn, error, fatal and none.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "none", "off":
		return zapcore.FatalLevel + 1, nil
	default:
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return l, fmt.Errorf("invalid log level %q", s)
		}
		return l, nil
	}
}

// Config returns the zap configuration for opts.
func Config(opts Options) (zap.Config, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zap.Config{}, err
	}

	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch opts.Encoding {
	case "":
	case "json", "console":
		cfg.Encoding = opts.Encoding
	default:
		return zap.Config{}, fmt.Errorf("invalid log encoding %q", opts.Encoding)
	}
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}
	if len(opts.ErrorOutputPaths) > 0 {
		cfg.ErrorOutputPaths = opts.ErrorOutputPaths
	}
	return cfg, nil
}

// New builds a logger. Error and higher entries are additionally written to
// ErrorOutputPaths, so a file pair like combined.log/error.log works.
func New(opts Options) (*zap.Logger, error) {
	cfg, err := Config(opts)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if len(opts.ErrorOutputPaths) == 0 || sameTargets(cfg.OutputPaths, cfg.ErrorOutputPaths) {
		return logger, nil
	}

	sink, _, err := zap.Open(cfg.ErrorOutputPaths...)
	if err != nil {
		return nil, fmt.Errorf("open error output: %w", err)
	}
	var enc zapcore.Encoder
	if cfg.Encoding == "console" {
		enc = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	} else {
		enc = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	}
	errCore := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(maxLevel(zapcore.ErrorLevel, cfg.Level.Level())))
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, errCore)
	})), nil
}

func sameTargets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func maxLevel(a, b zapcore.Level) zapcore.Level {
	if a > b {
		return a
	}
	return b
}
