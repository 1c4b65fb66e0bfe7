package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"none", zapcore.FatalLevel + 1, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig(t *testing.T) {
	cfg, err := Config(Options{Level: "debug", Encoding: "console", OutputPaths: []string{"stdout"}})
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.Encoding)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level.Level())
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)

	_, err = Config(Options{Encoding: "xml"})
	assert.Error(t, err)
}

func TestNewSplitsErrorOutput(t *testing.T) {
	dir := t.TempDir()
	combined := filepath.Join(dir, "combined.log")
	errorsLog := filepath.Join(dir, "error.log")

	logger, err := New(Options{
		Level:            "info",
		OutputPaths:      []string{combined},
		ErrorOutputPaths: []string{errorsLog},
	})
	require.NoError(t, err)

	logger.Info("subscribed")
	logger.Error("broker down")
	_ = logger.Sync()

	all, err := os.ReadFile(combined)
	require.NoError(t, err)
	assert.Contains(t, string(all), "subscribed")
	assert.Contains(t, string(all), "broker down")

	errs, err := os.ReadFile(errorsLog)
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "subscribed")
	assert.Equal(t, 1, strings.Count(string(errs), "broker down"))
}
