package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected slog.Level
	}{
		{"debug level", LevelDebug, slog.LevelDebug},
		{"info level", LevelInfo, slog.LevelInfo},
		{"warn level", LevelWarn, slog.LevelWarn},
		{"warning alias", "WARNING", slog.LevelWarn},
		{"error level", LevelError, slog.LevelError},
		{"unknown falls back to info", "chatty", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.level))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.False(t, cfg.Rotation.Enabled)
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelDebug, Format: FormatJSON}, &buf)

	logger.WithComponent("jobs").WithJobID("job-1").Info("job admitted", "queued", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job admitted", entry["msg"])
	assert.Equal(t, "jobs", entry["component"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.EqualValues(t, 2, entry["queued"])
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelWarn, Format: FormatText}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestErrorJob(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelInfo, Format: FormatText}, &buf)

	logger.ErrorJob("scan failed", "job-9", assert.AnError)

	out := buf.String()
	assert.Contains(t, out, "job_id=job-9")
	assert.Contains(t, out, "scan failed")
}

func TestOpenOutput(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		w, err := openOutput(Config{Output: "stdout"})
		require.NoError(t, err)
		assert.Equal(t, os.Stdout, w)
	})

	t.Run("plain file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "scanwatch.log")
		w, err := openOutput(Config{Output: path})
		require.NoError(t, err)
		f, ok := w.(*os.File)
		require.True(t, ok)
		defer f.Close()
		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("rotating file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scanwatch.log")
		w, err := openOutput(Config{
			Output:   path,
			Rotation: RotationConfig{Enabled: true, MaxSizeMB: 5, MaxBackups: 2},
		})
		require.NoError(t, err)
		lj, ok := w.(*lumberjack.Logger)
		require.True(t, ok)
		defer lj.Close()
		assert.Equal(t, 5, lj.MaxSize)
		assert.Equal(t, 2, lj.MaxBackups)
	})
}

func TestSetDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(NewWithWriter(Config{Level: LevelDebug}, &buf))
	Debug("debug message")
	Info("info message")

	assert.Contains(t, buf.String(), "debug message")
	assert.Contains(t, buf.String(), "info message")
}
