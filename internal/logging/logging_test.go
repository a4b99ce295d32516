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
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
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

func TestNew_InvalidLevel(t *testing.T) {
	_, _, err := New(Options{Level: "loud"}, "test")
	assert.Error(t, err)
}

func TestNew_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warn", Console: true, ConsoleWriter: &buf}, "test")
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "speed_kmh", 30)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "speed_kmh")
}

func TestNew_FileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "csc.log")
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Console: true, ConsoleWriter: &buf, File: path, MaxSizeMB: 1}, "test")
	require.NoError(t, err)

	logger.With("handle", "AA").Info("connected")
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "connected")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &record))
	assert.Equal(t, "connected", record["msg"])
	assert.Equal(t, "test", record["app"])
	assert.Equal(t, "AA", record["handle"])
}

func TestNew_NothingEnabledDiscards(t *testing.T) {
	logger, closer, err := New(Options{}, "test")
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.NotPanics(t, func() { logger.Error("dropped") })
}
