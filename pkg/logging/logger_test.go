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
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, " error ": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Run("json to console", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := NewLogger(Config{Level: "info"}, &buf)
		require.NoError(t, err)
		defer closer.Close()

		logger.Debug("hidden")
		logger.Info("evaluated", "profile_id", "default")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "evaluated", rec["msg"])
		assert.Equal(t, "default", rec["profile_id"])
		assert.Equal(t, "defensed", rec["service"])
	})

	t.Run("text with rotating file", func(t *testing.T) {
		var buf bytes.Buffer
		path := filepath.Join(t.TempDir(), "defense.log")
		logger, closer, err := NewLogger(Config{Level: "debug", Format: "text", File: path}, &buf)
		require.NoError(t, err)
		logger.Debug("catalog reloaded", "profiles", 3)
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "msg=\"catalog reloaded\"")
		assert.Contains(t, buf.String(), "profiles=3")
	})

	t.Run("invalid config", func(t *testing.T) {
		_, _, err := NewLogger(Config{Format: "xml"}, nil)
		require.ErrorContains(t, err, "unknown format")
	})
}
