package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		" info ":  slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "input %q", in)
	}
}

func TestFileLoggerWritesAndRotationDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.log")
	lg, closer := Config{Level: "debug", File: path}.New()
	require.NotNil(t, closer)
	defer func() { _ = closer.Close() }()

	lg.Debug("worker started", "worker", 3)
	lg.Info("reload complete", "generation", 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "worker started")
	assert.Contains(t, out, "generation=2")
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.log")
	lg, closer := Config{Level: "warn", File: path}.New()
	defer func() { _ = closer.Close() }()

	lg.Info("should not appear")
	lg.Warn("should appear")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "should not appear"))
	assert.Contains(t, string(data), "should appear")
}

func TestStderrLoggerHasNoCloser(t *testing.T) {
	lg, closer := Config{}.New()
	require.NotNil(t, lg)
	assert.Nil(t, closer)

	lg, closer = Config{NoColor: true}.New()
	require.NotNil(t, lg)
	assert.Nil(t, closer)
}

func TestValOr(t *testing.T) {
	assert.Equal(t, 10, valOr(0, 10))
	assert.Equal(t, 10, valOr(-1, 10))
	assert.Equal(t, 5, valOr(5, 10))
}
