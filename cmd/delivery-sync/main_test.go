// ABOUTME: Tests for delivery-sync CLI helpers
// ABOUTME: Covers config path resolution, argument parsing and logger setup

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/delivery-sync/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("DSYNC_CONFIG", "/etc/dsync.toml")
		assert.Equal(t, "/etc/dsync.toml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("DSYNC_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, filepath.Join("/tmp/xdg", "delivery-sync", "config.yaml"), getConfigPath())
	})

	t.Run("home fallback", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("DSYNC_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		assert.Equal(t, filepath.Join(home, ".config", "delivery-sync", "config.yaml"), getConfigPath())
	})
}

func TestParseID(t *testing.T) {
	id, err := parseID([]string{"42"}, "show <id>")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseID(nil, "show <id>")
	assert.EqualError(t, err, "usage: show <id>")

	for _, bad := range []string{"abc", "0", "-3"} {
		_, err = parseID([]string{bad}, "show <id>")
		assert.Error(t, err, bad)
	}
}

func TestCmdCapture_RequiresIDsAndPhotos(t *testing.T) {
	tests := [][]string{
		{},
		{"--establishment", "7", "photo.jpg"},
		{"--supplier", "1", "photo.jpg"},
		{"--establishment", "7", "--supplier", "1"},
	}
	for _, args := range tests {
		err := cmdCapture(context.Background(), nil, args)
		assert.ErrorContains(t, err, "usage: capture", "%v", args)
	}

	err := cmdCapture(context.Background(), nil, []string{"--establishment", "x"})
	assert.EqualError(t, err, `invalid establishment "x"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestSetupLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	h, ok := logger.Handler().(*colorHandler)
	require.True(t, ok)
	derived := h.WithAttrs([]slog.Attr{slog.String("component", "syncer"), slog.Int("note_id", 4)}).(*colorHandler)
	assert.Same(t, h.mu, derived.mu, "derived handlers share the write lock")
	assert.Equal(t, "syncer", derived.component)
	assert.Len(t, derived.attrs, 1)
	assert.Empty(t, h.attrs)
	assert.Empty(t, h.component)

	logger = setupLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	_, ok = logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok)
}

func TestColorHandler_ComponentTag(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var out bytes.Buffer
	logger := slog.New(&colorHandler{mu: &sync.Mutex{}, out: &out, level: slog.LevelInfo})
	logger = logger.With("component", "syncer")

	logger.Warn("note sync failed", "note_id", 3, "error", errors.New("boom"))
	logger.Debug("hidden")

	line := out.String()
	assert.Contains(t, line, "WRN [syncer] note sync failed note_id=3 error=boom")
	assert.NotContains(t, line, "component=")
	assert.NotContains(t, line, "hidden")
}
