package logging

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/entitycore/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      config.LogLevel
		want    slog.Level
		wantErr bool
	}{
		{config.LogLevelTrace, LevelTrace, false},
		{config.LogLevelDebug, slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{config.LogLevelWarn, slog.LevelWarn, false},
		{config.LogLevelFatal, LevelFatal, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
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

func TestFatalLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: replaceLevel}))

	Fatal(context.Background(), logger, "write failed", "entity", 42)

	assert.Contains(t, buf.String(), "level=FATAL")
	assert.Contains(t, buf.String(), "entity=42")
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.log")

	logger, closer, err := New(config.LogConfig{Level: config.LogLevelInfo, Format: "json", Output: path})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hello")
	assert.FileExists(t, path)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: config.LogLevelInfo, Format: "xml"})
	assert.Error(t, err)
}
