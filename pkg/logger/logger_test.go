package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_InvalidSettings(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestNew_DefaultsToInfoOnStdout(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNew_JSONFileReadableByLogReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "transfer-"+time.Now().Format("20060102")+".log")

	l, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)
	l.Debug("Transfer started", zap.String("id", "abc"))
	require.NoError(t, l.Sync())

	entries, err := NewLogReader(filepath.Dir(path)).ReadLogs(CategoryTransfer, time.Now(), "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Transfer started", entries[0].Message)
	assert.Equal(t, "debug", entries[0].Level)
	assert.Equal(t, "abc", entries[0].Fields["id"])
}

func TestNew_ConsoleFileHasNoColor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")

	l, err := New(Config{Level: "info", Format: "console", OutputPath: path})
	require.NoError(t, err)
	l.Warn("Disk almost full")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "WARN")
	assert.NotContains(t, string(data), "\x1b[")
}
