package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDownloadItem(t *testing.T) {
	headers := map[string]string{"Referer": "https://example.com"}
	item := NewDownloadItem("https://example.com/file.zip", headers, "custom.zip")

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "https://example.com/file.zip", item.URL)
	assert.Equal(t, item.URL, item.OriginalURL)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, "custom.zip", item.SuggestedFileName)
	assert.Equal(t, "https://example.com", item.Headers["Referer"])
	assert.False(t, item.DateAdded.IsZero())

	headers["Referer"] = "changed"
	assert.Equal(t, "https://example.com", item.Headers["Referer"], "headers should be copied")
}

func TestNewDownloadItem_UniqueIDs(t *testing.T) {
	a := NewDownloadItem("https://example.com/a", nil, "")
	b := NewDownloadItem("https://example.com/a", nil, "")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DownloadStatus
		allowed  bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusTransferring, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusTransferring, true},
		{StatusProcessing, StatusCompleted, false},
		{StatusTransferring, StatusPaused, true},
		{StatusTransferring, StatusCompleted, true},
		{StatusTransferring, StatusFailed, true},
		{StatusTransferring, StatusCanceled, true},
		{StatusPaused, StatusProcessing, true},
		{StatusPaused, StatusTransferring, true},
		{StatusPaused, StatusCompleted, false},
		{StatusFailed, StatusTransferring, true},
		{StatusCanceled, StatusTransferring, true},
		{StatusCompleted, StatusTransferring, false},
		{StatusCompleted, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestDownloadItem_TransitionTo(t *testing.T) {
	item := NewDownloadItem("https://example.com/a.bin", nil, "")

	require.NoError(t, item.TransitionTo(StatusProcessing))
	require.NoError(t, item.TransitionTo(StatusProcessing), "same status is a no-op")

	err := item.TransitionTo(StatusCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusProcessing, item.Status)
}

func TestDownloadItem_ApplyResult(t *testing.T) {
	item := NewDownloadItem("https://example.com/page", map[string]string{
		"Referer": "https://caller.example",
		"Cookie":  "a=1",
	}, "")

	item.ApplyResult(PluginResult{
		URL:               "https://cdn.example.com/data.zip",
		FileName:          "data.zip",
		IconURL:           "https://cdn.example.com/icon.png",
		Size:              2048,
		Headers:           map[string]string{"Referer": "https://plugin.example"},
		ReprocessOnResume: true,
		PluginName:        "cdn",
	})

	assert.Equal(t, "https://cdn.example.com/data.zip", item.URL)
	assert.Equal(t, "https://example.com/page", item.OriginalURL)
	assert.Equal(t, "https://plugin.example", item.Headers["Referer"], "plugin headers win")
	assert.Equal(t, "a=1", item.Headers["Cookie"])
	assert.Equal(t, "data.zip", item.SuggestedFileName)
	assert.Equal(t, int64(2048), item.TotalBytes)
	assert.True(t, item.ReprocessOnResume)
	assert.Equal(t, "cdn", item.PluginName)
}

func TestDownloadItem_RecordProgress(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	item := NewDownloadItem("https://example.com/a.bin", nil, "")
	item.Status = StatusTransferring
	item.ResetThroughput(start)

	item.RecordProgress(500, 10000, start.Add(300*time.Millisecond), 800*time.Millisecond)
	assert.Equal(t, int64(500), item.BytesWritten)
	assert.InDelta(t, 0.05, item.Progress, 1e-9)
	assert.Zero(t, item.BytesPerSecond, "samples closer than the interval are skipped")
	assert.Equal(t, start, item.LastSampleAt)

	item.RecordProgress(1000, 10000, start.Add(time.Second), 800*time.Millisecond)
	assert.InDelta(t, 1000, item.BytesPerSecond, 1e-6)
	assert.False(t, item.Stalled)

	item.RecordProgress(1000, 10000, start.Add(2*time.Second), 800*time.Millisecond)
	assert.True(t, item.Stalled)
	assert.InDelta(t, 700, item.BytesPerSecond, 1e-6)
}

func TestDownloadItem_CurrentSpeed_Stale(t *testing.T) {
	now := time.Now()
	item := &DownloadItem{LastSampleAt: now, BytesPerSecond: 4096}

	assert.Equal(t, 4096.0, item.CurrentSpeed(now.Add(time.Second), 2*time.Second))
	assert.Zero(t, item.CurrentSpeed(now.Add(3*time.Second), 2*time.Second))
	assert.Zero(t, (&DownloadItem{}).CurrentSpeed(now, 2*time.Second))
}

func TestDownloadItem_MarkCompleted(t *testing.T) {
	item := NewDownloadItem("https://example.com/a.bin", nil, "")
	item.Status = StatusTransferring
	item.TotalBytes = 100
	item.BytesWritten = 90

	require.NoError(t, item.MarkCompleted("/downloads/a.bin", time.Now()))
	assert.Equal(t, StatusCompleted, item.Status)
	assert.Equal(t, 1.0, item.Progress)
	assert.Equal(t, int64(100), item.BytesWritten)
	assert.Equal(t, "/downloads/a.bin", item.FilePath)
	assert.NotNil(t, item.CompletedAt)
}

func TestDownloadItem_MarkFailed(t *testing.T) {
	item := NewDownloadItem("https://example.com/a.bin", nil, "")
	item.Status = StatusTransferring

	require.NoError(t, item.MarkFailed(errors.New("disk full")))
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, "disk full", item.ErrorMessage)
}

func TestDownloadItem_IsDuplicateOf(t *testing.T) {
	item := NewDownloadItem("https://example.com/a.bin", nil, "")

	assert.False(t, item.IsDuplicateOf("https://example.com/a.bin"), "pending items are not duplicates")
	item.Status = StatusTransferring
	assert.True(t, item.IsDuplicateOf("https://example.com/a.bin"))
	assert.False(t, item.IsDuplicateOf("https://example.com/b.bin"))
	item.Status = StatusCompleted
	assert.True(t, item.IsDuplicateOf("https://example.com/a.bin"))
	item.Status = StatusFailed
	assert.False(t, item.IsDuplicateOf("https://example.com/a.bin"))
}

func TestDeriveFileName(t *testing.T) {
	tests := []struct {
		name      string
		suggested string
		url       string
		expected  string
	}{
		{"suggested wins", "report.pdf", "https://example.com/x.bin", "report.pdf"},
		{"suggested borrows extension", "report", "https://example.com/x.pdf", "report.pdf"},
		{"last segment", "", "https://example.com/files/archive.tar.gz?x=1", "archive.tar.gz"},
		{"escaped segment", "", "https://example.com/my%20file.txt", "my file.txt"},
		{"fallback", "", "https://example.com/", "download"},
		{"fallback without url", "", "", "download"},
		{"separators replaced", "a/b.txt", "https://example.com/x", "a_b.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveFileName(tt.suggested, tt.url))
		})
	}
}

func TestDownloadStats_Add(t *testing.T) {
	var stats DownloadStats
	stats.Add(StatusTransferring)
	stats.Add(StatusTransferring)
	stats.Add(StatusFailed)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Transferring)
	assert.Equal(t, 1, stats.Failed)
}
