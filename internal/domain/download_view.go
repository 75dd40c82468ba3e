package domain

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// DownloadView is the JSON shape of an item published to control-plane clients
type DownloadView struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	OriginalURL   string         `json:"originalURL"`
	Status        DownloadStatus `json:"status"`
	Progress      float64        `json:"progress"`
	Speed         string         `json:"speed"`
	TimeRemaining string         `json:"timeRemaining"`
	TotalBytes    int64          `json:"totalBytes"`
	BytesWritten  int64          `json:"bytesWritten"`
	DisplayName   string         `json:"displayName"`
	FileName      string         `json:"fileName"`
	StatusText    string         `json:"statusText"`
	ProgressText  string         `json:"progressText"`
	SizeText      string         `json:"sizeText"`
	TotalSizeText string         `json:"totalSizeText"`
	Error         string         `json:"error,omitempty"`
	IconURL       string         `json:"iconURL,omitempty"`
	FilePath      string         `json:"filePath,omitempty"`
	PluginName    string         `json:"pluginName,omitempty"`
	RetryCount    int            `json:"retryCount"`
	DateAdded     int64          `json:"dateAdded"`
}

// View renders the item for clients. staleAfter bounds how old a speed sample may be.
func (d *DownloadItem) View(now time.Time, staleAfter time.Duration) DownloadView {
	speed := d.CurrentSpeed(now, staleAfter)
	name := d.FileName()

	v := DownloadView{
		ID:            d.ID,
		URL:           d.URL,
		OriginalURL:   d.OriginalURL,
		Status:        d.Status,
		Progress:      d.Progress,
		TotalBytes:    d.TotalBytes,
		BytesWritten:  d.BytesWritten,
		DisplayName:   name,
		FileName:      name,
		StatusText:    d.statusText(),
		ProgressText:  fmt.Sprintf("%d%%", int(d.Progress*100)),
		SizeText:      humanize.Bytes(uint64(max(d.BytesWritten, 0))),
		Error:         d.ErrorMessage,
		IconURL:       d.IconURL,
		FilePath:      d.FilePath,
		PluginName:    d.PluginName,
		RetryCount:    d.RetryCount,
		DateAdded:     d.DateAdded.UnixMilli(),
		TimeRemaining: d.timeRemaining(now, staleAfter),
	}
	if d.TotalBytes > 0 {
		v.TotalSizeText = humanize.Bytes(uint64(d.TotalBytes))
	}
	if d.Status == StatusTransferring {
		v.Speed = humanize.Bytes(uint64(speed)) + "/s"
	}
	return v
}

func (d *DownloadItem) statusText() string {
	switch d.Status {
	case StatusPending:
		return "Queued"
	case StatusProcessing:
		return "Resolving…"
	case StatusTransferring:
		if d.StatusNote != "" {
			return d.StatusNote
		}
		return "Downloading"
	case StatusPaused:
		return "Paused"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCanceled:
		return "Canceled"
	}
	return string(d.Status)
}

func (d *DownloadItem) timeRemaining(now time.Time, staleAfter time.Duration) string {
	if d.Status != StatusTransferring {
		return ""
	}
	if d.Progress == 0 {
		return "Calculating…"
	}
	remaining := d.TotalBytes - d.BytesWritten
	if remaining <= 0 {
		return "Finalizing…"
	}
	speed := d.CurrentSpeed(now, staleAfter)
	switch {
	case d.Stalled, speed == 0 && !d.LastSampleAt.IsZero() && now.Sub(d.LastSampleAt) > staleAfter:
		return "Stalled"
	case speed <= 0:
		// First sampling window still open
		return "Calculating…"
	}
	return FormatRemaining(time.Duration(float64(remaining) / speed * float64(time.Second)))
}

// FormatRemaining renders an ETA such as "42s left" or "1h 05m left"
func FormatRemaining(eta time.Duration) string {
	eta = eta.Round(time.Second)
	switch {
	case eta < time.Minute:
		return fmt.Sprintf("%ds left", int(eta.Seconds()))
	case eta < time.Hour:
		return fmt.Sprintf("%dm %02ds left", int(eta.Minutes()), int(eta.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %02dm left", int(eta.Hours()), int(eta.Minutes())%60)
	}
}
