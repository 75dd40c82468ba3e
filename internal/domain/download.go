package domain

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DownloadStatus represents the current status of a download item
type DownloadStatus string

const (
	StatusPending      DownloadStatus = "pending"
	StatusProcessing   DownloadStatus = "processing"
	StatusTransferring DownloadStatus = "transferring"
	StatusPaused       DownloadStatus = "paused"
	StatusCompleted    DownloadStatus = "completed"
	StatusFailed       DownloadStatus = "failed"
	StatusCanceled     DownloadStatus = "canceled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []DownloadStatus{
	StatusPending,
	StatusProcessing,
	StatusTransferring,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCanceled,
}

// transitions enumerates the allowed status edges. Removal is not a status.
var transitions = map[DownloadStatus][]DownloadStatus{
	StatusPending:      {StatusProcessing, StatusTransferring, StatusCanceled},
	StatusProcessing:   {StatusTransferring, StatusCanceled},
	StatusTransferring: {StatusPaused, StatusCompleted, StatusFailed, StatusCanceled},
	StatusPaused:       {StatusProcessing, StatusTransferring, StatusCanceled},
	StatusFailed:       {StatusTransferring},
	StatusCanceled:     {StatusTransferring},
}

// CanTransition reports whether from -> to is a legal edge of the item state machine
func CanTransition(from, to DownloadStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultFileName is used when neither a suggested name nor the URL yields one
const DefaultFileName = "download"

// DownloadItem represents one requested, transferring or finished file
type DownloadItem struct {
	ID                string
	OriginalURL       string
	URL               string
	Status            DownloadStatus
	Progress          float64
	BytesWritten      int64
	TotalBytes        int64
	Headers           map[string]string
	SuggestedFileName string
	IconURL           string
	PluginName        string
	DestinationDir    string
	FilePath          string
	ResumeToken       []byte
	ReprocessOnResume bool
	RetryCount        int
	ErrorMessage      string
	StatusNote        string
	DateAdded         time.Time
	CompletedAt       *time.Time

	// Throughput tracking, mutated only by RecordProgress and ResetThroughput
	LastSampleAt    time.Time
	LastSampleBytes int64
	BytesPerSecond  float64
	Stalled         bool
}

// NewDownloadItem creates a new pending download item
func NewDownloadItem(rawURL string, headers map[string]string, fileName string) *DownloadItem {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &DownloadItem{
		ID:                uuid.New().String(),
		OriginalURL:       rawURL,
		URL:               rawURL,
		Status:            StatusPending,
		Headers:           h,
		SuggestedFileName: fileName,
		DateAdded:         time.Now(),
	}
}

// TransitionTo moves the item to the given status if the edge is legal
func (d *DownloadItem) TransitionTo(status DownloadStatus) error {
	if d.Status == status {
		return nil
	}
	if !CanTransition(d.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, status)
	}
	d.Status = status
	return nil
}

// ApplyResult copies a resolution result onto the item. Plugin headers win on conflict.
func (d *DownloadItem) ApplyResult(r PluginResult) {
	if r.URL != "" {
		d.URL = r.URL
	}
	if d.Headers == nil {
		d.Headers = make(map[string]string, len(r.Headers))
	}
	for k, v := range r.Headers {
		d.Headers[k] = v
	}
	if r.FileName != "" {
		d.SuggestedFileName = r.FileName
	}
	if r.IconURL != "" {
		d.IconURL = r.IconURL
	}
	if r.Size > 0 {
		d.TotalBytes = r.Size
	}
	if r.PluginName != "" {
		d.PluginName = r.PluginName
	}
	d.ReprocessOnResume = r.ReprocessOnResume
}

// ResetForAttempt clears counters before a fresh transfer attempt
func (d *DownloadItem) ResetForAttempt(now time.Time) {
	d.RetryCount = 0
	d.ErrorMessage = ""
	d.StatusNote = ""
	d.CompletedAt = nil
	d.ResetThroughput(now)
}

// ResetThroughput restarts speed sampling from the current byte count
func (d *DownloadItem) ResetThroughput(now time.Time) {
	d.LastSampleAt = now
	d.LastSampleBytes = d.BytesWritten
	d.BytesPerSecond = 0
	d.Stalled = false
}

// speedSmoothing is the weight of the newest sample in the moving average
const speedSmoothing = 0.3

// RecordProgress updates byte counters and, at most once per minInterval, the smoothed speed
func (d *DownloadItem) RecordProgress(written, total int64, now time.Time, minInterval time.Duration) {
	d.BytesWritten = written
	if total > 0 {
		d.TotalBytes = total
	}
	if d.TotalBytes > 0 {
		d.Progress = clampProgress(float64(written) / float64(d.TotalBytes))
	}

	if d.LastSampleAt.IsZero() {
		d.LastSampleAt = now
		d.LastSampleBytes = written
		return
	}
	elapsed := now.Sub(d.LastSampleAt)
	if elapsed < minInterval || elapsed <= 0 {
		return
	}

	delta := written - d.LastSampleBytes
	rate := float64(delta) / elapsed.Seconds()
	if delta < 0 {
		rate = 0
	}
	if d.BytesPerSecond == 0 {
		d.BytesPerSecond = rate
	} else {
		d.BytesPerSecond = speedSmoothing*rate + (1-speedSmoothing)*d.BytesPerSecond
	}
	d.Stalled = delta == 0 && d.Status == StatusTransferring && d.Progress > 0
	d.LastSampleAt = now
	d.LastSampleBytes = written
}

// CurrentSpeed returns the smoothed speed, or zero if no sample landed within staleAfter
func (d *DownloadItem) CurrentSpeed(now time.Time, staleAfter time.Duration) float64 {
	if d.LastSampleAt.IsZero() || now.Sub(d.LastSampleAt) > staleAfter {
		return 0
	}
	return d.BytesPerSecond
}

// MarkCompleted marks the item as completed at the given path
func (d *DownloadItem) MarkCompleted(filePath string, now time.Time) error {
	if err := d.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	d.FilePath = filePath
	d.Progress = 1
	if d.TotalBytes > 0 {
		d.BytesWritten = d.TotalBytes
	}
	d.StatusNote = ""
	d.CompletedAt = &now
	return nil
}

// MarkFailed marks the item as failed with the error message
func (d *DownloadItem) MarkFailed(err error) error {
	if terr := d.TransitionTo(StatusFailed); terr != nil {
		return terr
	}
	d.StatusNote = ""
	if err != nil {
		d.ErrorMessage = err.Error()
	}
	return nil
}

// IsDuplicateOf reports whether the item already covers rawURL
func (d *DownloadItem) IsDuplicateOf(rawURL string) bool {
	return d.URL == rawURL && (d.Status == StatusTransferring || d.Status == StatusCompleted)
}

// FileName returns the name the item will be stored under
func (d *DownloadItem) FileName() string {
	return DeriveFileName(d.SuggestedFileName, d.URL)
}

// DeriveFileName picks a destination file name from a suggestion and the source URL.
// A name without an extension borrows the URL's extension when it has one.
func DeriveFileName(suggested, rawURL string) string {
	name := sanitizeFileName(suggested)
	urlPath := ""
	if u, err := url.Parse(rawURL); err == nil {
		urlPath = u.Path
	}
	if name == "" {
		seg := path.Base(urlPath)
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		name = sanitizeFileName(seg)
	}
	if name == "" {
		name = DefaultFileName
	}
	if path.Ext(name) == "" {
		if ext := path.Ext(urlPath); ext != "" && ext != "." {
			name += ext
		}
	}
	return name
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	return name
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// DownloadStats represents item counts by status
type DownloadStats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Transferring int `json:"transferring"`
	Paused       int `json:"paused"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Canceled     int `json:"canceled"`
}

// Add counts one item with the given status
func (s *DownloadStats) Add(status DownloadStatus) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusProcessing:
		s.Processing++
	case StatusTransferring:
		s.Transferring++
	case StatusPaused:
		s.Paused++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCanceled:
		s.Canceled++
	}
}
