package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultProgressInterval = 100 * time.Millisecond
	transferBufferSize      = 32 * 1024
	defaultUserAgent        = "downlink/1.0"
)

// resumeToken is the opaque payload handed to the scheduler on pause
type resumeToken struct {
	URL       string `json:"url"`
	TempPath  string `json:"tempPath"`
	Written   int64  `json:"written"`
	Total     int64  `json:"total,omitempty"`
	Validator string `json:"validator,omitempty"`
}

// HTTPTransferEngine runs transfers over plain HTTP into files under a temp directory
type HTTPTransferEngine struct {
	client           *http.Client
	tempDir          string
	progressInterval time.Duration
	logger           *zap.Logger
}

// NewHTTPTransferEngine creates a transfer engine writing partial files to tempDir
func NewHTTPTransferEngine(tempDir string, logger *zap.Logger) *HTTPTransferEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransferEngine{
		client:           &http.Client{},
		tempDir:          tempDir,
		progressInterval: defaultProgressInterval,
		logger:           logger,
	}
}

// Start begins a transfer in the background
func (e *HTTPTransferEngine) Start(req domain.TransferRequest, events domain.TransferEvents) domain.Transfer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &httpTransfer{
		engine: e,
		req:    req,
		events: events,
		ctx:    ctx,
		cancel: cancel,
	}
	go t.run()
	return t
}

// Discard removes the partial file behind a resume token
func (e *HTTPTransferEngine) Discard(token []byte) {
	tok, ok := e.decodeToken(token)
	if !ok {
		return
	}
	if err := os.Remove(tok.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("Failed to discard partial file", zap.String("path", tok.TempPath), zap.Error(err))
	}
}

// decodeToken accepts only tokens that point inside the temp directory
func (e *HTTPTransferEngine) decodeToken(token []byte) (resumeToken, bool) {
	if len(token) == 0 {
		return resumeToken{}, false
	}
	var tok resumeToken
	if err := json.Unmarshal(token, &tok); err != nil || tok.TempPath == "" {
		return resumeToken{}, false
	}
	rel, err := filepath.Rel(e.tempDir, tok.TempPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return resumeToken{}, false
	}
	return tok, true
}

type stopMode int

const (
	stopNone stopMode = iota
	stopCancel
	stopForResume
)

type httpTransfer struct {
	engine *HTTPTransferEngine
	req    domain.TransferRequest
	events domain.TransferEvents
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	mode     stopMode
	onToken  func([]byte)
	finished bool

	// Owned by the run goroutine
	tempPath     string
	written      int64
	total        int64
	validator    string
	acceptRanges bool
}

func (t *httpTransfer) Cancel() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	if t.mode == stopNone {
		t.mode = stopCancel
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *httpTransfer) CancelForResume(onToken func(token []byte)) {
	t.mu.Lock()
	if t.finished || t.onToken != nil {
		t.mu.Unlock()
		if onToken != nil {
			onToken(nil)
		}
		return
	}
	t.mode = stopForResume
	t.onToken = onToken
	t.mu.Unlock()
	t.cancel()
}

func (t *httpTransfer) run() {
	err := t.transfer()

	t.mu.Lock()
	t.finished = true
	mode := t.mode
	onToken := t.onToken
	t.onToken = nil
	t.mu.Unlock()
	defer t.cancel()

	logger := t.engine.logger.With(zap.String("url", t.req.URL))

	if err == nil {
		logger.Debug("Transfer finished", zap.Int64("bytes", t.written), zap.String("temp", t.tempPath))
		t.emitComplete()
		if onToken != nil {
			onToken(nil)
		}
		return
	}

	stopped := t.ctx.Err() != nil && mode != stopNone
	if stopped && mode == stopForResume {
		token := t.token()
		if token == nil {
			t.removeTemp()
		}
		logger.Debug("Transfer paused", zap.Int64("bytes", t.written), zap.Bool("resumable", token != nil))
		if onToken != nil {
			onToken(token)
		}
		t.emitError(domain.ErrTransferCanceled)
		return
	}

	t.removeTemp()
	if onToken != nil {
		onToken(nil)
	}
	if stopped {
		logger.Debug("Transfer canceled")
		t.emitError(domain.ErrTransferCanceled)
		return
	}
	logger.Warn("Transfer failed", zap.Error(err))
	t.emitError(err)
}

func (t *httpTransfer) transfer() error {
	file, offset, err := t.openTarget()
	if err != nil {
		return err
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.req.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	for k, v := range t.req.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if t.validator != "" {
			req.Header.Set("If-Range", t.validator)
		}
	}

	resp, err := t.engine.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		t.total = contentRangeTotal(resp.Header.Get("Content-Range"))
		t.acceptRanges = true
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if offset > 0 {
			// Server ignored the range; start over
			if err := file.Truncate(0); err != nil {
				return fmt.Errorf("failed to truncate partial file: %w", err)
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("failed to rewind partial file: %w", err)
			}
			t.written = 0
		}
		t.total = resp.ContentLength
		if t.total < 0 {
			t.total = 0
		}
		t.acceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	default:
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		t.validator = etag
	} else if lm := resp.Header.Get("Last-Modified"); lm != "" {
		t.validator = lm
	}

	if err := t.copyBody(file, resp.Body); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync partial file: %w", err)
	}
	return nil
}

// openTarget reopens the partial file named by the resume token, or creates a fresh one
func (t *httpTransfer) openTarget() (*os.File, int64, error) {
	if tok, ok := t.engine.decodeToken(t.req.ResumeToken); ok {
		info, err := os.Stat(tok.TempPath)
		if err == nil && info.Size() >= tok.Written && tok.Written > 0 {
			file, err := os.OpenFile(tok.TempPath, os.O_WRONLY, 0o644)
			if err == nil {
				if err := file.Truncate(tok.Written); err == nil {
					if _, err := file.Seek(tok.Written, io.SeekStart); err == nil {
						t.tempPath = tok.TempPath
						t.written = tok.Written
						t.total = tok.Total
						t.validator = tok.Validator
						return file, tok.Written, nil
					}
				}
				file.Close()
			}
		}
		t.engine.logger.Debug("Resume token unusable, starting over", zap.String("path", tok.TempPath))
		_ = os.Remove(tok.TempPath)
	}

	if err := os.MkdirAll(t.engine.tempDir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("failed to create temp directory: %w", err)
	}
	file, err := os.CreateTemp(t.engine.tempDir, "downlink-*.part")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create partial file: %w", err)
	}
	t.tempPath = file.Name()
	return file, 0, nil
}

func (t *httpTransfer) copyBody(dst io.Writer, src io.Reader) error {
	buf := make([]byte, transferBufferSize)
	var lastReport time.Time

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write partial file: %w", err)
			}
			t.written += int64(n)
			if now := time.Now(); now.Sub(lastReport) >= t.engine.progressInterval {
				lastReport = now
				t.emitProgress()
			}
		}
		if readErr == io.EOF {
			t.emitProgress()
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// token returns nil when the partial file cannot be resumed
func (t *httpTransfer) token() []byte {
	if !t.acceptRanges || t.written <= 0 || t.tempPath == "" {
		return nil
	}
	data, err := json.Marshal(resumeToken{
		URL:       t.req.URL,
		TempPath:  t.tempPath,
		Written:   t.written,
		Total:     t.total,
		Validator: t.validator,
	})
	if err != nil {
		return nil
	}
	return data
}

func (t *httpTransfer) removeTemp() {
	if t.tempPath == "" {
		return
	}
	if err := os.Remove(t.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.engine.logger.Warn("Failed to remove partial file", zap.String("path", t.tempPath), zap.Error(err))
	}
}

func (t *httpTransfer) emitProgress() {
	if t.events.OnProgress != nil {
		t.events.OnProgress(t.written, t.total)
	}
}

func (t *httpTransfer) emitComplete() {
	if t.events.OnComplete != nil {
		t.events.OnComplete(t.tempPath)
	}
}

func (t *httpTransfer) emitError(err error) {
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
}

// contentRangeTotal parses the complete length out of "bytes a-b/total"
func contentRangeTotal(header string) int64 {
	i := strings.LastIndexByte(header, '/')
	if i < 0 || header[i+1:] == "*" {
		return 0
	}
	total, err := strconv.ParseInt(header[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return total
}
