package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/downlink-go/internal/domain"
)

// fakeTransfer records what the manager asked of one transfer
type fakeTransfer struct {
	req    domain.TransferRequest
	events domain.TransferEvents

	mu       sync.Mutex
	canceled bool
	onToken  func([]byte)
}

func (f *fakeTransfer) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
}

func (f *fakeTransfer) CancelForResume(onToken func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onToken = onToken
}

func (f *fakeTransfer) wasCanceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

func (f *fakeTransfer) tokenCallback() func([]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onToken
}

// fakeEngine implements domain.TransferEngine for testing
type fakeEngine struct {
	mu        sync.Mutex
	transfers []*fakeTransfer
	discarded [][]byte
}

func (e *fakeEngine) Start(req domain.TransferRequest, events domain.TransferEvents) domain.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := &fakeTransfer{req: req, events: events}
	e.transfers = append(e.transfers, tr)
	return tr
}

func (e *fakeEngine) Discard(token []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discarded = append(e.discarded, token)
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transfers)
}

func (e *fakeEngine) transfer(t *testing.T, n int) *fakeTransfer {
	t.Helper()
	require.Eventually(t, func() bool { return e.count() >= n }, time.Second, time.Millisecond,
		"expected transfer #%d to start", n)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers[n-1]
}

func (e *fakeEngine) discardedTokens() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.discarded...)
}

// fakeResolver implements URLResolver for testing
type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	fn    func(rawURL string) []domain.PluginResult
}

func (r *fakeResolver) ProcessURL(ctx context.Context, rawURL string) []domain.PluginResult {
	r.mu.Lock()
	r.calls = append(r.calls, rawURL)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return []domain.PluginResult{domain.BypassResult(rawURL)}
	}
	return fn(rawURL)
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeResolver) call(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[n]
}

func newTestManager(t *testing.T, resolver URLResolver) (*DownloadManager, *fakeEngine) {
	t.Helper()
	if resolver == nil {
		resolver = &fakeResolver{}
	}
	engine := &fakeEngine{}
	config := &domain.DownloadConfig{
		DownloadDir:     t.TempDir(),
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		SampleInterval:  0,
		StaleSpeedAfter: 2 * time.Second,
	}
	dm := NewDownloadManager(engine, resolver, nil, config, nil)
	dm.place = func(tempPath, dir, name string) (string, error) {
		return filepath.Join(dir, name), nil
	}

	require.NoError(t, dm.Start(context.Background()))
	t.Cleanup(func() { dm.Stop() })
	return dm, engine
}

func waitForStatus(t *testing.T, dm *DownloadManager, id string, status domain.DownloadStatus) *domain.DownloadItem {
	t.Helper()
	var item *domain.DownloadItem
	require.Eventually(t, func() bool {
		got, err := dm.Get(context.Background(), id)
		if err != nil {
			return false
		}
		item = got
		return got.Status == status
	}, time.Second, time.Millisecond, "expected item %s to reach %s", id, status)
	return item
}

func addBypass(t *testing.T, dm *DownloadManager, rawURL string) string {
	t.Helper()
	id, err := dm.Add(context.Background(), AddRequest{URL: rawURL, BypassPlugins: true})
	require.NoError(t, err)
	return id
}

func TestAdd_RequiresURL(t *testing.T) {
	dm, _ := newTestManager(t, nil)
	_, err := dm.Add(context.Background(), AddRequest{})
	assert.Error(t, err)
}

func TestAdd_BypassStartsTransferImmediately(t *testing.T) {
	dm, engine := newTestManager(t, nil)

	id, err := dm.Add(context.Background(), AddRequest{
		URL:           "https://example.com/a.zip",
		Headers:       map[string]string{"Cookie": "k=v"},
		BypassPlugins: true,
	})
	require.NoError(t, err)

	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTransferring, item.Status)
	assert.Equal(t, "https://example.com/a.zip", item.OriginalURL)
	assert.Equal(t, "https://example.com/a.zip", item.URL)

	tr := engine.transfer(t, 1)
	assert.Equal(t, "https://example.com/a.zip", tr.req.URL)
	assert.Equal(t, "k=v", tr.req.Headers["Cookie"])
	assert.Nil(t, tr.req.ResumeToken)
}

func TestAdd_BypassDuplicateDropped(t *testing.T) {
	dm, engine := newTestManager(t, nil)

	addBypass(t, dm, "https://example.com/a.zip")
	addBypass(t, dm, "https://example.com/a.zip")

	items, err := dm.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, engine.count())
}

func TestAdd_ResolvesSingleResource(t *testing.T) {
	resolver := &fakeResolver{fn: func(rawURL string) []domain.PluginResult {
		return []domain.PluginResult{{
			URL:        "https://cdn.example.com/data.zip",
			FileName:   "data.zip",
			Headers:    map[string]string{"Referer": "https://example.com"},
			PluginName: "example",
		}}
	}}
	dm, engine := newTestManager(t, resolver)

	id, err := dm.Add(context.Background(), AddRequest{URL: "https://example.com/download/abc"})
	require.NoError(t, err)

	item := waitForStatus(t, dm, id, domain.StatusTransferring)
	assert.Equal(t, "https://example.com/download/abc", item.OriginalURL)
	assert.Equal(t, "https://cdn.example.com/data.zip", item.URL)
	assert.Equal(t, "data.zip", item.FileName())
	assert.Equal(t, "example", item.PluginName)

	tr := engine.transfer(t, 1)
	assert.Equal(t, "https://cdn.example.com/data.zip", tr.req.URL)
	assert.Equal(t, "https://example.com", tr.req.Headers["Referer"])
}

func TestAdd_ZeroResourcesRemovesItem(t *testing.T) {
	resolver := &fakeResolver{fn: func(string) []domain.PluginResult { return nil }}
	dm, engine := newTestManager(t, resolver)

	id, err := dm.Add(context.Background(), AddRequest{URL: "https://example.com/empty"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := dm.Get(context.Background(), id)
		return errors.Is(err, domain.ErrItemNotFound)
	}, time.Second, time.Millisecond)
	assert.Zero(t, engine.count())
}

func TestAdd_ResolvedDuplicateRemoved(t *testing.T) {
	resolver := &fakeResolver{fn: func(string) []domain.PluginResult {
		return []domain.PluginResult{{URL: "https://cdn.example.com/a.zip"}}
	}}
	dm, engine := newTestManager(t, resolver)

	addBypass(t, dm, "https://cdn.example.com/a.zip")
	id, err := dm.Add(context.Background(), AddRequest{URL: "https://example.com/page"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := dm.Get(context.Background(), id)
		return errors.Is(err, domain.ErrItemNotFound)
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, engine.count())
}

func TestAdd_FanOut(t *testing.T) {
	release := make(chan struct{})
	resolver := &fakeResolver{fn: func(string) []domain.PluginResult {
		<-release
		return []domain.PluginResult{
			{URL: "https://cdn.example.com/1.jpg"},
			{URL: "https://cdn.example.com/2.jpg", FileName: "two.jpg"},
			{URL: "https://cdn.example.com/existing.jpg"},
		}
	}}
	dm, engine := newTestManager(t, resolver)
	addBypass(t, dm, "https://cdn.example.com/existing.jpg")

	placeholder, err := dm.Add(context.Background(), AddRequest{
		URL:            "https://example.com/album",
		DestinationDir: "/tmp/album",
	})
	require.NoError(t, err)
	before := dm.Version()
	close(release)

	var items []*domain.DownloadItem
	require.Eventually(t, func() bool {
		items, err = dm.List(context.Background())
		return err == nil && len(items) == 3 && engine.count() == 3
	}, time.Second, time.Millisecond)

	assert.Equal(t, before+1, dm.Version(), "fan-out notifies once")
	for _, item := range items {
		assert.NotEqual(t, placeholder, item.ID)
		assert.Equal(t, domain.StatusTransferring, item.Status)
	}
	assert.Equal(t, "https://cdn.example.com/1.jpg", items[1].URL)
	assert.Equal(t, items[1].URL, items[1].OriginalURL)
	assert.Equal(t, "/tmp/album", items[1].DestinationDir)
	assert.Equal(t, "two.jpg", items[2].FileName())
}

func TestProgress_UpdatesAndStaleCallbacksIgnored(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	id := addBypass(t, dm, "https://example.com/a.bin")
	tr := engine.transfer(t, 1)

	tr.events.OnProgress(50, 100)
	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), item.BytesWritten)
	assert.Equal(t, int64(100), item.TotalBytes)
	assert.InDelta(t, 0.5, item.Progress, 1e-9)

	require.NoError(t, dm.Cancel(context.Background(), id))
	assert.True(t, tr.wasCanceled())

	tr.events.OnProgress(90, 100)
	tr.events.OnError(domain.ErrTransferCanceled)
	item, err = dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, item.Status)
	assert.Equal(t, int64(50), item.BytesWritten)
}

func TestRetry_BudgetExhausted(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	id := addBypass(t, dm, "https://example.com/flaky.bin")

	maxRetries := dm.config.MaxRetries
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		tr := engine.transfer(t, attempt)
		tr.events.OnError(fmt.Errorf("connection reset (attempt %d)", attempt))
	}

	item := waitForStatus(t, dm, id, domain.StatusFailed)
	assert.Equal(t, maxRetries, item.RetryCount)
	assert.Contains(t, item.ErrorMessage, "connection reset")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, maxRetries+1, engine.count(), "no attempt after the budget is exhausted")
}

func TestRetry_ManualResetsCounters(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	dm.config.MaxRetries = 0
	id := addBypass(t, dm, "https://example.com/a.bin")

	engine.transfer(t, 1).events.OnError(errors.New("503"))
	waitForStatus(t, dm, id, domain.StatusFailed)

	require.NoError(t, dm.Resume(context.Background(), id))
	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTransferring, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Empty(t, item.ErrorMessage)
	assert.Nil(t, engine.transfer(t, 2).req.ResumeToken)
}

func TestPauseResume_WithToken(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	id := addBypass(t, dm, "https://example.com/big.iso")
	tr := engine.transfer(t, 1)
	tr.events.OnProgress(10, 100)

	require.NoError(t, dm.Pause(context.Background(), id))
	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTransferring, item.Status, "paused only once the token lands")
	require.NotNil(t, tr.tokenCallback())
	assert.False(t, tr.wasCanceled())

	token := []byte(`{"offset":10}`)
	tr.tokenCallback()(token)
	tr.events.OnError(domain.ErrTransferCanceled)

	item = waitForStatus(t, dm, id, domain.StatusPaused)
	assert.Equal(t, token, item.ResumeToken)

	require.NoError(t, dm.Resume(context.Background(), id))
	resumed := engine.transfer(t, 2)
	assert.Equal(t, token, resumed.req.ResumeToken)

	item, err = dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTransferring, item.Status)
	assert.Nil(t, item.ResumeToken)
	assert.Equal(t, int64(10), item.BytesWritten)
}

func TestPauseResume_WithoutToken(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	id := addBypass(t, dm, "https://example.com/stream")
	tr := engine.transfer(t, 1)

	require.NoError(t, dm.Pause(context.Background(), id))
	tr.tokenCallback()(nil)
	item := waitForStatus(t, dm, id, domain.StatusPaused)
	assert.Nil(t, item.ResumeToken)

	require.NoError(t, dm.Resume(context.Background(), id))
	assert.Nil(t, engine.transfer(t, 2).req.ResumeToken)
}

func TestPauseResume_Reprocess(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	resolver := &fakeResolver{fn: func(rawURL string) []domain.PluginResult {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return []domain.PluginResult{{
			URL:               fmt.Sprintf("https://cdn.example.com/signed?sig=%d", calls),
			ReprocessOnResume: true,
		}}
	}}
	dm, engine := newTestManager(t, resolver)

	id, err := dm.Add(context.Background(), AddRequest{URL: "https://example.com/watch/1"})
	require.NoError(t, err)
	waitForStatus(t, dm, id, domain.StatusTransferring)
	tr := engine.transfer(t, 1)

	require.NoError(t, dm.Pause(context.Background(), id))
	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, item.Status, "reprocessing items pause immediately")
	assert.True(t, tr.wasCanceled())
	assert.Nil(t, tr.tokenCallback())
	assert.Nil(t, item.ResumeToken)

	require.NoError(t, dm.Resume(context.Background(), id))
	item = waitForStatus(t, dm, id, domain.StatusTransferring)
	assert.Equal(t, 2, resolver.callCount())
	assert.Equal(t, "https://example.com/watch/1", resolver.call(1))
	assert.Equal(t, "https://cdn.example.com/signed?sig=2", item.URL)
	assert.Equal(t, item.URL, engine.transfer(t, 2).req.URL)
}

func TestPause_DuringBackoff(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	dm.config.RetryDelay = time.Hour
	id := addBypass(t, dm, "https://example.com/a.bin")

	engine.transfer(t, 1).events.OnError(errors.New("timeout"))
	require.Eventually(t, func() bool {
		item, err := dm.Get(context.Background(), id)
		return err == nil && item.RetryCount == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, dm.Pause(context.Background(), id))
	waitForStatus(t, dm, id, domain.StatusPaused)
	assert.Equal(t, 1, engine.count())
}

func TestCancel_WhilePausingLandsOnPaused(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	id := addBypass(t, dm, "https://example.com/a.bin")
	tr := engine.transfer(t, 1)

	require.NoError(t, dm.Pause(context.Background(), id))
	require.NoError(t, dm.Cancel(context.Background(), id))

	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, item.Status)
	assert.True(t, tr.wasCanceled())

	tr.tokenCallback()([]byte("late"))
	require.Eventually(t, func() bool { return len(engine.discardedTokens()) == 1 }, time.Second, time.Millisecond)
	item, err = dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, item.ResumeToken)
}

func TestCancel_DuringResolution(t *testing.T) {
	release := make(chan struct{})
	resolver := &fakeResolver{fn: func(rawURL string) []domain.PluginResult {
		<-release
		return []domain.PluginResult{{URL: "https://cdn.example.com/x"}}
	}}
	dm, engine := newTestManager(t, resolver)
	defer close(release)

	id, err := dm.Add(context.Background(), AddRequest{URL: "https://example.com/slow"})
	require.NoError(t, err)
	require.NoError(t, dm.Cancel(context.Background(), id))
	release <- struct{}{}

	item := waitForStatus(t, dm, id, domain.StatusCanceled)
	assert.Equal(t, "https://example.com/slow", item.URL)
	assert.Zero(t, engine.count())
}

func TestRemove_DiscardsToken(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	id := addBypass(t, dm, "https://example.com/a.bin")
	tr := engine.transfer(t, 1)

	require.NoError(t, dm.Pause(context.Background(), id))
	tr.tokenCallback()([]byte("token"))
	waitForStatus(t, dm, id, domain.StatusPaused)

	require.NoError(t, dm.Remove(context.Background(), id))
	_, err := dm.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	assert.Equal(t, [][]byte{[]byte("token")}, engine.discardedTokens())
}

func TestRemove_CancelsActiveTransfer(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	id := addBypass(t, dm, "https://example.com/a.bin")
	tr := engine.transfer(t, 1)

	require.NoError(t, dm.Remove(context.Background(), id))
	assert.True(t, tr.wasCanceled())

	items, err := dm.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCompletion_PlacesFile(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	var placed struct {
		sync.Mutex
		temp, dir, name string
	}
	dm.place = func(tempPath, dir, name string) (string, error) {
		placed.Lock()
		defer placed.Unlock()
		placed.temp, placed.dir, placed.name = tempPath, dir, name
		return filepath.Join(dir, name), nil
	}

	id := addBypass(t, dm, "https://example.com/files/report.pdf")
	tr := engine.transfer(t, 1)
	tr.events.OnProgress(80, 100)
	tr.events.OnComplete("/tmp/part-1")

	item := waitForStatus(t, dm, id, domain.StatusCompleted)
	assert.Equal(t, 1.0, item.Progress)
	assert.Equal(t, int64(100), item.BytesWritten)
	assert.Equal(t, filepath.Join(dm.config.DownloadDir, "report.pdf"), item.FilePath)
	assert.NotNil(t, item.CompletedAt)

	placed.Lock()
	defer placed.Unlock()
	assert.Equal(t, "/tmp/part-1", placed.temp)
	assert.Equal(t, "report.pdf", placed.name)
}

func TestCompletion_DestinationErrorIsTerminal(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	dm.place = func(tempPath, dir, name string) (string, error) {
		return "", fmt.Errorf("%w: permission denied", domain.ErrDestination)
	}

	id := addBypass(t, dm, "https://example.com/a.bin")
	engine.transfer(t, 1).events.OnComplete("/tmp/part")

	item := waitForStatus(t, dm, id, domain.StatusFailed)
	assert.Contains(t, item.ErrorMessage, "permission denied")
	assert.Zero(t, item.RetryCount)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, engine.count())
}

func TestCommands_UnknownIDAreNoOps(t *testing.T) {
	dm, _ := newTestManager(t, nil)
	before := dm.Version()

	ctx := context.Background()
	assert.NoError(t, dm.Pause(ctx, "missing"))
	assert.NoError(t, dm.Resume(ctx, "missing"))
	assert.NoError(t, dm.Cancel(ctx, "missing"))
	assert.NoError(t, dm.Remove(ctx, "missing"))
	assert.NoError(t, dm.Retry(ctx, "missing"))
	assert.Equal(t, before, dm.Version())
}

func TestSnapshotAndStats(t *testing.T) {
	dm, _ := newTestManager(t, nil)
	addBypass(t, dm, "https://example.com/a.bin")
	id := addBypass(t, dm, "https://example.com/b.bin")
	require.NoError(t, dm.Cancel(context.Background(), id))

	views, version, err := dm.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, dm.Version(), version)
	assert.Equal(t, "a.bin", views[0].FileName)
	assert.Equal(t, domain.StatusCanceled, views[1].Status)

	stats, err := dm.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Transferring)
	assert.Equal(t, 1, stats.Canceled)
}

func TestChanges_SignalsSubscribers(t *testing.T) {
	dm, _ := newTestManager(t, nil)
	ch, unsubscribe := dm.Changes().Subscribe()
	defer unsubscribe()

	addBypass(t, dm, "https://example.com/a.bin")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
}

func TestPause_TransferFinishesBeforeToken(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	placed := make(chan string, 1)
	dm.place = func(tempPath, dir, name string) (string, error) {
		placed <- tempPath
		return filepath.Join(dir, name), nil
	}

	id := addBypass(t, dm, "https://example.com/almost-done.bin")
	tr := engine.transfer(t, 1)
	require.NoError(t, dm.Pause(context.Background(), id))
	require.Eventually(t, func() bool { return tr.tokenCallback() != nil }, time.Second, time.Millisecond)

	// The engine reports completion first, then declines the token
	tr.events.OnComplete("/tmp/part-done")
	tr.tokenCallback()(nil)

	item := waitForStatus(t, dm, id, domain.StatusCompleted)
	assert.Equal(t, filepath.Join(dm.config.DownloadDir, "almost-done.bin"), item.FilePath)
	assert.Equal(t, "/tmp/part-done", <-placed)

	time.Sleep(20 * time.Millisecond)
	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, item.Status)
}

func TestCancel_DuringPlacementRemovesPlacedFile(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	placedPath := filepath.Join(dm.config.DownloadDir, "movie.mkv")
	dm.place = func(tempPath, dir, name string) (string, error) {
		close(entered)
		<-release
		if err := os.WriteFile(placedPath, []byte("data"), 0o644); err != nil {
			return "", err
		}
		return placedPath, nil
	}

	id := addBypass(t, dm, "https://example.com/movie.mkv")
	engine.transfer(t, 1).events.OnComplete("/tmp/part-movie")
	<-entered

	require.NoError(t, dm.Cancel(context.Background(), id))
	close(release)

	require.Eventually(t, func() bool {
		_, err := os.Stat(placedPath)
		return errors.Is(err, os.ErrNotExist)
	}, time.Second, time.Millisecond, "placed file of a canceled download must not remain")

	item, err := dm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, item.Status)
	assert.Empty(t, item.FilePath)
}

func TestRetry_BackoffDelaysDouble(t *testing.T) {
	dm, engine := newTestManager(t, nil)
	dm.config.MaxRetries = 3
	dm.config.RetryDelay = 100 * time.Millisecond

	var mu sync.Mutex
	var delays []time.Duration
	dm.after = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return time.AfterFunc(0, f)
	}

	id := addBypass(t, dm, "https://example.com/flaky.bin")
	for attempt := 1; attempt <= 4; attempt++ {
		engine.transfer(t, attempt).events.OnError(errors.New("connection reset"))
	}
	waitForStatus(t, dm, id, domain.StatusFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, delays)
}

func TestRetryDelay(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, retryDelay(base, 1))
	assert.Equal(t, 4*time.Second, retryDelay(base, 2))
	assert.Equal(t, 8*time.Second, retryDelay(base, 3))
	assert.Equal(t, 2*time.Second, retryDelay(base, 0))
}
