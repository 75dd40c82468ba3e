package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/yourusername/downlink-go/internal/domain"
	"github.com/yourusername/downlink-go/internal/infrastructure"
	"go.uber.org/zap"
)

// URLResolver maps an input URL to the concrete resources to transfer
type URLResolver interface {
	ProcessURL(ctx context.Context, rawURL string) []domain.PluginResult
}

// AddRequest describes a submission to the scheduler
type AddRequest struct {
	URL            string
	FileName       string
	Headers        map[string]string
	BypassPlugins  bool
	DestinationDir string
}

// PlaceFunc moves a finished artifact into dir under a unique name derived from name
type PlaceFunc func(tempPath, dir, name string) (string, error)

// transferAttempt identifies one native transfer. Callbacks carrying a stale
// attempt are ignored.
type transferAttempt struct {
	handle domain.Transfer
}

type resolution struct {
	cancel context.CancelFunc
}

type retryWait struct {
	timer *time.Timer
}

// DownloadManager owns the download items and drives each through its state machine.
// Every mutation runs on the manager's event loop.
type DownloadManager struct {
	engine   domain.TransferEngine
	resolver URLResolver
	notifier *infrastructure.NotificationService
	config   *domain.DownloadConfig
	logger   *zap.Logger
	place    PlaceFunc
	now      func() time.Time
	after    func(time.Duration, func()) *time.Timer

	loop    *EventLoop
	feed    *ChangeFeed
	version atomic.Uint64
	ctx     context.Context

	// Loop-owned state
	items      []*domain.DownloadItem
	index      map[string]*domain.DownloadItem
	active     map[string]*transferAttempt
	pausing    map[string]*transferAttempt
	placing    map[string]*transferAttempt
	resolving  map[string]*resolution
	retries    map[string]*retryWait
	batchDepth int
	batchDirty bool
}

// NewDownloadManager creates a new download manager
func NewDownloadManager(
	engine domain.TransferEngine,
	resolver URLResolver,
	notifier *infrastructure.NotificationService,
	config *domain.DownloadConfig,
	logger *zap.Logger,
) *DownloadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadManager{
		engine:    engine,
		resolver:  resolver,
		notifier:  notifier,
		config:    config,
		logger:    logger,
		place:     infrastructure.PlaceFile,
		now:       time.Now,
		after:     time.AfterFunc,
		loop:      NewEventLoop(logger),
		feed:      NewChangeFeed(),
		ctx:       context.Background(),
		index:     make(map[string]*domain.DownloadItem),
		active:    make(map[string]*transferAttempt),
		pausing:   make(map[string]*transferAttempt),
		placing:   make(map[string]*transferAttempt),
		resolving: make(map[string]*resolution),
		retries:   make(map[string]*retryWait),
	}
}

// Start starts the manager's event loop
func (dm *DownloadManager) Start(ctx context.Context) error {
	dm.ctx = ctx
	if err := dm.loop.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download manager: %w", err)
	}
	dm.logger.Info("Download manager started")
	return nil
}

// Stop cancels every in-flight transfer and resolution and stops the event loop
func (dm *DownloadManager) Stop() error {
	_ = dm.loop.Do(context.Background(), func() {
		for _, item := range dm.items {
			dm.halt(item.ID)
		}
	})
	err := dm.loop.Stop()
	dm.feed.Close()
	dm.logger.Info("Download manager stopped")
	return err
}

// IsRunning returns whether the manager accepts commands
func (dm *DownloadManager) IsRunning() bool {
	return dm.loop.IsRunning()
}

// Version returns a counter that increases on every notifying mutation
func (dm *DownloadManager) Version() uint64 {
	return dm.version.Load()
}

// Changes returns the change feed signalled after every notifying mutation
func (dm *DownloadManager) Changes() *ChangeFeed {
	return dm.feed
}

// Add submits a URL and returns the new item's id. Bypassed duplicates are dropped
// without error; the returned id then names no item.
func (dm *DownloadManager) Add(ctx context.Context, req AddRequest) (string, error) {
	if req.URL == "" {
		return "", errors.New("url is required")
	}

	item := domain.NewDownloadItem(req.URL, req.Headers, req.FileName)
	item.DestinationDir = req.DestinationDir

	var (
		added bool
		name  string
	)
	err := dm.loop.Do(ctx, func() {
		dm.batch(func() {
			if req.BypassPlugins {
				if dm.isDuplicate(item.URL, "") {
					dm.logger.Info("Dropping duplicate download",
						zap.String("id", item.ID),
						zap.String("url", item.URL))
					return
				}
				dm.insert(item)
				dm.startFresh(item)
			} else {
				dm.insert(item)
				dm.transition(item, domain.StatusProcessing)
				dm.beginResolution(item, false)
			}
			added = true
			name = item.FileName()
		})
	})
	if err != nil {
		return "", err
	}
	if !added {
		return item.ID, nil
	}

	dm.logger.Info("Download added",
		zap.String("id", item.ID),
		zap.String("url", req.URL),
		zap.Bool("bypass", req.BypassPlugins))
	go dm.notifier.NotifyDownloadAdded(name)
	return item.ID, nil
}

// Pause pauses a transferring item. Unknown ids are ignored.
func (dm *DownloadManager) Pause(ctx context.Context, id string) error {
	return dm.loop.Do(ctx, func() { dm.pause(id) })
}

// Resume resumes a paused item, or retries a failed or canceled one. Unknown ids are ignored.
func (dm *DownloadManager) Resume(ctx context.Context, id string) error {
	return dm.loop.Do(ctx, func() { dm.resume(id) })
}

// Retry restarts a failed or canceled item with fresh counters. Unknown ids are ignored.
func (dm *DownloadManager) Retry(ctx context.Context, id string) error {
	return dm.loop.Do(ctx, func() {
		if item := dm.index[id]; item != nil {
			dm.retryManually(item)
		}
	})
}

// Cancel cancels an item. Unknown ids are ignored.
func (dm *DownloadManager) Cancel(ctx context.Context, id string) error {
	return dm.loop.Do(ctx, func() { dm.cancel(id) })
}

// Remove cancels an item and drops it from the list. Unknown ids are ignored.
func (dm *DownloadManager) Remove(ctx context.Context, id string) error {
	return dm.loop.Do(ctx, func() {
		item := dm.index[id]
		if item == nil {
			return
		}
		dm.halt(id)
		dm.discardToken(item)
		dm.removeItem(item)
		dm.logger.Info("Download removed", zap.String("id", id))
	})
}

// Get returns a copy of the item with the given id
func (dm *DownloadManager) Get(ctx context.Context, id string) (*domain.DownloadItem, error) {
	var found *domain.DownloadItem
	err := dm.loop.Do(ctx, func() {
		if item := dm.index[id]; item != nil {
			found = cloneItem(item)
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
	}
	return found, nil
}

// List returns copies of all items in submission order
func (dm *DownloadManager) List(ctx context.Context) ([]*domain.DownloadItem, error) {
	var items []*domain.DownloadItem
	err := dm.loop.Do(ctx, func() {
		items = make([]*domain.DownloadItem, 0, len(dm.items))
		for _, item := range dm.items {
			items = append(items, cloneItem(item))
		}
	})
	return items, err
}

// Snapshot renders all items for clients, together with the version it reflects
func (dm *DownloadManager) Snapshot(ctx context.Context) ([]domain.DownloadView, uint64, error) {
	var (
		views   []domain.DownloadView
		version uint64
	)
	err := dm.loop.Do(ctx, func() {
		now := dm.now()
		views = make([]domain.DownloadView, 0, len(dm.items))
		for _, item := range dm.items {
			views = append(views, item.View(now, dm.config.StaleSpeedAfter))
		}
		version = dm.version.Load()
	})
	return views, version, err
}

// Stats returns item counts per status
func (dm *DownloadManager) Stats(ctx context.Context) (*domain.DownloadStats, error) {
	stats := &domain.DownloadStats{}
	err := dm.loop.Do(ctx, func() {
		for _, item := range dm.items {
			stats.Add(item.Status)
		}
	})
	return stats, err
}

// notify records a state change, deferring it while a batch is open
func (dm *DownloadManager) notify() {
	if dm.batchDepth > 0 {
		dm.batchDirty = true
		return
	}
	dm.version.Add(1)
	dm.feed.Publish()
}

// batch runs fn with notifications suppressed and fires at most one at the end
func (dm *DownloadManager) batch(fn func()) {
	dm.batchDepth++
	defer func() {
		dm.batchDepth--
		if dm.batchDepth == 0 && dm.batchDirty {
			dm.batchDirty = false
			dm.notify()
		}
	}()
	fn()
}

func (dm *DownloadManager) insert(item *domain.DownloadItem) {
	dm.items = append(dm.items, item)
	dm.index[item.ID] = item
	dm.notify()
}

func (dm *DownloadManager) removeItem(item *domain.DownloadItem) {
	delete(dm.index, item.ID)
	for i, it := range dm.items {
		if it == item {
			dm.items = append(dm.items[:i], dm.items[i+1:]...)
			break
		}
	}
	dm.notify()
}

func (dm *DownloadManager) transition(item *domain.DownloadItem, status domain.DownloadStatus) bool {
	if err := item.TransitionTo(status); err != nil {
		dm.logger.Warn("Rejected status change",
			zap.String("id", item.ID),
			zap.Error(err))
		return false
	}
	dm.notify()
	return true
}

func (dm *DownloadManager) isDuplicate(rawURL, exceptID string) bool {
	for _, item := range dm.items {
		if item.ID != exceptID && item.IsDuplicateOf(rawURL) {
			return true
		}
	}
	return false
}

// beginResolution runs the plugin pipeline for the item off the loop
func (dm *DownloadManager) beginResolution(item *domain.DownloadItem, reprocess bool) {
	ctx, cancel := context.WithCancel(dm.ctx)
	res := &resolution{cancel: cancel}
	dm.resolving[item.ID] = res

	id, rawURL := item.ID, item.OriginalURL
	go func() {
		results := dm.resolver.ProcessURL(ctx, rawURL)
		dm.loop.Post(func() { dm.onResolved(id, res, results, reprocess) })
	}()
}

func (dm *DownloadManager) onResolved(id string, res *resolution, results []domain.PluginResult, reprocess bool) {
	if dm.resolving[id] != res {
		return
	}
	delete(dm.resolving, id)
	res.cancel()

	item := dm.index[id]
	if item == nil || item.Status != domain.StatusProcessing {
		return
	}

	if reprocess {
		if len(results) > 0 {
			item.ApplyResult(results[0])
		}
		dm.startFresh(item)
		return
	}

	switch len(results) {
	case 0:
		dm.logger.Info("Resolution produced no resources, removing",
			zap.String("id", id),
			zap.String("url", item.OriginalURL))
		dm.removeItem(item)
	case 1:
		if dm.isDuplicate(results[0].URL, id) {
			dm.logger.Info("Dropping duplicate download",
				zap.String("id", id),
				zap.String("url", results[0].URL))
			dm.removeItem(item)
			return
		}
		item.ApplyResult(results[0])
		dm.startFresh(item)
	default:
		dm.fanOut(item, results)
	}
}

// fanOut replaces the placeholder with one item per resolved resource
func (dm *DownloadManager) fanOut(placeholder *domain.DownloadItem, results []domain.PluginResult) {
	dm.batch(func() {
		dm.removeItem(placeholder)
		started := 0
		for _, r := range results {
			if dm.isDuplicate(r.URL, "") {
				continue
			}
			child := domain.NewDownloadItem(r.URL, placeholder.Headers, "")
			child.DestinationDir = placeholder.DestinationDir
			child.ApplyResult(r)
			dm.insert(child)
			dm.startFresh(child)
			started++
		}
		dm.logger.Info("Resolution fanned out",
			zap.String("id", placeholder.ID),
			zap.Int("resources", len(results)),
			zap.Int("started", started))
	})
}

// startFresh moves the item to transferring with reset counters and starts a new transfer
func (dm *DownloadManager) startFresh(item *domain.DownloadItem) {
	if !dm.transition(item, domain.StatusTransferring) {
		return
	}
	item.ResetForAttempt(dm.now())
	dm.beginTransfer(item, nil)
}

// beginTransfer starts a native transfer, seeded from token when present
func (dm *DownloadManager) beginTransfer(item *domain.DownloadItem, token []byte) {
	if token == nil {
		item.BytesWritten = 0
		item.Progress = 0
	}
	item.ResetThroughput(dm.now())

	id := item.ID
	attempt := &transferAttempt{}
	dm.active[id] = attempt

	headers := make(map[string]string, len(item.Headers))
	for k, v := range item.Headers {
		headers[k] = v
	}
	attempt.handle = dm.engine.Start(domain.TransferRequest{
		URL:         item.URL,
		Headers:     headers,
		ResumeToken: token,
	}, domain.TransferEvents{
		OnProgress: func(written, total int64) {
			dm.loop.Post(func() { dm.onProgress(id, attempt, written, total) })
		},
		OnComplete: func(tempPath string) {
			dm.loop.Post(func() { dm.onTransferComplete(id, attempt, tempPath) })
		},
		OnError: func(err error) {
			dm.loop.Post(func() { dm.onTransferError(id, attempt, err) })
		},
	})

	dm.logger.Info("Transfer started",
		zap.String("id", id),
		zap.String("url", item.URL),
		zap.Bool("resumed", token != nil),
		zap.Int("retry_count", item.RetryCount))
	dm.notify()
}

func (dm *DownloadManager) onProgress(id string, attempt *transferAttempt, written, total int64) {
	if dm.active[id] != attempt {
		return
	}
	item := dm.index[id]
	if item == nil || item.Status != domain.StatusTransferring {
		return
	}
	item.StatusNote = ""
	item.RecordProgress(written, total, dm.now(), dm.config.SampleInterval)
	dm.notify()
}

func (dm *DownloadManager) onTransferComplete(id string, attempt *transferAttempt, tempPath string) {
	item := dm.index[id]
	current := dm.active[id] == attempt
	// A transfer that finished while its pause was pending is complete; the nil token that follows is ignored
	finishedWhilePausing := dm.pausing[id] == attempt
	if (!current && !finishedWhilePausing) || item == nil || item.Status != domain.StatusTransferring {
		os.Remove(tempPath)
		return
	}
	delete(dm.active, id)
	delete(dm.pausing, id)
	dm.placing[id] = attempt

	dir := item.DestinationDir
	if dir == "" {
		dir = dm.config.DownloadDir
	}
	name := item.FileName()
	item.StatusNote = "Finalizing…"
	dm.notify()

	go func() {
		finalPath, err := dm.place(tempPath, dir, name)
		if !dm.loop.Post(func() { dm.onPlaced(id, attempt, finalPath, err) }) && err != nil {
			os.Remove(tempPath)
		}
	}()
}

func (dm *DownloadManager) onPlaced(id string, attempt *transferAttempt, finalPath string, err error) {
	stale := dm.placing[id] != attempt
	if !stale {
		delete(dm.placing, id)
	}

	item := dm.index[id]
	if stale || item == nil || item.Status != domain.StatusTransferring {
		// Canceled or removed while the file was being moved
		if err == nil && finalPath != "" {
			if rerr := os.Remove(finalPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				dm.logger.Warn("Failed to remove placed file of canceled download",
					zap.String("id", id),
					zap.String("file", finalPath),
					zap.Error(rerr))
			}
		}
		return
	}

	if err != nil {
		dm.fail(item, err)
		return
	}
	if merr := item.MarkCompleted(finalPath, dm.now()); merr != nil {
		dm.logger.Warn("Rejected completion", zap.String("id", id), zap.Error(merr))
		return
	}
	dm.logger.Info("Download completed",
		zap.String("id", id),
		zap.String("url", item.URL),
		zap.String("file", finalPath))
	dm.notify()
	go dm.notifier.NotifyDownloadCompleted(item.FileName())
}

func (dm *DownloadManager) onTransferError(id string, attempt *transferAttempt, err error) {
	if dm.active[id] != attempt {
		return
	}
	delete(dm.active, id)

	item := dm.index[id]
	if item == nil || item.Status != domain.StatusTransferring {
		return
	}
	if errors.Is(err, domain.ErrTransferCanceled) {
		dm.transition(item, domain.StatusCanceled)
		return
	}

	if item.RetryCount < dm.config.MaxRetries {
		item.RetryCount++
		delay := retryDelay(dm.config.RetryDelay, item.RetryCount)
		item.StatusNote = fmt.Sprintf("Retrying (%d/%d)…", item.RetryCount, dm.config.MaxRetries)

		wait := &retryWait{}
		dm.retries[id] = wait
		wait.timer = dm.after(delay, func() {
			dm.loop.Post(func() { dm.onRetryDue(id, wait) })
		})

		dm.logger.Warn("Transfer attempt failed, retrying",
			zap.String("id", id),
			zap.Int("retry_count", item.RetryCount),
			zap.Int("max_retries", dm.config.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))
		dm.notify()
		return
	}

	dm.fail(item, err)
}

func (dm *DownloadManager) onRetryDue(id string, wait *retryWait) {
	if dm.retries[id] != wait {
		return
	}
	delete(dm.retries, id)

	item := dm.index[id]
	if item == nil || item.Status != domain.StatusTransferring {
		return
	}
	dm.beginTransfer(item, nil)
}

func (dm *DownloadManager) fail(item *domain.DownloadItem, err error) {
	if merr := item.MarkFailed(err); merr != nil {
		dm.logger.Warn("Rejected failure", zap.String("id", item.ID), zap.Error(merr))
		return
	}
	dm.logger.Error("Download failed",
		zap.String("id", item.ID),
		zap.String("url", item.URL),
		zap.Int("retry_count", item.RetryCount),
		zap.Bool("destination_error", errors.Is(err, domain.ErrDestination)),
		zap.Error(err))
	dm.notify()
	go dm.notifier.NotifyDownloadFailed(item.FileName(), err)
}

func (dm *DownloadManager) pause(id string) {
	item := dm.index[id]
	if item == nil || item.Status != domain.StatusTransferring {
		return
	}

	if wait := dm.retries[id]; wait != nil {
		wait.timer.Stop()
		delete(dm.retries, id)
		item.StatusNote = ""
		dm.transition(item, domain.StatusPaused)
		return
	}

	attempt := dm.active[id]
	if attempt == nil {
		return
	}
	delete(dm.active, id)

	if item.ReprocessOnResume {
		attempt.handle.Cancel()
		item.StatusNote = ""
		item.ResetThroughput(dm.now())
		dm.transition(item, domain.StatusPaused)
		dm.logger.Info("Download paused", zap.String("id", id), zap.Bool("reprocess", true))
		return
	}

	dm.pausing[id] = attempt
	attempt.handle.CancelForResume(func(token []byte) {
		dm.loop.Post(func() { dm.onResumeToken(id, attempt, token) })
	})
}

func (dm *DownloadManager) onResumeToken(id string, attempt *transferAttempt, token []byte) {
	if dm.pausing[id] != attempt {
		if token != nil {
			dm.engine.Discard(token)
		}
		return
	}
	delete(dm.pausing, id)

	item := dm.index[id]
	if item == nil || !dm.transition(item, domain.StatusPaused) {
		if token != nil {
			dm.engine.Discard(token)
		}
		return
	}
	item.ResumeToken = token
	item.StatusNote = ""
	item.ResetThroughput(dm.now())
	dm.logger.Info("Download paused",
		zap.String("id", id),
		zap.Bool("resumable", token != nil))
}

func (dm *DownloadManager) resume(id string) {
	item := dm.index[id]
	if item == nil {
		return
	}

	switch item.Status {
	case domain.StatusPaused:
		if item.ReprocessOnResume {
			dm.discardToken(item)
			if dm.transition(item, domain.StatusProcessing) {
				dm.beginResolution(item, true)
			}
			return
		}
		token := item.ResumeToken
		item.ResumeToken = nil
		if !dm.transition(item, domain.StatusTransferring) {
			return
		}
		item.ResetForAttempt(dm.now())
		dm.beginTransfer(item, token)
	case domain.StatusFailed, domain.StatusCanceled:
		dm.retryManually(item)
	}
}

func (dm *DownloadManager) retryManually(item *domain.DownloadItem) {
	if item.Status != domain.StatusFailed && item.Status != domain.StatusCanceled {
		return
	}
	dm.discardToken(item)
	dm.logger.Info("Download retried manually", zap.String("id", item.ID))
	dm.startFresh(item)
}

func (dm *DownloadManager) cancel(id string) {
	item := dm.index[id]
	if item == nil {
		return
	}

	if attempt := dm.pausing[id]; attempt != nil {
		delete(dm.pausing, id)
		attempt.handle.Cancel()
		item.StatusNote = ""
		dm.transition(item, domain.StatusPaused)
		return
	}

	switch item.Status {
	case domain.StatusPending, domain.StatusProcessing, domain.StatusTransferring, domain.StatusPaused:
		dm.halt(id)
		dm.discardToken(item)
		item.StatusNote = ""
		dm.transition(item, domain.StatusCanceled)
		dm.logger.Info("Download canceled", zap.String("id", id))
	}
}

// halt stops every asynchronous activity attached to the item without touching its status
func (dm *DownloadManager) halt(id string) {
	if attempt := dm.active[id]; attempt != nil {
		delete(dm.active, id)
		attempt.handle.Cancel()
	}
	if attempt := dm.pausing[id]; attempt != nil {
		delete(dm.pausing, id)
		attempt.handle.Cancel()
	}
	if res := dm.resolving[id]; res != nil {
		delete(dm.resolving, id)
		res.cancel()
	}
	if wait := dm.retries[id]; wait != nil {
		delete(dm.retries, id)
		wait.timer.Stop()
	}
	delete(dm.placing, id)
}

func (dm *DownloadManager) discardToken(item *domain.DownloadItem) {
	if item.ResumeToken != nil {
		dm.engine.Discard(item.ResumeToken)
		item.ResumeToken = nil
	}
}

// retryDelay is base × 2^(retryCount-1) for the retryCount-th automatic retry
func retryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		return base
	}
	return base * time.Duration(1<<(retryCount-1))
}

func cloneItem(item *domain.DownloadItem) *domain.DownloadItem {
	c := *item
	c.Headers = make(map[string]string, len(item.Headers))
	for k, v := range item.Headers {
		c.Headers[k] = v
	}
	if item.ResumeToken != nil {
		c.ResumeToken = append([]byte(nil), item.ResumeToken...)
	}
	if item.CompletedAt != nil {
		t := *item.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
