package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yourusername/downlink-go/internal/app"
	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

// SnapshotSource provides the item list pushed to subscribers
type SnapshotSource interface {
	Version() uint64
	Snapshot(ctx context.Context) ([]domain.DownloadView, uint64, error)
	Changes() *app.ChangeFeed
}

type subscriber struct {
	conn      *websocket.Conn
	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// SubscriberHub pushes the item snapshot to WebSocket subscribers.
// The snapshot JSON is rebuilt only after the source version moves, and the
// prepared frame only when that JSON differs from the previous one.
type SubscriberHub struct {
	source      SnapshotSource
	minInterval time.Duration
	upgrader    websocket.Upgrader
	logger      *zap.Logger

	cacheMu       sync.Mutex
	cachedVersion uint64
	cachedJSON    []byte
	prepared      *websocket.PreparedMessage

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewSubscriberHub creates a hub. Call Run to start forwarding changes.
func NewSubscriberHub(source SnapshotSource, minInterval time.Duration, logger *zap.Logger) *SubscriberHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriberHub{
		source:      source,
		minInterval: minInterval,
		upgrader: websocket.Upgrader{
			// Browser extensions connect from their own origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run forwards change signals to every subscriber until ctx ends or the feed closes
func (h *SubscriberHub) Run(ctx context.Context) error {
	changes, unsubscribe := h.source.Changes().Subscribe()
	defer unsubscribe()

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			h.kickAll()
		case <-ctx.Done():
			return nil
		}
	}
}

// Close disconnects every subscriber
func (h *SubscriberHub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Count returns the number of connected subscribers
func (h *SubscriberHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Middleware promotes any request carrying a WebSocket upgrade, whatever its path
func (h *SubscriberHub) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		c.Abort()
		h.Serve(c)
	}
}

// Serve upgrades the connection and streams snapshots until the subscriber goes away
func (h *SubscriberHub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket", zap.Error(err))
		return
	}

	sub := &subscriber{
		conn: conn,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.add(sub)
	defer h.remove(sub)

	h.logger.Info("Subscriber connected", zap.String("remote_addr", c.Request.RemoteAddr))

	// Read side only drains control frames and notices the peer leaving
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.close()
				return
			}
		}
	}()

	ctx := c.Request.Context()
	if err := h.send(ctx, sub); err != nil {
		return
	}
	last := time.Now()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-sub.kick:
			if wait := h.minInterval - time.Since(last); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-sub.done:
					timer.Stop()
					return
				}
				// The frame about to go out already covers a kick that arrived meanwhile
				select {
				case <-sub.kick:
				default:
				}
			}
			if err := h.send(ctx, sub); err != nil {
				return
			}
			last = time.Now()

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-sub.done:
			return
		}
	}
}

// SnapshotJSON returns the cached snapshot JSON, rebuilding it if the source changed
func (h *SubscriberHub) SnapshotJSON(ctx context.Context) ([]byte, error) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if err := h.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return h.cachedJSON, nil
}

func (h *SubscriberHub) frame(ctx context.Context) (*websocket.PreparedMessage, error) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if err := h.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return h.prepared, nil
}

func (h *SubscriberHub) refreshLocked(ctx context.Context) error {
	if h.prepared != nil && h.source.Version() == h.cachedVersion {
		return nil
	}

	views, version, err := h.source.Snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(views)
	if err != nil {
		return err
	}
	if h.prepared != nil && bytes.Equal(data, h.cachedJSON) {
		h.cachedVersion = version
		return nil
	}

	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		return err
	}
	h.cachedVersion = version
	h.cachedJSON = data
	h.prepared = prepared
	return nil
}

func (h *SubscriberHub) send(ctx context.Context, sub *subscriber) error {
	msg, err := h.frame(ctx)
	if err != nil {
		h.logger.Warn("Failed to build snapshot frame", zap.Error(err))
		return err
	}
	sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sub.conn.WritePreparedMessage(msg); err != nil {
		h.logger.Debug("Subscriber write failed, dropping", zap.Error(err))
		return err
	}
	return nil
}

func (h *SubscriberHub) kickAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (h *SubscriberHub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

func (h *SubscriberHub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
	h.logger.Info("Subscriber disconnected")
}
