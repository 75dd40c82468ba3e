package infrastructure

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

// NotificationService handles sending desktop notifications. A nil service is a no-op.
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		config: config,
		logger: logger,
	}
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if n == nil {
		return nil
	}
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	switch n.config.Method {
	case "osascript":
		return n.sendOSAScript(title, message)
	case "notify-send":
		return n.sendNotifySend(title, message)
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}
}

// sendOSAScript sends notification using macOS osascript
func (n *NotificationService) sendOSAScript(title, message string) error {
	script := fmt.Sprintf(`display notification "%s" with title "%s"`, escapeAppleScript(message), escapeAppleScript(title))
	if n.config.Sound {
		script += ` sound name "default"`
	}
	cmd := exec.Command("osascript", "-e", script)

	if err := cmd.Run(); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", "osascript"),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))

	return nil
}

// sendNotifySend sends notification using Linux notify-send
func (n *NotificationService) sendNotifySend(title, message string) error {
	cmd := exec.Command("notify-send", title, message)

	if err := cmd.Run(); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", "notify-send"),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))

	return nil
}

// NotifyDownloadAdded sends notification when an item is submitted
func (n *NotificationService) NotifyDownloadAdded(name string) {
	n.Send("Download Added", fmt.Sprintf("Queued: %s", truncateString(name, 40)))
}

// NotifyDownloadCompleted sends notification when an item lands at its destination
func (n *NotificationService) NotifyDownloadCompleted(name string) {
	n.Send("Download Completed", fmt.Sprintf("Saved: %s", truncateString(name, 40)))
}

// NotifyDownloadFailed sends notification when an item fails for good
func (n *NotificationService) NotifyDownloadFailed(name string, err error) {
	message := fmt.Sprintf("Failed: %s", truncateString(name, 40))
	if err != nil {
		message += " (" + truncateString(err.Error(), 60) + ")"
	}
	n.Send("Download Failed", message)
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

// escapeAppleScript quotes a value for use inside an AppleScript string literal
func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
