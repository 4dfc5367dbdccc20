package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pihub/internal/config"
)

const userAgent = "PiHub-Go/1.0"

// Service defines the notification surface exposed to the sync backends.
type Service interface {
	NotifyTransferCompleted(ctx context.Context, backend, device string, files int) error
	NotifyFolderRejected(ctx context.Context, device, folder, reason string) error
	NotifyRetriesExhausted(ctx context.Context, device string, attempts int) error
	NotifyConfigurationError(ctx context.Context, device string, err error) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		transfers: cfg.Notifications.Transfers,
		errors:    cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	transfers bool
	errors    bool
}

func (n *ntfyService) NotifyTransferCompleted(ctx context.Context, backend, device string, files int) error {
	if !n.transfers {
		return nil
	}
	data := payload{
		title:   "PiHub - Transfer Complete",
		message: fmt.Sprintf("✅ %s: %d file(s) sent to %s", strings.TrimSpace(device), files, strings.TrimSpace(backend)),
		tags:    []string{"pihub", "transfer", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyFolderRejected(ctx context.Context, device, folder, reason string) error {
	if !n.errors {
		return nil
	}
	message := fmt.Sprintf("Dataset rejected for %s: %s", strings.TrimSpace(device), strings.TrimSpace(folder))
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s\nReason: %s", message, reason)
	}
	data := payload{
		title:   "PiHub - Dataset Rejected",
		message: message,
		tags:    []string{"pihub", "dataset", "rejected"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRetriesExhausted(ctx context.Context, device string, attempts int) error {
	if !n.errors {
		return nil
	}
	data := payload{
		title:    "PiHub - Transfer Abandoned",
		message:  fmt.Sprintf("⚠️ %s: transfer failed %d times; data kept in ToProcess until the next connection", strings.TrimSpace(device), attempts),
		tags:     []string{"pihub", "transfer", "retry"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyConfigurationError(ctx context.Context, device string, err error) error {
	if !n.errors {
		return nil
	}
	detail := "unknown"
	if err != nil {
		detail = strings.TrimSpace(err.Error())
	}
	data := payload{
		title:    "PiHub - Server Configuration",
		message:  fmt.Sprintf("🛠️ %s cannot upload: %s", strings.TrimSpace(device), detail),
		tags:     []string{"pihub", "configuration", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("❌ Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "PiHub - Error",
		message:  builder.String(),
		tags:     []string{"pihub", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "PiHub - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"pihub", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Noop returns a Service that drops every notification.
func Noop() Service { return noopService{} }

type noopService struct{}

func (noopService) NotifyTransferCompleted(context.Context, string, string, int) error { return nil }
func (noopService) NotifyFolderRejected(context.Context, string, string, string) error { return nil }
func (noopService) NotifyRetriesExhausted(context.Context, string, int) error          { return nil }
func (noopService) NotifyConfigurationError(context.Context, string, error) error      { return nil }
func (noopService) NotifyError(context.Context, error, string) error                   { return nil }
func (noopService) TestNotification(context.Context) error                             { return nil }
