package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 3
	defaultPriority = PriorityDefault
)

// NTFY posts messages to an ntfy topic URL
type NTFY struct {
	cfg    Config
	client *retryablehttp.Client
}

// NewNTFY creates an ntfy notifier
func NewNTFY(cfg Config, log *slog.Logger) *NTFY {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetries
	}
	if cfg.Priority == "" {
		cfg.Priority = defaultPriority
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryAttempts - 1
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if log != nil {
		client.Logger = log.With("component", "ntfy")
	}

	return &NTFY{cfg: cfg, client: client}
}

// Send posts msg. Missing priority and tags fall back to the configured defaults.
func (n *NTFY) Send(ctx context.Context, msg Message) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}

	priority := msg.Priority
	if priority == "" {
		priority = n.cfg.Priority
	}
	tags := msg.Tags
	if len(tags) == 0 {
		tags = n.cfg.Tags
	}

	req.Header.Set("Title", msg.Title)
	req.Header.Set("Priority", priority)
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}

	switch n.cfg.AuthType {
	case AuthBasic:
		if n.cfg.Username != "" && n.cfg.Password != "" {
			req.SetBasicAuth(n.cfg.Username, n.cfg.Password)
		}
	case AuthBearer:
		if n.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post ntfy: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}
