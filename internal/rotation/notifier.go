package rotation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/researchops/gatekeeper/internal/logging"
)

// Notifier delivers scheduler events to an external collaborator.
type Notifier interface {
	Name() string
	Send(ctx context.Context, event Event) error
	SupportsEvent(eventType EventType) bool
}

// LogNotifier writes events to the process log. Always registered so
// operators see rotation activity even without a webhook configured.
type LogNotifier struct {
	log *logging.Logger
}

func NewLogNotifier(log *logging.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) SupportsEvent(EventType) bool { return true }

func (n *LogNotifier) Send(_ context.Context, event Event) error {
	switch event.Type {
	case EventRotationDue:
		n.log.Warn("credential for %s is %s old and due for rotation", event.Provider, event.CredentialAge.Round(time.Hour))
	case EventMasterKeyRotated:
		n.log.Info("master key rotated to v%d", event.KeyVersion)
	}
	return nil
}

// WebhookConfig configures an HTTP webhook notifier.
type WebhookConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	// Events limits delivery to the listed types. Empty means all.
	Events  []string
	Timeout time.Duration
}

// WebhookNotifier POSTs events as JSON to a configured endpoint.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
}

func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	parsed, err := url.Parse(config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL: %q", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (n *WebhookNotifier) Name() string {
	if n.config.Name != "" {
		return "webhook:" + n.config.Name
	}
	return "webhook"
}

func (n *WebhookNotifier) SupportsEvent(eventType EventType) bool {
	if len(n.config.Events) == 0 {
		return true
	}
	for _, e := range n.config.Events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

func (n *WebhookNotifier) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
