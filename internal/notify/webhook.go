package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 10 * time.Second

var errMissingWebhookURL = errors.New("notify: webhook url required")

// Alert is the JSON document posted to the notification service.
type Alert struct {
	Event      string         `json:"event"`
	Severity   string         `json:"severity"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Notifier hands alerts to the external notification service.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// WebhookConfig configures the resty-backed webhook notifier.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// WebhookNotifier posts alerts as JSON to a single endpoint.
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
}

func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingWebhookURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	restyClient := resty.New()
	restyClient.
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if token := strings.TrimSpace(cfg.Token); token != "" {
		restyClient.SetAuthToken(token)
	}

	return &WebhookNotifier{
		httpClient: restyClient,
		url:        url,
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(alert).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("post alert %s: %w", alert.Event, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("notification webhook error: status=%d, body=%s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// Nop discards alerts. It is used when no webhook is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error {
	return nil
}
