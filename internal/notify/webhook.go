package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/brokerguard/brokerguard/internal/core"
)

// Webhook payload formats.
const (
	FormatJSON  = "json"
	FormatSlack = "slack"
)

// WebhookConfig configures a webhook notifier.
type WebhookConfig struct {
	Name    string
	URL     string
	Format  string
	Headers map[string]string
	Timeout time.Duration
	// MaxPerMinute throttles deliveries; zero means unthrottled.
	MaxPerMinute int
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// alertPayload is the JSON body for FormatJSON.
type alertPayload struct {
	ID         string          `json:"id"`
	Rule       string          `json:"rule"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	FiredAt    time.Time       `json:"fired_at"`
	Statistics core.Statistics `json:"statistics"`
}

// NewWebhookNotifier validates cfg and creates the notifier.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, core.NewError(core.KindConfiguration, "notify.webhook", fmt.Sprintf("invalid webhook url %q", cfg.URL))
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Format != FormatJSON && cfg.Format != FormatSlack {
		return nil, core.NewError(core.KindConfiguration, "notify.webhook", fmt.Sprintf("unknown webhook format %q", cfg.Format))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	n := &WebhookNotifier{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if cfg.MaxPerMinute > 0 {
		n.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxPerMinute)), 1)
	}
	return n, nil
}

func (n *WebhookNotifier) Name() string { return n.cfg.Name }

// Notify posts alert, waiting for the throttle if one is configured.
func (n *WebhookNotifier) Notify(ctx context.Context, alert core.Alert) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook throttle: %w", err)
		}
	}

	body, err := n.encode(alert)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (n *WebhookNotifier) encode(alert core.Alert) ([]byte, error) {
	if n.cfg.Format == FormatSlack {
		return json.Marshal(map[string]string{"text": SlackText(alert)})
	}
	return json.Marshal(alertPayload{
		ID:         alert.ID,
		Rule:       alert.Rule,
		Severity:   string(alert.Severity),
		Message:    alert.Message,
		FiredAt:    alert.FiredAt,
		Statistics: alert.Statistics,
	})
}

// SlackText renders alert as a short chat message.
func SlackText(alert core.Alert) string {
	s := alert.Statistics
	return fmt.Sprintf("*[%s] %s*\n%s\ncalls=%d errors=%.1f%% avg=%s p95=%s",
		strings.ToUpper(string(alert.Severity)),
		alert.Rule,
		alert.Message,
		s.Count,
		s.ErrorRate*100,
		s.AvgLatency.Round(time.Millisecond),
		s.P95Latency.Round(time.Millisecond))
}
