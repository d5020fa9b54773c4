package monitor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/internal/wire"
)

// Webhook payload formats
const (
	FormatGeneric = "generic"
	FormatSlack   = "slack"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Hub-Signature-256"

// WebhookAlertHandler posts alerts as JSON to a webhook endpoint
type WebhookAlertHandler struct {
	name   string
	url    string
	secret string
	format string
	client *http.Client
	logger *slog.Logger
	retry  reliability.RetryPolicy
}

// WebhookPayload is the generic webhook body
type WebhookPayload struct {
	Service   string         `json:"service"`
	Component string         `json:"component"`
	Status    string         `json:"status"`
	Level     AlertLevel     `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Alert     *Alert         `json:"alert"`
}

// SlackPayload is the Slack incoming-webhook body
type SlackPayload struct {
	Text        string            `json:"text"`
	Username    string            `json:"username,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// WebhookOption configures a WebhookAlertHandler
type WebhookOption func(*WebhookAlertHandler)

// WithWebhookSecret signs request bodies with HMAC-SHA256
func WithWebhookSecret(secret string) WebhookOption {
	return func(w *WebhookAlertHandler) { w.secret = secret }
}

// WithWebhookFormat selects FormatGeneric or FormatSlack
func WithWebhookFormat(format string) WebhookOption {
	return func(w *WebhookAlertHandler) {
		if format != "" {
			w.format = format
		}
	}
}

// WithWebhookClient overrides the HTTP client
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(w *WebhookAlertHandler) {
		if client != nil {
			w.client = client
		}
	}
}

// WithWebhookRetry overrides the retry policy
func WithWebhookRetry(policy reliability.RetryPolicy) WebhookOption {
	return func(w *WebhookAlertHandler) {
		if policy != nil {
			w.retry = policy
		}
	}
}

// WithWebhookLogger sets the logger
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *WebhookAlertHandler) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWebhookAlertHandler creates a new webhook alert handler
func NewWebhookAlertHandler(name, url string, opts ...WebhookOption) (*WebhookAlertHandler, error) {
	w := &WebhookAlertHandler{
		name:   name,
		url:    url,
		format: FormatGeneric,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
		retry:  reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 3),
	}
	for _, opt := range opts {
		opt(w)
	}
	if url == "" {
		return nil, fmt.Errorf("webhook %s: url is required", name)
	}
	if w.format != FormatGeneric && w.format != FormatSlack {
		return nil, fmt.Errorf("webhook %s: unknown format %q", name, w.format)
	}
	return w, nil
}

// Name returns the handler name
func (w *WebhookAlertHandler) Name() string {
	return w.name
}

// HandleAlert sends an alert to the webhook endpoint, retrying network
// failures and 5xx/429 responses.
func (w *WebhookAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	var payload any
	if w.format == FormatSlack {
		payload = slackPayload(alert)
	} else {
		payload = genericPayload(alert)
	}

	body, err := wire.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	attempt := 0
	err = reliability.Retry(ctx, w.retry, func() error {
		attempt++
		err := w.send(ctx, body)
		if err != nil {
			w.logger.Warn("webhook send failed", "handler", w.name, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	w.logger.Debug("webhook sent", "handler", w.name, "alert", alert.ID, "attempts", attempt)
	return nil
}

func (w *WebhookAlertHandler) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return reliability.RetryableError{Err: err, Retryable: false}
	}
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set("User-Agent", "mmate-gateway")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return reliability.RetryableError{Err: fmt.Errorf("webhook returned status %d", resp.StatusCode), Retryable: false}
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func alertStatus(alert *Alert) string {
	if alert.Resolved {
		return "resolved"
	}
	return "triggered"
}

func genericPayload(alert *Alert) *WebhookPayload {
	return &WebhookPayload{
		Service:   alert.Service,
		Component: alert.Component,
		Status:    alertStatus(alert),
		Level:     alert.Level,
		Message:   alert.Message,
		Timestamp: alert.Timestamp,
		Details:   alert.Details,
		Alert:     alert,
	}
}

func slackPayload(alert *Alert) *SlackPayload {
	color := "good"
	switch {
	case alert.Resolved:
	case alert.Level == AlertLevelCritical:
		color = "danger"
	case alert.Level == AlertLevelWarning:
		color = "warning"
	}

	attachment := SlackAttachment{
		Color:     color,
		Title:     fmt.Sprintf("%s - %s", alert.Service, alert.Component),
		Text:      alert.Message,
		Footer:    alert.Service,
		Timestamp: alert.Timestamp.Unix(),
		Fields: []SlackField{
			{Title: "Level", Value: string(alert.Level), Short: true},
			{Title: "Occurrences", Value: fmt.Sprintf("%d", alert.Occurrences), Short: true},
		},
	}
	if alert.Resolved && alert.ResolvedAt != nil {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Duration",
			Value: alert.ResolvedAt.Sub(alert.FirstSeen).Round(time.Second).String(),
			Short: true,
		})
	}

	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attachment.Fields = append(attachment.Fields, SlackField{Title: k, Value: fmt.Sprintf("%v", alert.Details[k]), Short: true})
	}

	return &SlackPayload{
		Text:        fmt.Sprintf("Alert %s: %s", alertStatus(alert), alert.Component),
		Username:    alert.Service,
		Attachments: []SlackAttachment{attachment},
	}
}

// LogAlertHandler writes alerts to a logger
type LogAlertHandler struct {
	logger *slog.Logger
}

// NewLogAlertHandler creates a new log alert handler
func NewLogAlertHandler(logger *slog.Logger) *LogAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlertHandler{logger: logger}
}

// Name returns the handler name
func (l *LogAlertHandler) Name() string { return "log" }

// HandleAlert logs the alert
func (l *LogAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	level := slog.LevelWarn
	if alert.Resolved {
		level = slog.LevelInfo
	} else if alert.Level == AlertLevelCritical {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "alert notification",
		"status", alertStatus(alert),
		"id", alert.ID,
		"level", alert.Level,
		"component", alert.Component,
		"message", alert.Message,
		"occurrences", alert.Occurrences)
	return nil
}
