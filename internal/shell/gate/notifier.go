package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/shell/events"
)

// =============================================================================
// Notifier Interface
// =============================================================================

// EventKind says why a notification is sent.
type EventKind string

const (
	EventOpened   EventKind = "opened"
	EventReminder EventKind = "reminder"
	EventDecided  EventKind = "decided"
)

// Notification is what a Notifier delivers.
type Notification struct {
	Event EventKind   `json:"event"`
	Gate  domain.Gate `json:"gate"`
}

// Notifier delivers gate notifications to approvers.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// MultiNotifier delivers to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Event Hub Notifier
// =============================================================================

// HubNotifier publishes gate notifications as hub events.
type HubNotifier struct {
	Publisher events.Publisher
}

func (h HubNotifier) Notify(_ context.Context, n Notification) error {
	typ := events.TypeGateOpened
	switch n.Event {
	case EventReminder:
		typ = events.TypeGateReminder
	case EventDecided:
		typ = events.TypeGateDecided
	}
	h.Publisher.Publish(events.Event{Type: typ, RunID: n.Gate.RunID, Payload: n.Gate})
	return nil
}

// =============================================================================
// Webhook Notifier
// =============================================================================

// WebhookConfig holds configuration for the webhook notifier.
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// WebhookNotifier POSTs notifications as JSON to a fixed URL.
type WebhookNotifier struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &WebhookNotifier{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// webhookPayload is the request body sent to the webhook.
type webhookPayload struct {
	Event     string     `json:"event"`
	GateID    string     `json:"gate_id"`
	RunID     string     `json:"run_id"`
	Stage     string     `json:"stage"`
	Status    string     `json:"status"`
	Info      string     `json:"info,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt string     `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Notify sends one notification. Non-2xx responses are errors.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload := webhookPayload{
		Event:     string(n.Event),
		GateID:    n.Gate.ID,
		RunID:     n.Gate.RunID,
		Stage:     string(n.Gate.Stage),
		Status:    string(n.Gate.Status),
		Info:      n.Gate.Info,
		DecidedBy: n.Gate.DecidedBy,
		Comment:   n.Gate.Comment,
		CreatedAt: n.Gate.CreatedAt.Format(time.RFC3339),
		DecidedAt: n.Gate.DecidedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
