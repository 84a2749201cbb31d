package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultPagerDutyURL is the PagerDuty Events API v2 enqueue endpoint.
const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// WebhookSender posts JSON payloads, retrying transport errors and 5xx
// responses with exponential backoff.
type WebhookSender struct {
	Client   *http.Client
	Attempts uint64
	Backoff  time.Duration
}

// NewWebhookSender creates a WebhookSender with a 10s client timeout.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{
		Client:   &http.Client{Timeout: 10 * time.Second},
		Attempts: 2,
		Backoff:  250 * time.Millisecond,
	}
}

// Post sends payload as JSON to url.
func (w *WebhookSender) Post(ctx context.Context, url string, payload any) error {
	_, err := w.post(ctx, url, payload)
	return err
}

func (w *WebhookSender) post(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var respBody []byte
	backoff := retry.WithMaxRetries(w.Attempts, retry.NewExponential(w.Backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.Client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	return respBody, err
}

// SlackSender posts to Slack incoming webhooks.
type SlackSender struct {
	http       *WebhookSender
	defaultURL string
}

// NewSlackSender creates a SlackSender. defaultURL is used when a node does
// not set webhookUrl.
func NewSlackSender(hs *WebhookSender, defaultURL string) *SlackSender {
	return &SlackSender{http: hs, defaultURL: defaultURL}
}

// Post sends text to the webhook, optionally overriding the channel.
func (s *SlackSender) Post(ctx context.Context, webhookURL, channel, text string) error {
	if webhookURL == "" {
		webhookURL = s.defaultURL
	}
	if webhookURL == "" {
		return fmt.Errorf("no slack webhook configured")
	}
	payload := map[string]any{"text": text}
	if channel != "" {
		payload["channel"] = channel
	}
	return s.http.Post(ctx, webhookURL, payload)
}

// PagerDutySender triggers PagerDuty incidents through Events API v2.
type PagerDutySender struct {
	http       *WebhookSender
	url        string
	defaultKey string
}

// NewPagerDutySender creates a PagerDutySender. An empty url targets the
// public Events API.
func NewPagerDutySender(hs *WebhookSender, url, defaultRoutingKey string) *PagerDutySender {
	if url == "" {
		url = DefaultPagerDutyURL
	}
	return &PagerDutySender{http: hs, url: url, defaultKey: defaultRoutingKey}
}

// Trigger opens an incident and returns its dedup key.
func (p *PagerDutySender) Trigger(ctx context.Context, routingKey string, msg Message) (string, error) {
	if routingKey == "" {
		routingKey = p.defaultKey
	}
	if routingKey == "" {
		return "", fmt.Errorf("no pagerduty routing key configured")
	}
	severity := msg.Severity
	if severity == "" {
		severity = "error"
	}
	summary := msg.Subject
	if summary == "" {
		summary = msg.Body
	}
	event := map[string]any{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    msg.ExecutionID + ":" + msg.NodeID,
		"payload": map[string]any{
			"summary":  summary,
			"severity": severity,
			"source":   "migraflow",
			"custom_details": map[string]any{
				"message":     msg.Body,
				"executionId": msg.ExecutionID,
				"workflowId":  msg.WorkflowID,
			},
		},
	}

	body, err := p.http.post(ctx, p.url, event)
	if err != nil {
		return "", err
	}
	var resp struct {
		DedupKey string `json:"dedup_key"`
	}
	_ = json.Unmarshal(body, &resp)
	return resp.DedupKey, nil
}
