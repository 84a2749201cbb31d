// Package notify delivers notification node messages over email, generic
// webhooks, Slack, PagerDuty and the in-process team event hub.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/migraflow/pkg/schema"
)

// Message is one notification request, already template-resolved.
type Message struct {
	Provider   string
	Recipients []string
	Subject    string
	Body       string
	WebhookURL string
	Channel    string
	Severity   string
	RoutingKey string
	TeamID     string

	ExecutionID string
	WorkflowID  string
	NodeID      string
}

// RecipientResult is the delivery outcome for one recipient or target.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report summarises a dispatch.
type Report struct {
	Provider string            `json:"provider"`
	Results  []RecipientResult `json:"results"`
	Sent     int               `json:"sent"`
	Failed   int               `json:"failed"`
}

func (r *Report) add(recipient, messageID string, err error) {
	res := RecipientResult{Recipient: recipient, Success: err == nil, MessageID: messageID}
	if err != nil {
		res.Error = err.Error()
		r.Failed++
	} else {
		r.Sent++
	}
	r.Results = append(r.Results, res)
}

// Errors joins the failure messages of every failed recipient.
func (r *Report) Errors() string {
	var msgs []string
	for _, res := range r.Results {
		if !res.Success {
			msgs = append(msgs, res.Recipient+": "+res.Error)
		}
	}
	return strings.Join(msgs, "; ")
}

// Notifier sends a notification message.
type Notifier interface {
	Send(ctx context.Context, msg Message) (*Report, error)
}

// Dispatcher routes messages to the transport of their provider. A nil
// transport makes its provider unavailable.
type Dispatcher struct {
	Email     EmailSender
	Webhook   *WebhookSender
	Slack     *SlackSender
	PagerDuty *PagerDutySender
	Team      *TeamPublisher
	Logger    *slog.Logger
}

// Send delivers msg to each of its targets. The returned error is non-nil
// only when the message cannot be attempted at all; per-target failures are
// reported in the Report.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (*Report, error) {
	report := &Report{Provider: msg.Provider, Results: []RecipientResult{}}

	switch msg.Provider {
	case schema.ProviderEmail:
		if d.Email == nil {
			return nil, unavailable(msg.Provider)
		}
		if len(msg.Recipients) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "email notification requires at least one recipient")
		}
		for _, to := range msg.Recipients {
			res, err := d.Email.SendEmail(ctx, to, msg.Subject, msg.Body)
			id := ""
			if res != nil {
				id = res.MessageID
			}
			report.add(to, id, err)
		}

	case schema.ProviderWebhook:
		if d.Webhook == nil {
			return nil, unavailable(msg.Provider)
		}
		targets := nonEmpty(append([]string{msg.WebhookURL}, msg.Recipients...))
		if len(targets) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "webhook notification requires a webhookUrl")
		}
		payload := webhookPayload(msg)
		for _, url := range targets {
			report.add(url, "", d.Webhook.Post(ctx, url, payload))
		}

	case schema.ProviderSlack:
		if d.Slack == nil {
			return nil, unavailable(msg.Provider)
		}
		channels := nonEmpty(append([]string{msg.Channel}, msg.Recipients...))
		if len(channels) == 0 {
			channels = []string{""}
		}
		for _, ch := range channels {
			label := ch
			if label == "" {
				label = "default"
			}
			report.add(label, "", d.Slack.Post(ctx, msg.WebhookURL, ch, slackText(msg)))
		}

	case schema.ProviderPagerDuty:
		if d.PagerDuty == nil {
			return nil, unavailable(msg.Provider)
		}
		keys := nonEmpty(append([]string{msg.RoutingKey}, msg.Recipients...))
		if len(keys) == 0 {
			keys = []string{""}
		}
		for _, key := range keys {
			dedup, err := d.PagerDuty.Trigger(ctx, key, msg)
			report.add(maskKey(key), dedup, err)
		}

	case schema.ProviderTeamNotification:
		if d.Team == nil {
			return nil, unavailable(msg.Provider)
		}
		teams := nonEmpty(append([]string{msg.TeamID}, msg.Recipients...))
		if len(teams) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "team notification requires a teamId")
		}
		for _, team := range teams {
			report.add(team, "", d.Team.Publish(ctx, team, msg))
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported notification provider %q", msg.Provider)
	}

	if d.Logger != nil {
		d.Logger.DebugContext(ctx, "notification dispatched",
			"provider", msg.Provider, "sent", report.Sent, "failed", report.Failed)
	}
	return report, nil
}

func unavailable(provider string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "notification provider %q is not configured", provider)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func webhookPayload(msg Message) map[string]any {
	return map[string]any{
		"subject":     msg.Subject,
		"message":     msg.Body,
		"severity":    msg.Severity,
		"executionId": msg.ExecutionID,
		"workflowId":  msg.WorkflowID,
		"nodeId":      msg.NodeID,
	}
}

func slackText(msg Message) string {
	if msg.Subject == "" {
		return msg.Body
	}
	return fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "routing-key"
	}
	return "routing-key…" + key[len(key)-4:]
}
