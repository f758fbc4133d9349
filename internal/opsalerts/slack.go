package opsalerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/control-plane/pkg/events"
	"go.uber.org/zap"
)

// slackAdapter posts ops alerts to Slack via an incoming webhook, using
// Block Kit markdown sections rather than the fallback-text-only format.
type slackAdapter struct {
	webhookURL string
	client     *http.Client
	logger     *zap.Logger
}

type slackPayload struct {
	Username string       `json:"username,omitempty"`
	Blocks   []slackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"`
}

type slackBlock struct {
	Type string           `json:"type"`
	Text *slackTextObject `json:"text,omitempty"`
}

type slackTextObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newSlackAdapter(webhookURL string, logger *zap.Logger) *slackAdapter {
	return &slackAdapter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (s *slackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := slackPayload{
		Username: "control-plane ops",
		Text:     fmt.Sprintf("Event: %s", event.Type),
		Blocks: []slackBlock{
			{
				Type: "section",
				Text: &slackTextObject{Type: "mrkdwn", Text: formatSlackText(event)},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatSlackText(event events.Event) string {
	switch event.Type {
	case events.EventProvisioningDeadLettered:
		return fmt.Sprintf("*Provisioning task dead-lettered*\nsubscription: `%s`\nreason: %s",
			event.SubscriptionID, fieldString(event.Payload, "reason"))
	case events.EventJobDeadLettered:
		return fmt.Sprintf("*Job dead-lettered*\nqueue: `%s`\nlast error: %s",
			fieldString(event.Payload, "queue"), fieldString(event.Payload, "last_error"))
	case events.EventReservationLeaked:
		return fmt.Sprintf("*Reservation leak*\nqueue: `%s`\ncount: %s",
			fieldString(event.Payload, "queue"), fieldString(event.Payload, "count"))
	case events.EventServerCapacityWarning:
		return fmt.Sprintf("*Server capacity warning*\nservers checked: %s",
			fieldString(event.Payload, "servers_checked"))
	default:
		return fmt.Sprintf("Event `%s` (subscription `%s`)", event.Type, event.SubscriptionID)
	}
}
