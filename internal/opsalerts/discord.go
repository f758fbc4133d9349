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

// discordAdapter posts ops alerts to a Discord channel via an incoming
// webhook. Adapted from the corpus's tenant/node alert formatter, repointed
// at dead-letter and capacity events instead of GPU cluster lifecycle ones.
type discordAdapter struct {
	webhookURL string
	client     *http.Client
	logger     *zap.Logger
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text"`
}

const (
	discordColorYellow = 16776960
	discordColorRed    = 15158332
)

func newDiscordAdapter(webhookURL string, logger *zap.Logger) *discordAdapter {
	return &discordAdapter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (d *discordAdapter) Send(ctx context.Context, event events.Event) error {
	payload := discordPayload{Embeds: []discordEmbed{formatDiscordEmbed(event)}}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatDiscordEmbed(event events.Event) discordEmbed {
	switch event.Type {
	case events.EventProvisioningDeadLettered:
		return discordEmbed{
			Title:       "Provisioning task dead-lettered",
			Description: "A provisioning task exhausted its retry budget.",
			Color:       discordColorRed,
			Fields: []discordEmbedField{
				{Name: "Subscription", Value: event.SubscriptionID, Inline: true},
				{Name: "Reason", Value: fieldString(event.Payload, "reason"), Inline: false},
			},
			Timestamp: event.Timestamp.Format(time.RFC3339),
			Footer:    &discordEmbedFooter{Text: "control-plane ops"},
		}
	case events.EventJobDeadLettered:
		return discordEmbed{
			Title:       "Job dead-lettered",
			Description: "A queued job exhausted its retry budget.",
			Color:       discordColorRed,
			Fields: []discordEmbedField{
				{Name: "Queue", Value: fieldString(event.Payload, "queue"), Inline: true},
				{Name: "Last error", Value: fieldString(event.Payload, "last_error"), Inline: false},
			},
			Timestamp: event.Timestamp.Format(time.RFC3339),
			Footer:    &discordEmbedFooter{Text: "control-plane ops"},
		}
	case events.EventReservationLeaked:
		return discordEmbed{
			Title:       "Reservation leak detected",
			Description: "A worker crashed mid-job without extending or completing its reservation.",
			Color:       discordColorYellow,
			Fields: []discordEmbedField{
				{Name: "Queue", Value: fieldString(event.Payload, "queue"), Inline: true},
				{Name: "Count", Value: fieldString(event.Payload, "count"), Inline: true},
			},
			Timestamp: event.Timestamp.Format(time.RFC3339),
			Footer:    &discordEmbedFooter{Text: "control-plane ops"},
		}
	case events.EventServerCapacityWarning:
		return discordEmbed{
			Title:       "Server capacity warning",
			Description: "No server has spare account capacity.",
			Color:       discordColorYellow,
			Fields: []discordEmbedField{
				{Name: "Servers checked", Value: fieldString(event.Payload, "servers_checked"), Inline: true},
			},
			Timestamp: event.Timestamp.Format(time.RFC3339),
			Footer:    &discordEmbedFooter{Text: "control-plane ops"},
		}
	default:
		return discordEmbed{
			Title:       fmt.Sprintf("Event: %s", event.Type),
			Description: "Unrecognized ops event.",
			Color:       discordColorYellow,
			Timestamp:   event.Timestamp.Format(time.RFC3339),
			Footer:      &discordEmbedFooter{Text: "control-plane ops"},
		}
	}
}

func fieldString(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok {
		return "n/a"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
