package opsalerts

import (
	"context"
	"testing"
	"time"

	"github.com/crosslogic/control-plane/internal/config"
	"github.com/crosslogic/control-plane/pkg/events"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNew_RegistersNoChannelsWhenUnconfigured(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	s := New(config.OpsAlertsConfig{}, bus, zap.NewNop())
	assert.Empty(t, s.channels)
}

func TestNew_RegistersOnlyConfiguredChannels(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	s := New(config.OpsAlertsConfig{DiscordWebhookURL: "https://discord.example/hook"}, bus, zap.NewNop())
	assert.Len(t, s.channels, 1)
}

func TestHandle_ToleratesChannelFailureWithoutError(t *testing.T) {
	s := &Service{logger: zap.NewNop(), channels: []channel{failingChannel{}}}
	event := events.NewEvent(events.EventJobDeadLettered, "", map[string]interface{}{"queue": "provisioning"})
	err := s.handle(context.Background(), event)
	assert.NoError(t, err)
}

type failingChannel struct{}

func (failingChannel) Send(ctx context.Context, event events.Event) error {
	return assert.AnError
}

func TestFormatSlackText_KnownEventTypes(t *testing.T) {
	event := events.Event{
		Type:           events.EventProvisioningDeadLettered,
		SubscriptionID: "sub-1",
		Timestamp:      time.Now(),
		Payload:        map[string]interface{}{"reason": "deadline exceeded"},
	}
	text := formatSlackText(event)
	assert.Contains(t, text, "sub-1")
	assert.Contains(t, text, "deadline exceeded")
}
