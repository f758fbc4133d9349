// Package opsalerts fans operator-facing alerts out to Discord, Slack, and a
// fixed email mailbox when a provisioning task is dead-lettered (including
// for lack of server capacity). It also subscribes to the job dead-letter,
// reservation-leak and capacity-warning event types, but nothing in this
// module publishes those. This is distinct from the customer-facing
// welcome email, which the webhook/orchestrator path sends directly through
// internal/adapters. Adapted from the corpus's tenant/node notification
// service, trimmed from a database-backed retry queue down to the fan-out
// the Event Bus already gives at-most-once delivery for: these are
// best-effort pages, not durable customer communications.
package opsalerts

import (
	"context"

	"github.com/crosslogic/control-plane/internal/config"
	"github.com/crosslogic/control-plane/pkg/events"
	"go.uber.org/zap"
)

type channel interface {
	Send(ctx context.Context, event events.Event) error
}

// Service subscribes to the ops-relevant event types and dispatches each one
// to every configured channel. A channel whose credentials are absent from
// config is simply not registered, so the service degrades to whichever
// channels the operator actually configured.
type Service struct {
	channels []channel
	logger   *zap.Logger
}

// New builds a Service and subscribes its handler to bus. Call after bus is
// constructed but before the orchestrator, sweeps, or queue workers start
// publishing, so no early alert is dropped.
func New(cfg config.OpsAlertsConfig, bus *events.Bus, logger *zap.Logger) *Service {
	s := &Service{logger: logger}

	if cfg.DiscordWebhookURL != "" {
		s.channels = append(s.channels, newDiscordAdapter(cfg.DiscordWebhookURL, logger))
	}
	if cfg.SlackWebhookURL != "" {
		s.channels = append(s.channels, newSlackAdapter(cfg.SlackWebhookURL, logger))
	}
	if cfg.ResendAPIKey != "" && cfg.ResendFrom != "" && cfg.ResendTo != "" {
		s.channels = append(s.channels, newEmailAdapter(cfg.ResendAPIKey, cfg.ResendFrom, cfg.ResendTo, logger))
	}

	for _, eventType := range []events.EventType{
		events.EventProvisioningDeadLettered,
		events.EventJobDeadLettered,
		events.EventReservationLeaked,
		events.EventServerCapacityWarning,
	} {
		bus.Subscribe(eventType, s.handle)
	}

	return s
}

func (s *Service) handle(ctx context.Context, event events.Event) error {
	for _, c := range s.channels {
		if err := c.Send(ctx, event); err != nil {
			s.logger.Error("ops alert delivery failed",
				zap.String("event_type", string(event.Type)), zap.Error(err))
		}
	}
	return nil
}
