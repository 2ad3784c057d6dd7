// Package eventbus relays queue events between server instances so that a
// client connected to any instance sees changes made through any other.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edqueue/edqueue/internal/platform/websocket"
)

// DefaultChannel is the Redis channel / NATS subject events travel on.
const DefaultChannel = "edqueue.events"

// Relay moves encoded events between instances.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
	// Run delivers every received payload to handler until ctx is done.
	Run(ctx context.Context, handler func(payload []byte)) error
	Close() error
}

// Bridge publishes events to the local hub and to the relay, and replays
// events relayed from other instances into the local hub.
type Bridge struct {
	local  websocket.EventPublisher
	relay  Relay
	origin string
	logger zerolog.Logger
}

// NewBridge returns a bridge for this instance. A nil relay keeps delivery
// local.
func NewBridge(local websocket.EventPublisher, relay Relay, origin string, logger zerolog.Logger) *Bridge {
	return &Bridge{
		local:  local,
		relay:  relay,
		origin: origin,
		logger: logger.With().Str("component", "eventbus").Str("origin", origin).Logger(),
	}
}

// Publish delivers locally first. A relay failure is returned after local
// delivery has already happened.
func (b *Bridge) Publish(ctx context.Context, event websocket.Event) error {
	event.Origin = b.origin
	if err := b.local.Publish(ctx, event); err != nil {
		return fmt.Errorf("local publish: %w", err)
	}
	if b.relay == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.relay.Publish(ctx, payload); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run consumes relayed events until ctx is done. Events this instance
// produced are skipped since they were already delivered locally.
func (b *Bridge) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}
	b.logger.Info().Msg("event relay started")
	err := b.relay.Run(ctx, func(payload []byte) {
		var event websocket.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			b.logger.Warn().Err(err).Msg("dropping undecodable relayed event")
			return
		}
		if event.Origin == b.origin {
			return
		}
		if err := b.local.Publish(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("type", event.Type).Msg("replay relayed event")
		}
	})
	b.logger.Info().Msg("event relay stopped")
	return err
}

// Close releases the relay connection.
func (b *Bridge) Close() error {
	if b.relay == nil {
		return nil
	}
	return b.relay.Close()
}
