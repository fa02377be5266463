package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
)

const (
	// TopicLogout carries identity revocations to every instance.
	TopicLogout = "marketgate.logout"
	// TopicSignals carries invalidation signals to every instance.
	TopicSignals = "marketgate.signals"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Address  string `json:"address"`
	FamilyID string `json:"family_id,omitempty"`
}

// WatermillPublisher fans logout events and signals out through a Watermill
// publisher so every instance's Relay can act on them.
type WatermillPublisher struct {
	publisher message.Publisher
}

var (
	_ ports.EventPublisher = (*WatermillPublisher)(nil)
	_ ports.Broadcaster    = (*WatermillPublisher)(nil)
)

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, address string, familyID string) error {
	return p.publish(ctx, TopicLogout, LogoutEvent{Address: address, FamilyID: familyID})
}

// Broadcast publishes an invalidation signal
func (p *WatermillPublisher) Broadcast(ctx context.Context, signal core.Signal) error {
	return p.publish(ctx, TopicSignals, signal)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
