package ports

import (
	"context"

	"github.com/layer-3/marketgate/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishLogout(ctx context.Context, address string, familyID string) error
}

// Broadcaster delivers invalidation signals to connected real-time channels.
type Broadcaster interface {
	Broadcast(ctx context.Context, signal core.Signal) error
}
