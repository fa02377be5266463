package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Hub is the instance-local set of real-time channels.
type Hub interface {
	ports.Broadcaster
	// DisconnectIdentity closes every channel of address and reports how many.
	DisconnectIdentity(address string) int
}

// Relay consumes published logout events and signals and applies them to the
// local hub.
type Relay struct {
	subscriber message.Subscriber
	hub        Hub
	log        zerolog.Logger
}

// NewRelay creates a relay feeding hub from subscriber
func NewRelay(subscriber message.Subscriber, hub Hub, log zerolog.Logger) *Relay {
	return &Relay{
		subscriber: subscriber,
		hub:        hub,
		log:        log.With().Str("component", "relay").Logger(),
	}
}

// Run blocks until ctx is done or a subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	logouts, err := r.subscriber.Subscribe(ctx, TopicLogout)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicLogout, err)
	}
	signals, err := r.subscriber.Subscribe(ctx, TopicSignals)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicSignals, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consume(ctx, logouts, r.handleLogout) })
	g.Go(func() error { return r.consume(ctx, signals, r.handleSignal) })
	return g.Wait()
}

func (r *Relay) consume(ctx context.Context, messages <-chan *message.Message, handle func(context.Context, []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := handle(ctx, msg.Payload); err != nil {
				// Malformed payloads will never succeed; drop them rather than redeliver.
				r.log.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping relayed message")
			}
			msg.Ack()
		}
	}
}

func (r *Relay) handleLogout(_ context.Context, payload []byte) error {
	var ev LogoutEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	n := r.hub.DisconnectIdentity(ev.Address)
	r.log.Debug().Str("address", ev.Address).Int("closed", n).Msg("logout relayed")
	return nil
}

func (r *Relay) handleSignal(ctx context.Context, payload []byte) error {
	var sig core.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return err
	}
	return r.hub.Broadcast(ctx, sig)
}

// LocalBus serves single-instance deployments: events go straight to the hub.
type LocalBus struct {
	hub Hub
}

var (
	_ ports.EventPublisher = (*LocalBus)(nil)
	_ ports.Broadcaster    = (*LocalBus)(nil)
)

// NewLocalBus creates a bus bound to hub
func NewLocalBus(hub Hub) *LocalBus {
	return &LocalBus{hub: hub}
}

// PublishLogout closes the identity's local channels
func (b *LocalBus) PublishLogout(_ context.Context, address string, _ string) error {
	b.hub.DisconnectIdentity(address)
	return nil
}

// Broadcast hands the signal to the local hub
func (b *LocalBus) Broadcast(ctx context.Context, signal core.Signal) error {
	return b.hub.Broadcast(ctx, signal)
}
