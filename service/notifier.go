package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/layer-3/marketgate/telemetry"
	"github.com/rs/zerolog"
)

// Notifier turns ledger webhook deliveries into invalidation signals
type Notifier struct {
	broadcaster ports.Broadcaster
	clock       ports.Clock
	log         zerolog.Logger
	metrics     *telemetry.Metrics
	decimals    int32
	tokenField  string
}

// NewNotifier creates a notifier that hands signals to broadcaster
func NewNotifier(broadcaster ports.Broadcaster, clock ports.Clock, priceDecimals int32, tokenField string, log zerolog.Logger, metrics *telemetry.Metrics) *Notifier {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if tokenField == "" {
		tokenField = "tokenId"
	}
	return &Notifier{
		broadcaster: broadcaster,
		clock:       clock,
		log:         log.With().Str("component", "notifier").Logger(),
		metrics:     metrics,
		decimals:    priceDecimals,
		tokenField:  tokenField,
	}
}

// deliveredEvent is one event as the node posts it. Older node versions put the
// event fields under "data" and the name under "event".
type deliveredEvent struct {
	ID       string                     `json:"id"`
	Name     string                     `json:"name"`
	Event    string                     `json:"event"`
	Sequence json.RawMessage            `json:"sequence"`
	Created  time.Time                  `json:"created"`
	Output   map[string]json.RawMessage `json:"output"`
	Data     map[string]json.RawMessage `json:"data"`
}

// Normalize parses a webhook body holding one event, an array of events, or
// an {"events": [...]} batch into signals.
func (n *Notifier) Normalize(payload []byte) ([]core.Signal, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty delivery: %w", core.ErrInvalidRequest)
	}

	var events []deliveredEvent
	switch payload[0] {
	case '[':
		if err := json.Unmarshal(payload, &events); err != nil {
			return nil, fmt.Errorf("decode batch: %w", core.ErrInvalidRequest)
		}
	case '{':
		var batch struct {
			Events []deliveredEvent `json:"events"`
		}
		if err := json.Unmarshal(payload, &batch); err == nil && batch.Events != nil {
			events = batch.Events
			break
		}
		var single deliveredEvent
		if err := json.Unmarshal(payload, &single); err != nil {
			return nil, fmt.Errorf("decode event: %w", core.ErrInvalidRequest)
		}
		events = []deliveredEvent{single}
	default:
		return nil, fmt.Errorf("delivery must be an object or array: %w", core.ErrInvalidRequest)
	}

	signals := make([]core.Signal, 0, len(events))
	for _, e := range events {
		signals = append(signals, n.toSignal(e))
	}
	return signals, nil
}

func (n *Notifier) toSignal(e deliveredEvent) core.Signal {
	name := e.Name
	if name == "" {
		name = e.Event
	}
	fields := e.Output
	if fields == nil {
		fields = e.Data
	}
	ev := core.LedgerEvent{Name: name, Payload: fields}

	at := e.Created
	if at.IsZero() {
		at = n.clock.Now()
	}

	sig := core.Signal{
		Type:    core.SignalTypeInvalidate,
		Event:   name,
		TokenID: core.NormalizeUint(ev.PayloadString(n.tokenField, "tokenId", "tokenIndex")),
		Seller:  strings.ToLower(ev.PayloadString("seller")),
		Buyer:   strings.ToLower(ev.PayloadString("buyer")),
		At:      at.UTC(),
	}
	if seq, ok := core.RawString(e.Sequence); ok {
		if v, err := core.ParseUintString(seq); err == nil && v.IsUint64() {
			sig.Sequence = v.Uint64()
		}
	}
	if price := ev.PayloadString("price"); price != "" {
		if v, err := core.ParseUintString(price); err == nil {
			sig.Price = core.ToDisplayUnits(v, n.decimals).String()
		}
	}
	return sig
}

// HandleDelivery normalizes payload and broadcasts every resulting signal.
// A failed broadcast does not stop the remaining signals.
func (n *Notifier) HandleDelivery(ctx context.Context, payload []byte) error {
	signals, err := n.Normalize(payload)
	if err != nil {
		n.log.Warn().Err(err).Msg("discarding malformed webhook delivery")
		return err
	}

	var firstErr error
	for _, sig := range signals {
		if err := n.broadcaster.Broadcast(ctx, sig); err != nil {
			n.log.Error().Err(err).Str("event", sig.Event).Str("token", sig.TokenID).Msg("failed to broadcast signal")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.metrics.SignalsBroadcast.Inc()
	}
	return firstErr
}
