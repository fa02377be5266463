package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeLedger serves scripted answers. Query is routed by method name.
type fakeLedger struct {
	mu sync.Mutex

	events    []core.LedgerEvent
	eventsErr error

	queries map[string]func(args map[string]any) (json.RawMessage, error)
	queried []ports.QueryRequest

	invoked   []ports.InvokeRequest
	invokeOp  ports.Operation
	invokeErr error

	// ops are returned by successive Operation calls; the last one repeats.
	ops     []ports.Operation
	opCalls int
}

func (l *fakeLedger) Query(_ context.Context, req ports.QueryRequest) (json.RawMessage, error) {
	l.mu.Lock()
	l.queried = append(l.queried, req)
	fn := l.queries[req.Method]
	l.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no such method")
	}
	return fn(req.Args)
}

func (l *fakeLedger) Invoke(_ context.Context, req ports.InvokeRequest) (ports.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invoked = append(l.invoked, req)
	if l.invokeErr != nil {
		return ports.Operation{}, l.invokeErr
	}
	return l.invokeOp, nil
}

func (l *fakeLedger) Operation(_ context.Context, id string) (ports.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ops) == 0 {
		return ports.Operation{ID: id, State: ports.OperationPending}, nil
	}
	i := min(l.opCalls, len(l.ops)-1)
	l.opCalls++
	return l.ops[i], nil
}

func (l *fakeLedger) RecentEvents(_ context.Context, limit int) ([]core.LedgerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.eventsErr != nil {
		return nil, l.eventsErr
	}
	out := make([]core.LedgerEvent, len(l.events))
	copy(out, l.events)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeHoldings struct {
	entries []core.OwnershipEntry
	err     error
}

func (h fakeHoldings) Holdings(context.Context, string) ([]core.OwnershipEntry, error) {
	return h.entries, h.err
}

type recordingPublisher struct {
	mu      sync.Mutex
	logouts []string
}

func (p *recordingPublisher) PublishLogout(_ context.Context, address, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logouts = append(p.logouts, address)
	return nil
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	signals []core.Signal
	failOn  string
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, s core.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn != "" && s.Event == b.failOn {
		return errors.New("broadcast failed")
	}
	b.signals = append(b.signals, s)
	return nil
}

type fixedLimiter struct {
	allow bool
	err   error
}

func (l fixedLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, l.err
}

func jsonRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
