package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/layer-3/marketgate/telemetry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ProjectorConfig tunes the replay window and enrichment fan-out
type ProjectorConfig struct {
	FeedWindow     int
	ChunkSize      int
	PrimarySellers []string
	PriceDecimals  int32
}

// Projector derives the marketplace read-model from the event feed and
// confirms every value it returns against direct ledger queries.
type Projector struct {
	ledger   ports.Ledger
	holdings ports.OwnershipCache
	methods  ports.MethodTable
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	window         int
	chunk          int
	decimals       int32
	primarySellers map[string]struct{}
}

// NewProjector creates an event projector
func NewProjector(cfg ProjectorConfig, ledger ports.Ledger, holdings ports.OwnershipCache, methods ports.MethodTable, log zerolog.Logger, metrics *telemetry.Metrics) *Projector {
	if cfg.FeedWindow <= 0 {
		cfg.FeedWindow = 500
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 30
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	primary := make(map[string]struct{}, len(cfg.PrimarySellers))
	for _, s := range cfg.PrimarySellers {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			primary[s] = struct{}{}
		}
	}

	return &Projector{
		ledger:         ledger,
		holdings:       holdings,
		methods:        methods,
		log:            log.With().Str("component", "projector").Logger(),
		metrics:        metrics,
		tracer:         otel.Tracer("github.com/layer-3/marketgate/service"),
		window:         cfg.FeedWindow,
		chunk:          cfg.ChunkSize,
		decimals:       cfg.PriceDecimals,
		primarySellers: primary,
	}
}

// ReplayState is the per-token result of replaying the feed.
type ReplayState struct {
	Certified bool
	Listing   *core.Listing
}

// SortEvents orders events chronologically. Sequence numbers are used only when
// every event carries one, timestamps otherwise; ties keep feed delivery order.
func SortEvents(events []core.LedgerEvent) {
	bySequence := true
	for _, ev := range events {
		if ev.Sequence == 0 {
			bySequence = false
			break
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if bySequence {
			if a.Sequence != b.Sequence {
				return a.Sequence < b.Sequence
			}
		} else if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.FeedIndex < b.FeedIndex
	})
}

// Replay folds chronologically ordered events into per-token state.
// Certification only ever turns on; a Listed event replaces any prior listing.
func (p *Projector) Replay(events []core.LedgerEvent) map[string]*ReplayState {
	state := make(map[string]*ReplayState)
	get := func(tokenID string) *ReplayState {
		s, ok := state[tokenID]
		if !ok {
			s = &ReplayState{}
			state[tokenID] = s
		}
		return s
	}

	for _, ev := range events {
		if ev.TokenID == "" {
			continue
		}
		switch ev.Name {
		case core.EventCertified:
			get(ev.TokenID).Certified = true
		case core.EventListed:
			listing := p.listingFromEvent(ev)
			get(ev.TokenID).Listing = &listing
		case core.EventCanceled, core.EventPurchased:
			get(ev.TokenID).Listing = nil
		}
	}
	return state
}

func (p *Projector) listingFromEvent(ev core.LedgerEvent) core.Listing {
	seller := strings.ToLower(ev.PayloadString("seller", "from"))
	units := core.NormalizeUint(ev.PayloadString("price", "priceUnits"))
	return core.Listing{
		TokenID:    ev.TokenID,
		Seller:     seller,
		PriceUnits: units,
		Price:      p.displayPrice(units),
		SalePhase:  p.phaseFor(ev.PayloadString("phase", "salePhase"), seller),
	}
}

// Listings returns the currently listed tokens in phase. Feed failure yields an
// empty, degraded projection rather than an error.
func (p *Projector) Listings(ctx context.Context, phase core.SalePhase) core.Projection {
	ctx, span := p.tracer.Start(ctx, "projector.listings", trace.WithAttributes(attribute.String("phase", string(phase))))
	defer span.End()
	defer p.observe("listings", time.Now())

	events, err := p.ledger.RecentEvents(ctx, p.window)
	if err != nil {
		p.log.Warn().Err(err).Msg(core.ErrProjectionDegraded.Message)
		span.SetStatus(codes.Error, err.Error())
		return core.Projection{Assets: []core.ProjectedAsset{}, Degraded: true}
	}

	SortEvents(events)
	state := p.Replay(events)

	candidates := make([]string, 0, len(state))
	for tokenID, s := range state {
		// Phase is only known after enrichment.
		if s.Listing == nil {
			continue
		}
		candidates = append(candidates, tokenID)
	}
	sortTokenIDs(candidates)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	assets := make([]*core.ProjectedAsset, len(candidates))
	p.inChunks(ctx, len(candidates), func(ctx context.Context, i int) {
		asset, ok := p.enrichListing(ctx, candidates[i], state[candidates[i]])
		if ok && (phase == core.PhaseAny || asset.Listing.SalePhase == phase) {
			assets[i] = asset
		}
	})

	out := core.Projection{Assets: make([]core.ProjectedAsset, 0, len(assets))}
	for _, a := range assets {
		if a != nil {
			out.Assets = append(out.Assets, *a)
		}
	}
	return out
}

// enrichListing replaces the replayed guess for tokenID with ground truth.
func (p *Projector) enrichListing(ctx context.Context, tokenID string, replayed *ReplayState) (*core.ProjectedAsset, bool) {
	listing, err := p.queryListing(ctx, tokenID)
	if err != nil {
		p.log.Debug().Err(err).Str("token", tokenID).Msg("listing query failed")
		p.metrics.ProjectionDropped.WithLabelValues("query_failed").Inc()
		return nil, false
	}
	if listing == nil {
		p.metrics.ProjectionDropped.WithLabelValues("not_listed").Inc()
		return nil, false
	}
	if listing.SalePhase == "" {
		listing.SalePhase = p.phaseFor("", listing.Seller)
		if replayed.Listing != nil && core.SameAddress(replayed.Listing.Seller, listing.Seller) {
			listing.SalePhase = replayed.Listing.SalePhase
		}
	}

	certified, err := p.queryCertified(ctx, tokenID)
	if err != nil {
		p.log.Debug().Err(err).Str("token", tokenID).Msg("certification query failed")
		p.metrics.ProjectionDropped.WithLabelValues("query_failed").Inc()
		return nil, false
	}

	return &core.ProjectedAsset{
		TokenID:   tokenID,
		Certified: certified,
		Listing:   listing,
	}, true
}

// Inventory returns the tokens holder provably owns. Cache entries whose
// ground-truth owner differs, or cannot be confirmed, are dropped.
func (p *Projector) Inventory(ctx context.Context, holder string) (core.Inventory, error) {
	ctx, span := p.tracer.Start(ctx, "projector.inventory")
	defer span.End()
	defer p.observe("inventory", time.Now())

	holder, err := core.NormalizeAddress(holder)
	if err != nil {
		return core.Inventory{}, err
	}

	entries, err := p.holdings.Holdings(ctx, holder)
	if err != nil {
		p.log.Warn().Err(err).Str("holder", holder).Msg("ownership cache unavailable")
		span.SetStatus(codes.Error, err.Error())
		return core.Inventory{Holder: holder, Assets: []core.OwnedAsset{}, Degraded: true}, nil
	}

	seen := make(map[string]struct{}, len(entries))
	candidates := make([]core.OwnershipEntry, 0, len(entries))
	for _, e := range entries {
		if e.TokenID == "" || !positive(e.Amount) {
			continue
		}
		if _, dup := seen[e.TokenID]; dup {
			continue
		}
		seen[e.TokenID] = struct{}{}
		candidates = append(candidates, e)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	owned := make([]*core.OwnedAsset, len(candidates))
	p.inChunks(ctx, len(candidates), func(ctx context.Context, i int) {
		e := candidates[i]
		owner, err := p.queryOwner(ctx, e.TokenID)
		if err != nil {
			p.log.Debug().Err(err).Str("token", e.TokenID).Msg("owner query failed")
			p.metrics.ProjectionDropped.WithLabelValues("query_failed").Inc()
			return
		}
		if !core.SameAddress(owner, holder) {
			p.metrics.ProjectionDropped.WithLabelValues("stale_owner").Inc()
			return
		}
		certified, err := p.queryCertified(ctx, e.TokenID)
		if err != nil {
			p.log.Debug().Err(err).Str("token", e.TokenID).Msg("certification query failed")
			p.metrics.ProjectionDropped.WithLabelValues("query_failed").Inc()
			return
		}
		owned[i] = &core.OwnedAsset{TokenID: e.TokenID, Amount: e.Amount, Certified: certified}
	})

	inv := core.Inventory{Holder: holder, Assets: make([]core.OwnedAsset, 0, len(owned))}
	for _, a := range owned {
		if a != nil {
			inv.Assets = append(inv.Assets, *a)
		}
	}
	return inv, nil
}

// CreditsOwed returns the pull-payment proceeds the marketplace holds for identity
func (p *Projector) CreditsOwed(ctx context.Context, identity string) (core.Credits, error) {
	ctx, span := p.tracer.Start(ctx, "projector.credits")
	defer span.End()

	identity, err := core.NormalizeAddress(identity)
	if err != nil {
		return core.Credits{}, err
	}

	req, err := p.methods.Read(ports.ReadCredits, identity)
	if err != nil {
		return core.Credits{}, err
	}
	out, err := p.ledger.Query(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return core.Credits{}, fmt.Errorf("%w: %v", core.ErrChainQuery, err)
	}

	units, err := core.ParseUint(unwrapOutput(out))
	if err != nil {
		return core.Credits{}, fmt.Errorf("%w: credits: %v", core.ErrChainQuery, err)
	}
	return core.Credits{
		Holder: identity,
		Units:  units.String(),
		Amount: core.ToDisplayUnits(units, p.decimals),
	}, nil
}

// inChunks runs fn for every index, at most chunk at a time. Chunks run one
// after another; indexes within a chunk run concurrently.
func (p *Projector) inChunks(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	for start := 0; start < n; start += p.chunk {
		if ctx.Err() != nil {
			return
		}
		end := min(start+p.chunk, n)

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				fn(gctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}
}

type listingRecord struct {
	Seller    string          `json:"seller"`
	Price     json.RawMessage `json:"price"`
	SalePhase string          `json:"salePhase"`
	Phase     string          `json:"phase"`
}

// queryListing returns nil when the ledger has no live listing for tokenID.
func (p *Projector) queryListing(ctx context.Context, tokenID string) (*core.Listing, error) {
	req, err := p.methods.Read(ports.ReadListing, tokenID)
	if err != nil {
		return nil, err
	}
	out, err := p.ledger.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	rec, err := decodeListingRecord(unwrapOutput(out))
	if err != nil {
		return nil, err
	}
	if core.IsZeroAddress(rec.Seller) {
		return nil, nil
	}

	units := ""
	if len(rec.Price) > 0 {
		v, err := core.ParseUint(rec.Price)
		if err != nil {
			return nil, fmt.Errorf("listing price: %w", err)
		}
		units = v.String()
	}

	phase := rec.SalePhase
	if phase == "" {
		phase = rec.Phase
	}
	seller := strings.ToLower(rec.Seller)
	listing := &core.Listing{
		TokenID:    tokenID,
		Seller:     seller,
		PriceUnits: units,
		Price:      p.displayPrice(units),
	}
	if parsed := parseListingPhase(phase); parsed != "" {
		listing.SalePhase = parsed
	}
	return listing, nil
}

// decodeListingRecord accepts the record as an object or as a [seller, price, phase] tuple.
func decodeListingRecord(raw json.RawMessage) (listingRecord, error) {
	var rec listingRecord
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return rec, nil
	}
	if raw[0] == '[' {
		var tuple []json.RawMessage
		if err := json.Unmarshal(raw, &tuple); err != nil {
			return rec, fmt.Errorf("decode listing: %w", err)
		}
		if len(tuple) > 0 {
			rec.Seller, _ = core.RawString(tuple[0])
		}
		if len(tuple) > 1 {
			rec.Price = tuple[1]
		}
		if len(tuple) > 2 {
			rec.Phase, _ = core.RawString(tuple[2])
		}
		return rec, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode listing: %w", err)
	}
	return rec, nil
}

func (p *Projector) queryCertified(ctx context.Context, tokenID string) (bool, error) {
	req, err := p.methods.Read(ports.ReadCertified, tokenID)
	if err != nil {
		return false, err
	}
	out, err := p.ledger.Query(ctx, req)
	if err != nil {
		return false, err
	}
	return decodeBool(unwrapOutput(out))
}

func (p *Projector) queryOwner(ctx context.Context, tokenID string) (string, error) {
	req, err := p.methods.Read(ports.ReadOwner, tokenID)
	if err != nil {
		return "", err
	}
	out, err := p.ledger.Query(ctx, req)
	if err != nil {
		return "", err
	}
	owner, ok := core.RawString(unwrapOutput(out))
	if !ok {
		return "", fmt.Errorf("owner of %s: unexpected output %s", tokenID, string(out))
	}
	return strings.ToLower(owner), nil
}

func (p *Projector) phaseFor(recorded, seller string) core.SalePhase {
	if phase := parseListingPhase(recorded); phase != "" {
		return phase
	}
	if _, ok := p.primarySellers[strings.ToLower(seller)]; ok {
		return core.PhasePrimary
	}
	return core.PhaseSecondary
}

func (p *Projector) displayPrice(units string) decimal.Decimal {
	v, err := core.ParseUintString(units)
	if err != nil {
		return decimal.Zero
	}
	return core.ToDisplayUnits(v, p.decimals)
}

func (p *Projector) observe(view string, start time.Time) {
	p.metrics.ProjectionSeconds.WithLabelValues(view).Observe(time.Since(start).Seconds())
}

// parseListingPhase maps a recorded phase to PRIMARY or SECONDARY. The ledger
// may record it by name or as the enum ordinal.
func parseListingPhase(s string) core.SalePhase {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PRIMARY", "0":
		return core.PhasePrimary
	case "SECONDARY", "1":
		return core.PhaseSecondary
	}
	return ""
}

// unwrapOutput strips a single {"output": ...} envelope some nodes add to query results.
func unwrapOutput(raw json.RawMessage) json.RawMessage {
	var env map[string]json.RawMessage
	if json.Unmarshal(raw, &env) == nil && len(env) == 1 {
		if inner, ok := env["output"]; ok {
			return inner
		}
	}
	return raw
}

func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	s, ok := core.RawString(raw)
	if !ok {
		return false, fmt.Errorf("not a boolean: %s", string(raw))
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

func positive(amount string) bool {
	v, err := core.ParseUintString(amount)
	return err == nil && v.Sign() > 0
}

// sortTokenIDs orders numeric ids numerically and anything else lexically after them.
func sortTokenIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := core.ParseUintString(ids[i])
		b, berr := core.ParseUintString(ids[j])
		switch {
		case aerr == nil && berr == nil:
			return a.Cmp(b) < 0
		case aerr == nil:
			return true
		case berr == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}
