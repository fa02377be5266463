package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SalePhase is the marketplace tier a listing belongs to.
type SalePhase string

const (
	PhasePrimary   SalePhase = "PRIMARY"
	PhaseSecondary SalePhase = "SECONDARY"
	// PhaseAny matches every listed token; it is a filter value, never a listing phase.
	PhaseAny SalePhase = "ANY"
)

// ParsePhase parses a phase filter, defaulting to PhaseAny.
func ParsePhase(s string) (SalePhase, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ALL", "ANY":
		return PhaseAny, nil
	case string(PhasePrimary):
		return PhasePrimary, nil
	case string(PhaseSecondary):
		return PhaseSecondary, nil
	}
	return "", ErrInvalidRequest
}

// Event names understood by the projector.
const (
	EventListed    = "Listed"
	EventCanceled  = "Canceled"
	EventPurchased = "Purchased"
	EventCertified = "Certified"
)

// Listing is an active marketplace offer for a token.
type Listing struct {
	TokenID    string          `json:"token_id"`
	Seller     string          `json:"seller"`
	PriceUnits string          `json:"price_units"`
	Price      decimal.Decimal `json:"price"`
	SalePhase  SalePhase       `json:"sale_phase"`
}

// ProjectedAsset is the derived per-token view. It is recomputed per request.
type ProjectedAsset struct {
	TokenID   string   `json:"token_id"`
	Certified bool     `json:"certified"`
	Listing   *Listing `json:"listing"`
}

// Projection is the result of a listings computation. Degraded is set when the
// event feed could not be read and the result is empty or partial.
type Projection struct {
	Assets   []ProjectedAsset `json:"items"`
	Degraded bool             `json:"degraded"`
}

// LedgerEvent is one entry of the ledger's append-only event feed.
type LedgerEvent struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	TokenID   string                     `json:"token_id"`
	Payload   map[string]json.RawMessage `json:"payload"`
	Sequence  uint64                     `json:"sequence"`
	Timestamp time.Time                  `json:"timestamp"`
	// FeedIndex is the position the event was delivered in; it breaks ordering ties.
	FeedIndex int `json:"-"`
}

// PayloadString returns the first present payload field among names, decoded as
// a string or a JSON number.
func (e LedgerEvent) PayloadString(names ...string) string {
	for _, name := range names {
		raw, ok := e.Payload[name]
		if !ok {
			continue
		}
		if s, ok := RawString(raw); ok {
			return s
		}
	}
	return ""
}

// RawString decodes a JSON string or number as text.
func RawString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// OwnershipEntry is a holder/token pair reported by the ownership cache.
// Its freshness is not trusted.
type OwnershipEntry struct {
	Holder  string `json:"holder"`
	TokenID string `json:"token_id"`
	Amount  string `json:"amount"`
}

// OwnedAsset is an inventory row confirmed against ground truth.
type OwnedAsset struct {
	TokenID   string `json:"token_id"`
	Amount    string `json:"amount"`
	Certified bool   `json:"certified"`
}

// Inventory is the reconciled holdings of one identity.
type Inventory struct {
	Holder   string       `json:"holder"`
	Assets   []OwnedAsset `json:"items"`
	Degraded bool         `json:"degraded"`
}

// Credits are pull-payment proceeds held by the ledger for an identity.
type Credits struct {
	Holder string          `json:"holder"`
	Units  string          `json:"units"`
	Amount decimal.Decimal `json:"amount"`
}

// TxStatus is the terminal (or unknown) outcome of a ledger write.
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	TxTimeout   TxStatus = "timeout"
)

// TxResult describes a submitted ledger write.
type TxResult struct {
	OperationID string   `json:"operation_id"`
	Status      TxStatus `json:"status"`
	TxHash      string   `json:"tx_hash,omitempty"`
	Signer      string   `json:"signer"`
}

// Signal tells real-time clients that something changed. It identifies what
// changed but is never authoritative; receivers re-derive their view.
type Signal struct {
	Type     string    `json:"type"`
	Event    string    `json:"event,omitempty"`
	TokenID  string    `json:"token_id,omitempty"`
	Seller   string    `json:"seller,omitempty"`
	Buyer    string    `json:"buyer,omitempty"`
	Price    string    `json:"price,omitempty"`
	Sequence uint64    `json:"sequence,omitempty"`
	At       time.Time `json:"at"`
}

// SignalTypeInvalidate is the only signal type sent to clients.
const SignalTypeInvalidate = "invalidate"
