package ports

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/layer-3/marketgate/core"
)

// QueryRequest is a read-only contract call.
type QueryRequest struct {
	API    string
	Method string
	Args   map[string]any
	// From is the ledger-reading identity the query is issued as; empty uses the node default.
	From string
}

// InvokeRequest is a state-changing contract call.
type InvokeRequest struct {
	API    string
	Method string
	Args   map[string]any
	Signer string
}

// OperationState is the node-reported state of a submitted write.
type OperationState string

const (
	OperationPending   OperationState = "Pending"
	OperationSucceeded OperationState = "Succeeded"
	OperationFailed    OperationState = "Failed"
)

// Operation is a handle on a submitted write.
type Operation struct {
	ID     string
	State  OperationState
	Error  string
	TxHash string
}

// Ledger is the blockchain-integration node.
type Ledger interface {
	Query(ctx context.Context, req QueryRequest) (json.RawMessage, error)
	Invoke(ctx context.Context, req InvokeRequest) (Operation, error)
	Operation(ctx context.Context, id string) (Operation, error)
	// RecentEvents returns up to limit of the most recent feed entries, oldest
	// first. FeedIndex follows that order.
	RecentEvents(ctx context.Context, limit int) ([]core.LedgerEvent, error)
}

// OwnershipCache is a fast, possibly stale index of token holdings.
type OwnershipCache interface {
	Holdings(ctx context.Context, holder string) ([]core.OwnershipEntry, error)
}

// ReadRole names a ground-truth query issued by the projector.
type ReadRole string

const (
	ReadListing   ReadRole = "listing"
	ReadCertified ReadRole = "certified"
	ReadOwner     ReadRole = "owner"
	ReadCredits   ReadRole = "credits"
)

// MethodTable is the per-method argument-name table, resolved once at startup.
type MethodTable interface {
	// Read builds the query for role, naming the positional values.
	Read(role ReadRole, values ...any) (QueryRequest, error)
	// InvokeArgs checks that api/method is an invocable write and names args,
	// which is either a positional JSON array or an object of named arguments.
	InvokeArgs(api, method string, args json.RawMessage) (map[string]any, error)
}

// RejectedError is returned by Invoke when the node refused the submission,
// typically because gas estimation hit a revert. Message is the node's reason.
// StatusCode is always a 4xx; server-side failures are plain errors.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected submission (%d): %s", e.StatusCode, e.Message)
}
