// Package ledger talks to the blockchain-integration node over its REST API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 4 << 20

// Config controls how the client reaches the node.
type Config struct {
	BaseURL string
	// Timeout bounds every individual call.
	Timeout time.Duration
	// TokenField is the event payload field carrying the token id.
	TokenField string
}

// Client implements ports.Ledger and ports.OwnershipCache against the node.
type Client struct {
	base       *url.URL
	http       *http.Client
	timeout    time.Duration
	tokenField string
}

var (
	_ ports.Ledger         = (*Client)(nil)
	_ ports.OwnershipCache = (*Client)(nil)
)

// NewClient creates a node client. Requests are traced through otelhttp.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ledger url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TokenField == "" {
		cfg.TokenField = "tokenId"
	}

	return &Client{
		base:       base,
		http:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:    cfg.Timeout,
		tokenField: cfg.TokenField,
	}, nil
}

type callBody struct {
	Input map[string]any `json:"input"`
	Key   string         `json:"key,omitempty"`
}

type queryResponse struct {
	Output json.RawMessage `json:"output"`
}

type operationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Output struct {
		TransactionHash string `json:"transactionHash"`
	} `json:"output"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type eventResponse struct {
	ID       string                     `json:"id"`
	Sequence uint64                     `json:"sequence"`
	Created  time.Time                  `json:"created"`
	Name     string                     `json:"name"`
	Output   map[string]json.RawMessage `json:"output"`
}

type balanceResponse struct {
	Key        string      `json:"key"`
	TokenIndex string      `json:"tokenIndex"`
	Balance    json.Number `json:"balance"`
}

// Query performs a read-only contract call
func (c *Client) Query(ctx context.Context, req ports.QueryRequest) (json.RawMessage, error) {
	var resp queryResponse
	path := "/apis/" + url.PathEscape(req.API) + "/query/" + url.PathEscape(req.Method)
	if err := c.do(ctx, http.MethodPost, path, nil, callBody{Input: req.Args, Key: req.From}, &resp); err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", req.API, req.Method, err)
	}
	return resp.Output, nil
}

// Invoke submits a write signed by req.Signer
func (c *Client) Invoke(ctx context.Context, req ports.InvokeRequest) (ports.Operation, error) {
	var resp operationResponse
	path := "/apis/" + url.PathEscape(req.API) + "/invoke/" + url.PathEscape(req.Method)
	err := c.do(ctx, http.MethodPost, path, nil, callBody{Input: req.Args, Key: req.Signer}, &resp)
	if err != nil {
		var rejected *ports.RejectedError
		if errors.As(err, &rejected) {
			return ports.Operation{}, rejected
		}
		return ports.Operation{}, fmt.Errorf("invoke %s.%s: %w", req.API, req.Method, err)
	}
	return toOperation(resp), nil
}

// Operation looks up the status of a submitted write
func (c *Client) Operation(ctx context.Context, id string) (ports.Operation, error) {
	var resp operationResponse
	if err := c.do(ctx, http.MethodGet, "/operations/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return ports.Operation{}, fmt.Errorf("operation %s: %w", id, err)
	}
	return toOperation(resp), nil
}

// RecentEvents fetches the newest limit events of the feed. The node returns
// them newest first; they are handed back oldest first with FeedIndex in that
// order.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]core.LedgerEvent, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "-sequence")

	var resp []eventResponse
	if err := c.do(ctx, http.MethodGet, "/events", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}

	events := make([]core.LedgerEvent, 0, len(resp))
	for i := len(resp) - 1; i >= 0; i-- {
		e := resp[i]
		ev := core.LedgerEvent{
			ID:        e.ID,
			Name:      e.Name,
			Payload:   e.Output,
			Sequence:  e.Sequence,
			Timestamp: e.Created,
			FeedIndex: len(events),
		}
		ev.TokenID = core.NormalizeUint(ev.PayloadString(c.tokenField))
		events = append(events, ev)
	}
	return events, nil
}

// Holdings reads the node's token balance index for holder
func (c *Client) Holdings(ctx context.Context, holder string) ([]core.OwnershipEntry, error) {
	q := url.Values{}
	q.Set("key", holder)

	var resp []balanceResponse
	if err := c.do(ctx, http.MethodGet, "/tokens/balances", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}

	entries := make([]core.OwnershipEntry, 0, len(resp))
	for _, b := range resp {
		entries = append(entries, core.OwnershipEntry{
			Holder:  strings.ToLower(b.Key),
			TokenID: core.NormalizeUint(b.TokenIndex),
			Amount:  core.NormalizeUint(b.Balance.String()),
		})
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			// Only client errors mean the node evaluated and refused the call.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return &ports.RejectedError{StatusCode: resp.StatusCode, Message: e.Error}
			}
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toOperation(resp operationResponse) ports.Operation {
	state := ports.OperationPending
	switch strings.ToLower(resp.Status) {
	case "succeeded", "success", "confirmed":
		state = ports.OperationSucceeded
	case "failed", "reverted":
		state = ports.OperationFailed
	}
	return ports.Operation{
		ID:     resp.ID,
		State:  state,
		Error:  resp.Error,
		TxHash: resp.Output.TransactionHash,
	}
}
