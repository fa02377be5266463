// Package marketgate is a Go client for the marketgate HTTP API. It keeps the
// session cookies in a jar and echoes the CSRF token the way a browser would.
package marketgate

import (
	"context"
	"crypto/ecdsa"

	"github.com/layer-3/marketgate/core"
)

// API represents the public interface for interacting with the gateway
type API interface {
	// Login signs a fresh challenge with key and stores the session cookies
	Login(ctx context.Context, key *ecdsa.PrivateKey) (Session, error)

	// Refresh rotates the refresh token and replaces the session cookies
	Refresh(ctx context.Context) (Session, error)

	// Logout revokes every session of the logged in identity
	Logout(ctx context.Context) error

	// Me returns the identity the gateway sees
	Me(ctx context.Context) (string, error)

	// Invoke submits a ledger write; args is a positional slice or a map of named arguments
	Invoke(ctx context.Context, target, method string, args any) (core.TxResult, error)

	Listings(ctx context.Context, phase core.SalePhase) (core.Projection, error)
	Inventory(ctx context.Context) (core.Inventory, error)
	Credits(ctx context.Context) (core.Credits, error)
}

var _ API = (*Client)(nil)
