package ports

import (
	"context"
	"time"

	"github.com/layer-3/marketgate/core"
)

// ChallengeStore holds at most one active challenge per address.
type ChallengeStore interface {
	// PutChallenge stores c, replacing any prior challenge for c.Address.
	PutChallenge(ctx context.Context, c core.Challenge) error
	// GetChallenge returns core.ErrChallengeNotFound when none is stored.
	GetChallenge(ctx context.Context, address string) (core.Challenge, error)
	// ConsumeChallenge deletes the challenge only if its nonce still equals nonce.
	// It reports whether this call performed the deletion.
	ConsumeChallenge(ctx context.Context, address, nonce string) (bool, error)
}

// RotationOutcome is the result of an atomic refresh rotation.
type RotationOutcome int

const (
	// Rotated means the presented refresh id was current and has been replaced.
	Rotated RotationOutcome = iota
	// RotationReused means the presented id was already rotated away.
	RotationReused
	// RotationRevoked means the session family no longer exists.
	RotationRevoked
)

// RefreshStore tracks the last-issued refresh id per identity and session family.
type RefreshStore interface {
	IssueRefresh(ctx context.Context, address, familyID, refreshID string, ttl time.Duration) error
	RotateRefresh(ctx context.Context, address, familyID, presentedID, nextID string, ttl time.Duration) (RotationOutcome, error)
	FamilyActive(ctx context.Context, address, familyID string) (bool, error)
	// RevokeIdentity drops every refresh family of address.
	RevokeIdentity(ctx context.Context, address string) error
}

// Store is the transient session bookkeeping owned by the identity authority.
type Store interface {
	ChallengeStore
	RefreshStore
}
