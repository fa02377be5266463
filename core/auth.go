package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Challenge represents an authentication challenge
type Challenge struct {
	ID        string    // Unique identifier for the challenge
	Address   string    // Lower-cased wallet address the challenge is bound to
	Nonce     string    // Random nonce to be signed
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
}

// Expired reports whether the challenge is past its expiry at now.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Session represents an authenticated user session
type Session struct {
	ID            string    // Unique identifier of the access token
	Address       string    // Lower-cased wallet address of the user
	FamilyID      string    // Rotation chain the refresh token belongs to
	RefreshID     string    // Unique identifier for the refresh token
	IssuedAt      time.Time // When the tokens were issued
	AccessExpiry  time.Time // When the access capability expires
	RefreshExpiry time.Time // When the refresh capability expires

	AccessToken  string
	RefreshToken string
	CSRFToken    string
}

// Principal is the verified caller extracted from an access token.
type Principal struct {
	Address  string
	FamilyID string
}

// NormalizeAddress validates a hex wallet address and returns its lower-cased form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// SameAddress compares two wallet addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ChallengeMessage is the exact text a wallet signs to prove key possession.
// Client and server both derive it from the challenge, so it must stay stable.
func ChallengeMessage(domain string, c Challenge) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your wallet.\n\nAddress: %s\nNonce: %s\nIssued At: %s\nExpires At: %s",
		domain,
		c.Address,
		c.Nonce,
		c.IssuedAt.UTC().Format(time.RFC3339),
		c.ExpiresAt.UTC().Format(time.RFC3339),
	)
}
