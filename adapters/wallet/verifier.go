// Package wallet verifies EIP-191 personal_sign signatures.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
)

// Verifier recovers signers of personal_sign messages
type Verifier struct{}

// NewVerifier creates a new signature verifier
func NewVerifier() ports.SignatureVerifier {
	return Verifier{}
}

// RecoverAddress returns the lower-cased address that produced signature over message.
func (Verifier) RecoverAddress(message string, signature string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return "", fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes: %w", crypto.SignatureLength, core.ErrInvalidSignature)
	}

	// Wallets emit V as 27/28; go-ethereum expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", fmt.Errorf("invalid recovery id: %w", core.ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", core.ErrInvalidSignature)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Sign produces a personal_sign signature with V in the 27/28 form wallets use.
func Sign(message string, key string) (string, error) {
	prv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(key), "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	return SignWithKey(message, prv)
}

// SignWithKey is Sign for an already decoded key.
func SignWithKey(message string, prv *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), prv)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
