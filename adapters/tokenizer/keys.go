package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// GenerateSigningKey creates a fresh P-256 key for ES256 tokens
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ParseSigningKey decodes a hex-encoded P-256 private scalar
func ParseSigningKey(hexKey string) (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signing key is not hex: %w", err)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("signing key out of range for P-256")
	}

	key := &ecdsa.PrivateKey{D: d}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(raw)
	return key, nil
}

// EncodeSigningKey renders key the way ParseSigningKey reads it
func EncodeSigningKey(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(key.D.FillBytes(make([]byte, 32)))
}
