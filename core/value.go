package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"
)

// ParseUint decodes a ledger-native unsigned integer. The node encodes these as
// 0x-prefixed hex strings, decimal strings or JSON numbers.
func ParseUint(raw json.RawMessage) (*big.Int, error) {
	s, ok := RawString(raw)
	if !ok {
		return nil, fmt.Errorf("not a number: %s", string(raw))
	}
	return ParseUintString(s)
}

// ParseUintString is ParseUint for text already extracted from a payload.
func ParseUintString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty number")
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// NormalizeUint renders a ledger-native integer as a plain decimal string.
// Values that cannot be parsed are returned trimmed and unchanged.
func NormalizeUint(s string) string {
	v, err := ParseUintString(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return v.String()
}

// ToDisplayUnits scales base units down by decimals.
func ToDisplayUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// IsZeroAddress reports whether s is empty or the zero address.
func IsZeroAddress(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if !common.IsHexAddress(s) {
		return false
	}
	return common.HexToAddress(s) == (common.Address{})
}
