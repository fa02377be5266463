package service

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	revertDataPattern   = regexp.MustCompile(`0x08c379a0[0-9a-fA-F]*`)
	reasonStringPattern = regexp.MustCompile(`reverted with reason string '([^']*)'`)
	executionPattern    = regexp.MustCompile(`execution reverted:?\s*(.*)`)
	customErrorPattern  = regexp.MustCompile(`reverted with custom error '([A-Za-z_][A-Za-z0-9_]*)\(`)
)

var transientMarkers = []string{
	"nonce",
	"underpriced",
	"replacement",
	"gas price",
	"timeout",
	"timed out",
	"busy",
	"try again",
}

// ParseRevertReason extracts a human readable revert reason from a node error
// message. It returns the trimmed message when no known shape matches.
func ParseRevertReason(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "transaction reverted"
	}

	if data := revertDataPattern.FindString(message); data != "" {
		if raw, err := hexutil.Decode(evenHex(data)); err == nil {
			if reason, err := abi.UnpackRevert(raw); err == nil && reason != "" {
				return reason
			}
		}
	}
	if m := reasonStringPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	if m := customErrorPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	if m := executionPattern.FindStringSubmatch(message); m != nil {
		if reason := strings.TrimSpace(m[1]); reason != "" {
			return reason
		}
		return "execution reverted"
	}
	return message
}

// IsRetryableReason reports whether a revert reason names a transient condition
func IsRetryableReason(reason string) bool {
	reason = strings.ToLower(reason)
	for _, marker := range transientMarkers {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

func evenHex(s string) string {
	if len(s)%2 == 1 {
		return s[:len(s)-1]
	}
	return s
}
