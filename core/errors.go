package core

import (
	"errors"
	"fmt"
)

// Category is the stable, machine-distinguishable class of a failure.
type Category string

const (
	CategoryAuthentication     Category = "authentication_error"
	CategoryAuthorization      Category = "authorization_error"
	CategoryIdentitySpoof      Category = "identity_spoof_attempt"
	CategoryChainQuery         Category = "chain_query_error"
	CategoryChainWrite         Category = "chain_write_error"
	CategoryChainTimeout       Category = "chain_timeout_error"
	CategoryProjectionDegraded Category = "projection_degraded"
	CategoryRateLimited        Category = "rate_limited"
	CategoryValidation         Category = "validation_error"
	CategoryInternal           Category = "internal_error"
)

// Error is a categorized failure. Two errors match under errors.Is when their
// codes are equal, so copies carrying details still match the sentinels below.
type Error struct {
	Category Category
	Code     string
	Message  string

	// Populated for chain write and timeout failures only.
	OperationID string
	Reason      string
	Retryable   bool
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Reason)
	}
	return e.Message
}

// Is matches on code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrChallengeNotFound = &Error{Category: CategoryAuthentication, Code: "challenge_not_found", Message: "no active challenge for address"}
	ErrChallengeExpired  = &Error{Category: CategoryAuthentication, Code: "challenge_expired", Message: "challenge has expired"}
	ErrSignatureMismatch = &Error{Category: CategoryAuthentication, Code: "signature_mismatch", Message: "signature does not match address"}
	ErrInvalidSignature  = &Error{Category: CategoryAuthentication, Code: "invalid_signature", Message: "malformed signature"}
	ErrInvalidAddress    = &Error{Category: CategoryAuthentication, Code: "invalid_address", Message: "invalid wallet address"}
	ErrTokenExpired      = &Error{Category: CategoryAuthentication, Code: "token_expired", Message: "token has expired"}
	ErrInvalidToken      = &Error{Category: CategoryAuthentication, Code: "invalid_token", Message: "invalid token"}
	ErrRefreshExpired    = &Error{Category: CategoryAuthentication, Code: "refresh_expired", Message: "refresh token has expired"}

	ErrCSRFMismatch   = &Error{Category: CategoryAuthorization, Code: "csrf_mismatch", Message: "csrf token missing or mismatched"}
	ErrSessionMissing = &Error{Category: CategoryAuthorization, Code: "session_missing", Message: "no session"}
	ErrSessionRevoked = &Error{Category: CategoryAuthorization, Code: "session_revoked", Message: "session has been revoked"}
	ErrRefreshReuse   = &Error{Category: CategoryAuthorization, Code: "refresh_reuse", Message: "refresh token reuse detected, session revoked"}

	ErrIdentitySpoof = &Error{Category: CategoryIdentitySpoof, Code: "identity_spoof", Message: "request signer differs from session identity"}

	ErrChainQuery   = &Error{Category: CategoryChainQuery, Code: "chain_query", Message: "ledger query failed"}
	ErrChainWrite   = &Error{Category: CategoryChainWrite, Code: "chain_write", Message: "transaction reverted"}
	ErrChainTimeout = &Error{Category: CategoryChainTimeout, Code: "chain_timeout", Message: "transaction outcome unknown, re-query ledger state"}

	ErrProjectionDegraded = &Error{Category: CategoryProjectionDegraded, Code: "projection_degraded", Message: "event feed unavailable"}

	ErrRateLimited = &Error{Category: CategoryRateLimited, Code: "rate_limited", Message: "rate limit exceeded, retry later"}

	ErrInvalidRequest = &Error{Category: CategoryValidation, Code: "invalid_request", Message: "invalid request"}
	ErrUnknownMethod  = &Error{Category: CategoryValidation, Code: "unknown_method", Message: "unknown target or method"}

	ErrStoreOperationFailed = &Error{Category: CategoryInternal, Code: "store_failed", Message: "store operation failed"}
)

// ChainWriteError builds a revert error carrying the parsed reason.
func ChainWriteError(operationID, reason string, retryable bool) error {
	return &Error{
		Category:    CategoryChainWrite,
		Code:        ErrChainWrite.Code,
		Message:     ErrChainWrite.Message,
		OperationID: operationID,
		Reason:      reason,
		Retryable:   retryable,
	}
}

// ChainTimeoutError builds a timeout error for an operation whose outcome is unknown.
func ChainTimeoutError(operationID string) error {
	return &Error{
		Category:    CategoryChainTimeout,
		Code:        ErrChainTimeout.Code,
		Message:     ErrChainTimeout.Message,
		OperationID: operationID,
	}
}

// AsError extracts the categorized error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf returns the category of err, or CategoryInternal for plain errors.
func CategoryOf(err error) Category {
	if e, ok := AsError(err); ok {
		return e.Category
	}
	return CategoryInternal
}
