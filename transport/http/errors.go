package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/marketgate/core"
	"github.com/rs/zerolog"
)

type errorBody struct {
	Category    core.Category `json:"category"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	OperationID string        `json:"operation_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Retryable   *bool         `json:"retryable,omitempty"`
}

// StatusFor maps an error category onto an HTTP status
func StatusFor(category core.Category) int {
	switch category {
	case core.CategoryAuthentication:
		return http.StatusUnauthorized
	case core.CategoryAuthorization:
		return http.StatusForbidden
	case core.CategoryRateLimited:
		return http.StatusTooManyRequests
	case core.CategoryChainQuery:
		return http.StatusBadGateway
	case core.CategoryChainWrite:
		return http.StatusUnprocessableEntity
	case core.CategoryChainTimeout:
		return http.StatusGatewayTimeout
	case core.CategoryValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// abortWithError writes err as {"error": {...}} and stops the handler chain.
// Uncategorized errors are logged and reported as internal without detail.
func abortWithError(c *gin.Context, log zerolog.Logger, err error) {
	e, ok := core.AsError(err)
	if !ok || e.Category == core.CategoryInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorBody{
			Category: core.CategoryInternal,
			Code:     "internal",
			Message:  "internal error",
		}})
		return
	}

	body := errorBody{
		Category:    e.Category,
		Code:        e.Code,
		Message:     e.Message,
		OperationID: e.OperationID,
		Reason:      e.Reason,
	}
	if e.Category == core.CategoryChainWrite {
		retryable := e.Retryable
		body.Retryable = &retryable
	}
	if e.Category == core.CategoryChainQuery {
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("ledger query failed")
	}
	c.AbortWithStatusJSON(StatusFor(e.Category), gin.H{"error": body})
}
