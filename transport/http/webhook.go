package http

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/service"
	"github.com/rs/zerolog"
)

const (
	// WebhookSecretHeader carries the shared secret of the ledger node.
	WebhookSecretHeader = "X-Webhook-Secret"

	maxWebhookBody    = 1 << 20
	processingTimeout = 30 * time.Second
)

// WebhookHandler accepts ledger event deliveries. Deliveries are acknowledged
// before they are processed.
type WebhookHandler struct {
	notifier *service.Notifier
	secret   []byte
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewWebhookHandler creates a webhook handler guarded by secret
func NewWebhookHandler(notifier *service.Notifier, secret string, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		notifier: notifier,
		secret:   []byte(secret),
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// Deliver handles POST /webhooks/ledger
func (h *WebhookHandler) Deliver(c *gin.Context) {
	presented := []byte(c.GetHeader(WebhookSecretHeader))
	if len(h.secret) == 0 || subtle.ConstantTimeCompare(presented, h.secret) != 1 {
		h.log.Warn().Str("remote", c.ClientIP()).Msg("webhook secret mismatch")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorBody{
			Category: core.CategoryAuthentication,
			Code:     "invalid_webhook_secret",
			Message:  "invalid webhook secret",
		}})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		abortWithError(c, h.log, core.ErrInvalidRequest)
		return
	}

	c.Status(http.StatusAccepted)
	c.Writer.WriteHeaderNow()

	ctx := context.WithoutCancel(c.Request.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, processingTimeout)
		defer cancel()
		// Errors are logged by the notifier; the sender already has its 202.
		_ = h.notifier.HandleDelivery(ctx, payload)
	}()
}

// Wait blocks until every accepted delivery has been processed.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}
