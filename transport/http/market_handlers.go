package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/service"
	"github.com/rs/zerolog"
)

// MarketHandlers serves ledger writes and the derived marketplace views
type MarketHandlers struct {
	gateway   *service.Gateway
	projector *service.Projector
	log       zerolog.Logger
}

// NewMarketHandlers creates market handlers
func NewMarketHandlers(gateway *service.Gateway, projector *service.Projector, log zerolog.Logger) *MarketHandlers {
	return &MarketHandlers{gateway: gateway, projector: projector, log: log}
}

type invokeRequest struct {
	Target string          `json:"target" binding:"required"`
	Method string          `json:"method" binding:"required"`
	Args   json.RawMessage `json:"args"`

	// Client-supplied signer fields; read only to detect spoofing.
	Signer string `json:"signer"`
	From   string `json:"from"`
	Key    string `json:"key"`
}

func (r invokeRequest) claimedSigner() string {
	for _, s := range []string{r.Signer, r.From, r.Key} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Invoke submits a ledger write as the session identity
func (h *MarketHandlers) Invoke(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		abortWithError(c, h.log, core.ErrSessionMissing)
		return
	}

	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, h.log, core.ErrInvalidRequest)
		return
	}

	result, err := h.gateway.Invoke(c.Request.Context(), principal, service.InvokeRequest{
		Target:        req.Target,
		Method:        req.Method,
		Args:          req.Args,
		ClaimedSigner: req.claimedSigner(),
	})
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Listings returns the active listings for the phase query parameter
func (h *MarketHandlers) Listings(c *gin.Context) {
	phase, err := core.ParsePhase(c.Query("phase"))
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, h.projector.Listings(c.Request.Context(), phase))
}

// Inventory returns the caller's reconciled holdings
func (h *MarketHandlers) Inventory(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		abortWithError(c, h.log, core.ErrSessionMissing)
		return
	}

	inv, err := h.projector.Inventory(c.Request.Context(), principal.Address)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// Credits returns the caller's withdrawable proceeds
func (h *MarketHandlers) Credits(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		abortWithError(c, h.log, core.ErrSessionMissing)
		return
	}

	credits, err := h.projector.CreditsOwed(c.Request.Context(), principal.Address)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, credits)
}
