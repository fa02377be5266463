package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/service"
	"github.com/rs/zerolog"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	cookies     CookieConfig
	log         zerolog.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, cookies CookieConfig, log zerolog.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		cookies:     cookies,
		log:         log,
	}
}

type challengeResponse struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	Address        string    `json:"address"`
	AccessExpires  time.Time `json:"access_expires_at"`
	RefreshExpires time.Time `json:"refresh_expires_at"`
	CSRFToken      string    `json:"csrf_token"`
}

// Challenge issues a sign-in challenge for the address query parameter
func (h *AuthHandlers) Challenge(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		abortWithError(c, h.log, core.ErrInvalidAddress)
		return
	}

	challenge, message, err := h.authService.IssueChallenge(c.Request.Context(), address)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, challengeResponse{
		Address:   challenge.Address,
		Nonce:     challenge.Nonce,
		Message:   message,
		IssuedAt:  challenge.IssuedAt.UTC(),
		ExpiresAt: challenge.ExpiresAt.UTC(),
	})
}

// Login handles the login request
func (h *AuthHandlers) Login(c *gin.Context) {
	var req struct {
		Address   string `json:"address" binding:"required"`
		Signature string `json:"signature" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, h.log, core.ErrInvalidRequest)
		return
	}

	session, err := h.authService.VerifyLogin(c.Request.Context(), req.Address, req.Signature)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}

	h.cookies.setSession(c, session)
	c.JSON(http.StatusOK, toSessionResponse(session))
}

// Refresh rotates the refresh cookie and reissues the session cookies
func (h *AuthHandlers) Refresh(c *gin.Context) {
	session, err := h.authService.RefreshSession(
		c.Request.Context(),
		cookieValue(c, RefreshCookie),
		cookieValue(c, CSRFCookie),
		c.GetHeader(CSRFHeader),
	)
	if err != nil {
		h.cookies.clear(c)
		abortWithError(c, h.log, err)
		return
	}

	h.cookies.setSession(c, session)
	c.JSON(http.StatusOK, toSessionResponse(session))
}

// Logout revokes every session of the caller
func (h *AuthHandlers) Logout(c *gin.Context) {
	_, err := h.authService.Logout(
		c.Request.Context(),
		cookieValue(c, AccessCookie),
		cookieValue(c, CSRFCookie),
		c.GetHeader(CSRFHeader),
	)
	h.cookies.clear(c)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		abortWithError(c, h.log, core.ErrSessionMissing)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": principal.Address,
	})
}

func toSessionResponse(s *core.Session) sessionResponse {
	return sessionResponse{
		Address:        s.Address,
		AccessExpires:  s.AccessExpiry.UTC(),
		RefreshExpires: s.RefreshExpiry.UTC(),
		CSRFToken:      s.CSRFToken,
	}
}
