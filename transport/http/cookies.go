package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/marketgate/core"
)

// Cookie and header names shared with browser clients.
const (
	AccessCookie  = "mg_access"
	RefreshCookie = "mg_refresh"
	CSRFCookie    = "mg_csrf"
	CSRFHeader    = "X-CSRF-Token"

	refreshPath = "/auth/refresh"
)

// CookieConfig controls the attributes of session cookies
type CookieConfig struct {
	Domain string
	Secure bool
	// Lifetime is how long the browser keeps the cookies; the tokens inside
	// carry their own, shorter, expiry.
	Lifetime time.Duration
}

func (cc CookieConfig) setSession(c *gin.Context, s *core.Session) {
	maxAge := int(cc.Lifetime.Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AccessCookie, s.AccessToken, maxAge, "/", cc.Domain, cc.Secure, true)
	c.SetCookie(RefreshCookie, s.RefreshToken, maxAge, refreshPath, cc.Domain, cc.Secure, true)
	c.SetCookie(CSRFCookie, s.CSRFToken, maxAge, "/", cc.Domain, cc.Secure, false)
}

func (cc CookieConfig) clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AccessCookie, "", -1, "/", cc.Domain, cc.Secure, true)
	c.SetCookie(RefreshCookie, "", -1, refreshPath, cc.Domain, cc.Secure, true)
	c.SetCookie(CSRFCookie, "", -1, "/", cc.Domain, cc.Secure, false)
}

func cookieValue(c *gin.Context, name string) string {
	v, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return v
}
