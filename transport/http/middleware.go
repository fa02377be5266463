package http

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/service"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const principalKey = "principal"

// AuthMiddleware validates the access token from the access cookie, or from a
// Bearer header for non-browser clients, and stores the principal.
func AuthMiddleware(authService *service.AuthService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := authService.Authenticate(c.Request.Context(), accessToken(c))
		if err != nil {
			abortWithError(c, log, err)
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// CSRFMiddleware requires the CSRF header to echo the CSRF cookie. A mismatch
// clears the session cookies.
func CSRFMiddleware(cookies CookieConfig, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := service.CheckCSRF(cookieValue(c, CSRFCookie), c.GetHeader(CSRFHeader)); err != nil {
			cookies.clear(c)
			abortWithError(c, log, err)
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request with the active trace id
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Info()
		if c.Writer.Status() >= 500 {
			ev = log.Error()
		}
		if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
			ev = ev.Str("trace_id", sc.TraceID().String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func accessToken(c *gin.Context) string {
	if token := cookieValue(c, AccessCookie); token != "" {
		return token
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func principalFrom(c *gin.Context) (core.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return core.Principal{}, false
	}
	p, ok := v.(core.Principal)
	return p, ok
}
