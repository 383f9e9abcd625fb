package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/circlelink/linkage-core/internal/authz"
)

const (
	authKey   = "authz"
	userIDKey = "userID"
)

// Auth verifies an optional "Authorization: Bearer <jwt>" header.
//
// A request without the header continues as anonymous; public resolution
// and eligibility checks need no identity. A header that is present but
// does not verify is rejected with 401 so a broken client never silently
// degrades to anonymous.
//
// The caller is stored for AuthFrom and its subject under "userID", which
// KeyByUserOrIP and the access log read.
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			c.Set(authKey, authz.Context{})
			c.Next()
			return
		}
		scheme, raw, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
			abortUnauthorized(c, "malformed authorization header")
			return
		}
		ac, err := authz.ParseToken(secret, strings.TrimSpace(raw))
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("token rejected")
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Set(authKey, ac)
		c.Set(userIDKey, ac.ActorID)
		c.Next()
	}
}

// AuthFrom returns the caller stored by Auth. Without Auth in the chain the
// caller is anonymous.
func AuthFrom(c *gin.Context) authz.Context {
	if v, ok := c.Get(authKey); ok {
		if ac, ok := v.(authz.Context); ok {
			return ac
		}
	}
	return authz.Context{}
}

// RequireActor rejects anonymous callers with 401.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if AuthFrom(c).Anonymous() {
			abortUnauthorized(c, "authentication required")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="linkage"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": GetRequestID(c),
		"code":       "unauthorized",
		"message":    msg,
	})
}
