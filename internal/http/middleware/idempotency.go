package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client key that deduplicates retried
// create requests.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // *Replay of the stored outcome
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// Replay is the stored outcome of a completed create request.
type Replay struct {
	HashID string
	Status int
}

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// GetReplay returns the stored outcome when the request repeats a completed
// one.
func GetReplay(c *gin.Context) (*Replay, bool) {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return nil, false
	}
	r, ok := v.(*Replay)
	return r, ok && r != nil
}

// IsReplay reports whether GetReplay would succeed.
func IsReplay(c *gin.Context) bool {
	_, ok := GetReplay(c)
	return ok
}

// IdempotencyOptions configures header validation for IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// IdempotencyLookup returns the unexpired outcome stored for
// (actorID, scope, key), or nil when there is none. TTL is enforced by the
// implementation.
type IdempotencyLookup func(ctx context.Context, actorID, scope, key string, now time.Time) (*Replay, error)

// IdempotencyScope names the parent a create request is scoped to: the
// :eventId or :storeId route parameter, whichever the route has.
func IdempotencyScope(c *gin.Context) string {
	if s := c.Param("eventId"); s != "" {
		return "event:" + s
	}
	if s := c.Param("storeId"); s != "" {
		return "store:" + s
	}
	return ""
}

// IdempotencyValidator validates the Idempotency-Key header of state-changing
// requests and, for authenticated callers on a scoped route, looks up a prior
// outcome. On a hit the Replay is stashed and rate limiting is bypassed; the
// handler decides how to answer.
//
// Without the header the middleware is a no-op. A malformed key gets 400.
// Lookup failures are logged and the request proceeds as new.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": GetRequestID(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		actor := AuthFrom(c).ActorID
		scope := IdempotencyScope(c)
		if lookup != nil && actor != "" && scope != "" {
			rep, err := lookup(c.Request.Context(), actor, scope, key, time.Now().UTC())
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			case rep != nil:
				c.Set(ctxKeyIdemReplay, rep)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}
