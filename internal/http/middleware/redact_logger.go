package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders lists extra header names whose values are replaced with
// "[REDACTED]". Matching is case-insensitive and merged with Authorization,
// Cookie, Set-Cookie and Idempotency-Key.
type RedactOptions struct {
	MaskHeaders []string
}

var (
	// Public hash IDs are bearer-like: whoever holds one can open the record.
	hashIDRE = regexp.MustCompile(`\b(?:S[CT]\d{4}[0-9A-Z]{12}|\d{17}-(?:[0-9A-Za-z]{32}|[0-9a-f]{8}))\b`)
	uuidRE   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex runs inside IDs never match.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redact scrubs identifiers from s. Hash IDs and UUIDs go first because the
// phone pattern would otherwise eat their digit runs.
func redact(s string) string {
	if s == "" {
		return s
	}
	out := hashIDRE.ReplaceAllString(s, "[REDACTED:hash_id]")
	out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
	out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
}

// RedactingLogger attaches a request-scoped zerolog.Logger and writes one
// access log line per request with identifiers scrubbed.
//
// The scoped logger is stored under the "logger" Gin key and embedded in
// the request context, so services reading zerolog.Ctx(ctx) log with the
// request ID. Bodies are never logged. The path is the matched route; for
// unmatched requests the raw path is logged after redaction.
//
// Level: error for 5xx or when handlers recorded c.Errors, warn for 4xx,
// info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization":   {},
		"cookie":          {},
		"set-cookie":      {},
		"idempotency-key": {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		route := c.FullPath()
		if route == "" {
			route = redact(c.Request.URL.Path)
		}

		l := log.With().
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", route).
			Logger()
		c.Set(loggerKey, &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		safeHeaders := scrubHeaders(c.Request.Header, maskHeaders)
		safeQuery := truncate(redact(c.Request.URL.RawQuery), maxQueryLogLength)

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case len(c.Errors) > 0 || status >= http.StatusInternalServerError:
			ev = l.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", redact(c.Errors.String()))
			}
		case status >= http.StatusBadRequest:
			ev = l.Warn()
		}

		// userID is only known after Auth ran.
		ev.
			Str("user_id", asString(mustGet(c, userIDKey))).
			Str("remote_ip", c.ClientIP()).
			Str("query", safeQuery).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}

func scrubHeaders(h http.Header, mask map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := mask[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redact(strings.Join(vv, ", "))
	}
	return out
}

func mustGet(c *gin.Context, key string) any {
	v, _ := c.Get(key)
	return v
}
