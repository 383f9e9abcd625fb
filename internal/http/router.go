// Package httpapi wires the Gin transport to the linkage core: middleware,
// route table and the handlers that call into services.
//
// Order of the global chain:
//   - tracing, request id, access log, panic recovery
//   - body cap, compression, metrics
//   - auth, idempotency lookup, rate limiting (replays bypass the limiter)
//   - CORS and security headers
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/config"
	"github.com/circlelink/linkage-core/internal/http/handlers"
	"github.com/circlelink/linkage-core/internal/http/middleware"
	"github.com/circlelink/linkage-core/internal/repo"
	"github.com/circlelink/linkage-core/internal/services"
)

const maxBodyBytes = 1 << 20

var (
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey}
	corsExpose  = []string{"X-Request-ID", "Content-Length", "ETag", handlers.HeaderIdempotencyReplayed}
)

// RegisterRoutes attaches the middleware chain and every endpoint to r.
// core carries the services; db backs the idempotency store and the space
// layout ETag.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, core *services.Core, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Gateway-Signature"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	// QR PNGs are already compressed; metrics scrapes negotiate their own.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	idem := handlers.DBIdempotency{DB: db, TTL: cfg.IdempotencyTTL}
	r.Use(middleware.Auth([]byte(cfg.JWTSecret)))
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idem.Lookup))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	useCORS(r, cfg.CORS.AllowedOrigins)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	stats := func(ctx context.Context, eventID string) (int64, *time.Time, error) {
		return repo.SpaceSlotsStats(ctx, db, eventID)
	}
	h := handlers.FromCore(core, idem, stats)

	// The resolver is the only surface that takes guessed identifiers, so it
	// gets a stricter per-IP bucket on top of the global one.
	resolveRL := middleware.NewRateLimiter(cfg.ResolveRPS, cfg.ResolveBurst, middleware.KeyByIP())

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Anonymous surfaces: the constant-shape resolver and price previews.
		api.GET("/resolve/:hashId", resolveRL.Handler(), middleware.NoStore(), h.Resolve)
		api.POST("/vouchers/quote", h.QuoteVoucher)
	}

	// Everything else needs a caller, so an anonymous request learns nothing
	// about whether a hash ID exists.
	authed := api.Group("", middleware.RequireActor())
	{
		// Applications
		authed.POST("/events/:eventId/applications", h.CreateApplication)
		authed.GET("/applications/:hashId", middleware.NoStore(), h.GetApplication)
		authed.DELETE("/applications/:hashId", h.DeleteRecord)
		authed.PUT("/applications/:hashId/status", h.SetApplicationStatus)
		authed.PUT("/applications/:hashId/payment/status", h.SetRecordPaymentStatus)
		authed.GET("/applications/:hashId/history", h.History)

		// Tickets
		authed.POST("/stores/:storeId/tickets", h.CreateTicket)
		authed.GET("/tickets/:hashId", middleware.NoStore(), h.GetTicket)
		authed.DELETE("/tickets/:hashId", h.DeleteRecord)
		authed.GET("/tickets/:hashId/eligibility", middleware.NoStore(), h.TicketEligibility)
		authed.GET("/tickets/:hashId/qr", middleware.NoStore(), h.TicketQR)
		authed.PUT("/tickets/:hashId/assignee", h.AssignTicket)
		authed.DELETE("/tickets/:hashId/assignee", h.UnassignTicket)
		authed.POST("/tickets/:hashId/use", h.UseTicket)
		authed.POST("/tickets/:hashId/reset", h.ResetTicket)
		authed.PUT("/tickets/:hashId/payment/status", h.SetRecordPaymentStatus)
		authed.GET("/tickets/:hashId/history", h.History)

		// Spaces
		authed.GET("/events/:eventId/spaces", h.ListSpaces)
		authed.PUT("/events/:eventId/spaces", h.ReassignSpaces)

		// Payment gateway callbacks
		authed.POST("/webhooks/payments", h.PaymentWebhook)
	}
}

// useCORS installs gin-contrib/cors. Without an allowlist every origin is
// accepted (credentials stay off); otherwise allowed origins are echoed.
func useCORS(r *gin.Engine, origins []string) {
	if len(origins) == 0 {
		// ACAO: * even without an Origin header, so plain clients see it too.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    corsExpose,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     corsMethods,
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    corsExpose,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
}

// limitBody caps request bodies at maxBytes; reads past the cap fail and
// binding answers 400.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
