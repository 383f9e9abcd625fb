package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/http/middleware"
	"github.com/circlelink/linkage-core/internal/repo"
)

// HeaderIdempotencyReplayed marks an answer served from a stored outcome.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// DBIdempotency stores create outcomes in the idempotency table.
type DBIdempotency struct {
	DB  *gorm.DB
	TTL time.Duration
}

// Lookup satisfies middleware.IdempotencyLookup.
func (s DBIdempotency) Lookup(ctx context.Context, actorID, scope, key string, now time.Time) (*middleware.Replay, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, actorID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &middleware.Replay{HashID: rec.HashID, Status: rec.Status}, nil
}

// Save records an outcome. A concurrent duplicate keeps the first one.
func (s DBIdempotency) Save(ctx context.Context, actorID, scope, key, hashID string, status int) error {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := repo.CreateIdempotency(ctx, s.DB, actorID, scope, key, hashID, status, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// ReplayResponse answers a repeated create request.
type ReplayResponse struct {
	HashID   string `json:"hash_id"`
	Replayed bool   `json:"replayed"`
}

// serveReplay answers from a stored outcome and reports whether it did.
func serveReplay(c *gin.Context) bool {
	rep, found := middleware.GetReplay(c)
	if !found {
		return false
	}
	c.Header(HeaderIdempotencyReplayed, "true")
	ok(c, rep.Status, ReplayResponse{HashID: rep.HashID, Replayed: true})
	return true
}

// remember stores the outcome of a create for later replays. Failures are
// logged only: the record exists either way.
func (h *Handlers) remember(c *gin.Context, hashID string, status int) {
	key, found := middleware.GetIdempotencyKey(c)
	scope := middleware.IdempotencyScope(c)
	ac := actor(c)
	if h.idem == nil || !found || scope == "" || ac.Anonymous() {
		return
	}
	if err := h.idem.Save(c.Request.Context(), ac.ActorID, scope, key, hashID, status); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency save failed")
	}
}

