// Package services – Registry
//
// Registry owns the mapping between public hash IDs and internal records.
// Resolution is format-checked before any query and returns one not-found
// shape for every miss. Registration draws fresh IDs until one is free of
// both live entries and tombstones.
package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/hashid"
	"github.com/circlelink/linkage-core/internal/repo"
)

// DefaultMaxDraws bounds Register when MaxDraws is unset.
const DefaultMaxDraws = 8

// Registry resolves and issues hash IDs.
type Registry struct {
	DB *gorm.DB

	// MaxDraws is the number of fresh IDs tried before giving up.
	MaxDraws int

	// NewHashID draws a candidate ID; nil means hashid.New.
	NewHashID func(kind domain.RecordKind) (string, error)
}

// Resolve looks up hashID. Malformed input fails with ErrInvalidFormat
// without touching the store. Every other miss, including an entry whose
// stored kind disagrees with the ID shape, is ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, hashID string) (*domain.RegistryEntry, error) {
	tr := otel.Tracer("services/Registry")
	ctx, span := tr.Start(ctx, "Resolve")
	defer span.End()

	return r.resolve(ctx, r.DB, hashID)
}

func (r *Registry) resolve(ctx context.Context, db *gorm.DB, hashID string) (*domain.RegistryEntry, error) {
	hashID = hashid.Normalize(hashID)
	kind, _, err := hashid.Classify(hashID)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("registry.kind", string(kind)))

	e, err := repo.GetEntry(ctx, db, hashID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Kind != kind {
		return nil, ErrNotFound
	}
	return e, nil
}

// resolveKind is resolve restricted to one kind. Input of the other kind's
// shape is ErrInvalidFormat.
func (r *Registry) resolveKind(ctx context.Context, db *gorm.DB, hashID string, kind domain.RecordKind) (*domain.RegistryEntry, error) {
	hashID = hashid.Normalize(hashID)
	if err := hashid.Validate(hashID, kind); err != nil {
		return nil, ErrInvalidFormat
	}
	return r.resolve(ctx, db, hashID)
}

// Register issues a hash ID for (kind, recordID) under parentID inside tx.
// A drawn ID that is live or retired is discarded and a new one drawn; when
// MaxDraws candidates all collide the result is ErrGenerationConflict.
func (r *Registry) Register(ctx context.Context, tx *gorm.DB, recordID, parentID string, kind domain.RecordKind) (string, error) {
	tr := otel.Tracer("services/Registry")
	ctx, span := tr.Start(ctx, "Register",
		trace.WithAttributes(attribute.String("registry.kind", string(kind))),
	)
	defer span.End()

	if kind != domain.KindApplication && kind != domain.KindTicket {
		return "", invalidInput("kind %q is not generated locally", kind)
	}
	if recordID == "" || parentID == "" {
		return "", invalidInput("record and parent ids are required")
	}
	if _, err := repo.GetEntryByRecord(ctx, tx, kind, recordID); err == nil {
		return "", invalidInput("record already registered")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}

	gen := r.NewHashID
	if gen == nil {
		gen = hashid.New
	}
	draws := r.MaxDraws
	if draws <= 0 {
		draws = DefaultMaxDraws
	}

	for i := 0; i < draws; i++ {
		id, err := gen(kind)
		if err != nil {
			return "", err
		}
		err = r.insert(ctx, tx, &domain.RegistryEntry{
			HashID: id, Kind: kind, RecordID: recordID, ParentID: parentID,
		})
		if errors.Is(err, ErrGenerationConflict) {
			logger(ctx).Debug().Str("kind", string(kind)).Int("draw", i+1).Msg("hash id collision")
			continue
		}
		if err != nil {
			return "", err
		}
		span.SetAttributes(attribute.Int("registry.draws", i+1))
		return id, nil
	}
	logger(ctx).Error().Str("kind", string(kind)).Int("draws", draws).Msg("hash id space exhausted")
	return "", ErrGenerationConflict
}

// RegisterExternal records a gateway-issued payment hash ID. A clash with a
// live or retired ID is ErrGenerationConflict.
func (r *Registry) RegisterExternal(ctx context.Context, tx *gorm.DB, hashID string, kind domain.RecordKind, recordID, parentID string) error {
	if kind != domain.KindPayment {
		return invalidInput("only payment ids are issued externally")
	}
	if !hashid.ValidExternal(hashID) {
		return ErrInvalidFormat
	}
	return r.insert(ctx, tx, &domain.RegistryEntry{
		HashID: hashID, Kind: kind, RecordID: recordID, ParentID: parentID,
	})
}

// insert checks the ID against live entries and tombstones, then creates the
// row under a savepoint so a unique violation does not poison tx.
func (r *Registry) insert(ctx context.Context, tx *gorm.DB, e *domain.RegistryEntry) error {
	taken, err := repo.HashIDTaken(ctx, tx, e.HashID)
	if err != nil {
		return err
	}
	if taken {
		return ErrGenerationConflict
	}
	err = tx.Transaction(func(sp *gorm.DB) error {
		return repo.CreateEntry(ctx, sp, e)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return ErrGenerationConflict
	}
	return err
}

// Unregister removes the mapping and leaves a tombstone so the ID is never
// issued again. It is the last step of a cascading delete.
func (r *Registry) Unregister(ctx context.Context, tx *gorm.DB, hashID string) error {
	err := repo.RetireEntry(ctx, tx, hashID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
