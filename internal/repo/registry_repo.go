// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file holds the identifier registry: live hash ID
// mappings and the tombstones left behind when a record is deleted.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// GetEntry fetches the registry row for hashID or returns ErrNotFound.
func GetEntry(ctx context.Context, db *gorm.DB, hashID string) (*domain.RegistryEntry, error) {
	var e domain.RegistryEntry
	if err := db.WithContext(ctx).Where("hash_id = ?", hashID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntryByRecord fetches the registry row pointing at (kind, recordID).
func GetEntryByRecord(ctx context.Context, db *gorm.DB, kind domain.RecordKind, recordID string) (*domain.RegistryEntry, error) {
	var e domain.RegistryEntry
	err := db.WithContext(ctx).
		Where("kind = ? AND record_id = ?", kind, recordID).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntries returns the live entries for a set of hash IDs.
func ListEntries(ctx context.Context, db *gorm.DB, hashIDs []string) ([]domain.RegistryEntry, error) {
	var out []domain.RegistryEntry
	if len(hashIDs) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).Where("hash_id IN ?", hashIDs).Find(&out).Error
	return out, err
}

// HashIDTaken reports whether hashID is live or has ever been retired.
func HashIDTaken(ctx context.Context, db *gorm.DB, hashID string) (bool, error) {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.RegistryEntry{}).
		Where("hash_id = ?", hashID).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := db.WithContext(ctx).Model(&domain.RetiredHashID{}).
		Where("hash_id = ?", hashID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateEntry inserts a registry row. A clash on hash ID or on
// (kind, record_id) returns ErrDuplicate.
func CreateEntry(ctx context.Context, db *gorm.DB, e *domain.RegistryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return translateCreate(db.WithContext(ctx).Create(e).Error)
}

// RetireEntry deletes the mapping and writes its tombstone. It returns
// ErrNotFound when no live row exists.
func RetireEntry(ctx context.Context, db *gorm.DB, hashID string) error {
	var e domain.RegistryEntry
	if err := db.WithContext(ctx).Where("hash_id = ?", hashID).First(&e).Error; err != nil {
		return err
	}
	res := db.WithContext(ctx).Where("hash_id = ?", hashID).Delete(&domain.RegistryEntry{})
	if res.Error != nil {
		return res.Error
	}
	tomb := &domain.RetiredHashID{HashID: e.HashID, Kind: e.Kind, RetiredAt: time.Now().UTC()}
	if err := db.WithContext(ctx).Create(tomb).Error; err != nil && !IsUniqueViolation(err) {
		return err
	}
	return nil
}

// SetEntrySpaceSlot writes (or clears, with nil) the slot routing field.
func SetEntrySpaceSlot(ctx context.Context, db *gorm.DB, hashID string, slotID *string) error {
	res := db.WithContext(ctx).Model(&domain.RegistryEntry{}).
		Where("hash_id = ?", hashID).
		Update("space_slot_id", slotID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClearEventSpaceSlots nils the slot routing field on every application
// entry under eventID.
func ClearEventSpaceSlots(ctx context.Context, db *gorm.DB, eventID string) error {
	return db.WithContext(ctx).Model(&domain.RegistryEntry{}).
		Where("kind = ? AND parent_id = ? AND space_slot_id IS NOT NULL", domain.KindApplication, eventID).
		Update("space_slot_id", nil).Error
}

// SetEntryPayment writes the payment routing field.
func SetEntryPayment(ctx context.Context, db *gorm.DB, hashID string, paymentID *string) error {
	return db.WithContext(ctx).Model(&domain.RegistryEntry{}).
		Where("hash_id = ?", hashID).
		Update("payment_id", paymentID).Error
}

// IsRetired reports whether hashID has a tombstone.
func IsRetired(ctx context.Context, db *gorm.DB, hashID string) (bool, error) {
	var t domain.RetiredHashID
	err := db.WithContext(ctx).Where("hash_id = ?", hashID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetEntryByPayment finds the application or ticket entry whose payment
// routing field is paymentID.
func GetEntryByPayment(ctx context.Context, db *gorm.DB, paymentID string) (*domain.RegistryEntry, error) {
	var e domain.RegistryEntry
	err := db.WithContext(ctx).
		Where("payment_id = ? AND kind IN ?", paymentID, []domain.RecordKind{domain.KindApplication, domain.KindTicket}).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEventEntries returns every application entry under eventID.
func ListEventEntries(ctx context.Context, db *gorm.DB, eventID string) ([]domain.RegistryEntry, error) {
	var out []domain.RegistryEntry
	err := db.WithContext(ctx).
		Where("kind = ? AND parent_id = ?", domain.KindApplication, eventID).
		Find(&out).Error
	return out, err
}
