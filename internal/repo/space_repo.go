package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// ListSpaceSlots returns the slots of an event in layout order.
func ListSpaceSlots(ctx context.Context, db *gorm.DB, eventID string) ([]domain.SpaceSlot, error) {
	var out []domain.SpaceSlot
	err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("position asc").
		Find(&out).Error
	return out, err
}

// GetSpaceSlot fetches one slot by ID.
func GetSpaceSlot(ctx context.Context, db *gorm.DB, id string) (*domain.SpaceSlot, error) {
	var s domain.SpaceSlot
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearSlotApplication nils every slot reference to applicationID.
func ClearSlotApplication(ctx context.Context, db *gorm.DB, applicationID string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.SpaceSlot{}).
		Where("application_id = ?", applicationID).
		Update("application_id", nil)
	return res.RowsAffected, res.Error
}

// ClearEventSlotApplications nils the application reference of every slot of
// eventID.
func ClearEventSlotApplications(ctx context.Context, db *gorm.DB, eventID string) error {
	return db.WithContext(ctx).Model(&domain.SpaceSlot{}).
		Where("event_id = ? AND application_id IS NOT NULL", eventID).
		Update("application_id", nil).Error
}

// DeleteEventSlots removes every slot of eventID.
func DeleteEventSlots(ctx context.Context, db *gorm.DB, eventID string) (int64, error) {
	res := db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&domain.SpaceSlot{})
	return res.RowsAffected, res.Error
}

// CreateSpaceSlots inserts slots in chunks of batchSize rows per statement.
func CreateSpaceSlots(ctx context.Context, db *gorm.DB, slots []domain.SpaceSlot, batchSize int) error {
	if len(slots) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = len(slots)
	}
	return db.WithContext(ctx).CreateInBatches(&slots, batchSize).Error
}
