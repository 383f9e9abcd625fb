package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// CreatePayment inserts p. A clash on the gateway hash ID returns ErrDuplicate.
func CreatePayment(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return translateCreate(db.WithContext(ctx).Create(p).Error)
}

// GetPayment fetches a payment by internal ID.
func GetPayment(ctx context.Context, db *gorm.DB, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentByHashID fetches a payment by its gateway reference.
func GetPaymentByHashID(ctx context.Context, db *gorm.DB, hashID string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).Where("hash_id = ?", hashID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPaymentHashID records the gateway reference once it is known.
func SetPaymentHashID(ctx context.Context, db *gorm.DB, id, hashID string) error {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND hash_id IS NULL", id).
		Update("hash_id", hashID)
	if res.Error != nil {
		return translateCreate(res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdatePaymentStatus moves a payment from one status to another. The write
// is conditional on the current status so a concurrent move makes it a
// zero-row update.
func UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id string, from, to domain.PaymentStatus) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected, res.Error
}

// DeletePayment removes a payment row. Missing rows are not an error.
func DeletePayment(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Payment{})
	return res.RowsAffected, res.Error
}
