package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// CreateVoucher inserts a voucher together with its redemption codes.
func CreateVoucher(ctx context.Context, db *gorm.DB, v *domain.Voucher, codes ...string) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(v).Error; err != nil {
			return err
		}
		for _, c := range codes {
			if err := tx.Create(&domain.VoucherCode{Code: c, VoucherID: v.ID}).Error; err != nil {
				return translateCreate(err)
			}
		}
		return nil
	})
}

// GetVoucherCode fetches a code row.
func GetVoucherCode(ctx context.Context, db *gorm.DB, code string) (*domain.VoucherCode, error) {
	var c domain.VoucherCode
	if err := db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetVoucher fetches a voucher by ID.
func GetVoucher(ctx context.Context, db *gorm.DB, id string) (*domain.Voucher, error) {
	var v domain.Voucher
	if err := db.WithContext(ctx).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// IncrementVoucherUse bumps used_count by one if the limit still allows it.
// A result of 0 means the voucher is exhausted (or missing).
func IncrementVoucherUse(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Voucher{}).
		Where("id = ? AND (used_count_limit IS NULL OR used_count < used_count_limit)", id).
		Updates(map[string]any{
			"used_count": gorm.Expr("used_count + 1"),
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// CreateVoucherUsage writes one redemption row.
func CreateVoucherUsage(ctx context.Context, db *gorm.DB, u *domain.VoucherUsage) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(u).Error
}

// CountVoucherUsages returns the number of redemptions of a voucher.
func CountVoucherUsages(ctx context.Context, db *gorm.DB, voucherID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.VoucherUsage{}).
		Where("voucher_id = ?", voucherID).
		Count(&n).Error
	return n, err
}

// GetProduct fetches a product under its event or store.
func GetProduct(ctx context.Context, db *gorm.DB, targetType domain.VoucherTargetType, targetID, id string) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).
		Where("id = ? AND target_type = ? AND target_id = ?", id, targetType, targetID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}
