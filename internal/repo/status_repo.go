package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// CreateStatusRecord inserts the status row paired with a record.
func CreateStatusRecord(ctx context.Context, db *gorm.DB, r *domain.StatusRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	return translateCreate(db.WithContext(ctx).Create(r).Error)
}

// GetStatusRecord fetches the status row of recordID.
func GetStatusRecord(ctx context.Context, db *gorm.DB, recordID string) (*domain.StatusRecord, error) {
	var r domain.StatusRecord
	if err := db.WithContext(ctx).Where("record_id = ?", recordID).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateStatusRecord moves a status row from one value to another,
// conditional on the current value.
func UpdateStatusRecord(ctx context.Context, db *gorm.DB, recordID string, from, to domain.ApplicationStatus, actor string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.StatusRecord{}).
		Where("record_id = ? AND status = ?", recordID, from).
		Updates(map[string]any{"status": to, "updated_by": actor, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// DeleteStatusRecord removes the status row. Missing rows are not an error.
func DeleteStatusRecord(ctx context.Context, db *gorm.DB, recordID string) (int64, error) {
	res := db.WithContext(ctx).Where("record_id = ?", recordID).Delete(&domain.StatusRecord{})
	return res.RowsAffected, res.Error
}

// AppendStatusLog writes one audit row.
func AppendStatusLog(ctx context.Context, db *gorm.DB, l *domain.StatusLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(l).Error
}

// ListStatusLogs returns the audit trail of recordID, oldest first.
func ListStatusLogs(ctx context.Context, db *gorm.DB, recordID string) ([]domain.StatusLog, error) {
	var out []domain.StatusLog
	err := db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}
