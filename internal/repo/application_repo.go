package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// CreateApplication inserts a. An empty ID is filled with a UUID.
func CreateApplication(ctx context.Context, db *gorm.DB, a *domain.Application) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(a).Error
}

// GetApplication fetches one application by internal ID.
func GetApplication(ctx context.Context, db *gorm.DB, id string) (*domain.Application, error) {
	var a domain.Application
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteApplication removes the primary row. It returns ErrNotFound when
// nothing was deleted.
func DeleteApplication(ctx context.Context, db *gorm.DB, id string) error {
	return deleteByID(ctx, db, &domain.Application{}, id)
}

// ClearUnionReferences nils every union pointer aimed at id.
func ClearUnionReferences(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Application{}).
		Where("union_application_id = ?", id).
		Update("union_application_id", nil)
	return res.RowsAffected, res.Error
}

// SaveOverview upserts the free-text overview of an application.
func SaveOverview(ctx context.Context, db *gorm.DB, applicationID, text string) error {
	o := &domain.ApplicationOverview{ApplicationID: applicationID, Text: text, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).Save(o).Error
}

// GetOverview fetches the overview row for applicationID.
func GetOverview(ctx context.Context, db *gorm.DB, applicationID string) (*domain.ApplicationOverview, error) {
	var o domain.ApplicationOverview
	if err := db.WithContext(ctx).Where("application_id = ?", applicationID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// DeleteOverview removes the overview row. Missing rows are not an error.
func DeleteOverview(ctx context.Context, db *gorm.DB, applicationID string) (int64, error) {
	res := db.WithContext(ctx).Where("application_id = ?", applicationID).Delete(&domain.ApplicationOverview{})
	return res.RowsAffected, res.Error
}

// ReplaceLinks swaps the link list of an application for urls, in order.
func ReplaceLinks(ctx context.Context, db *gorm.DB, applicationID string, urls []string) error {
	if _, err := DeleteLinks(ctx, db, applicationID); err != nil {
		return err
	}
	if len(urls) == 0 {
		return nil
	}
	rows := make([]domain.ApplicationLink, 0, len(urls))
	for i, u := range urls {
		rows = append(rows, domain.ApplicationLink{
			ID:            uuid.NewString(),
			ApplicationID: applicationID,
			Position:      i,
			URL:           u,
		})
	}
	return db.WithContext(ctx).Create(&rows).Error
}

// ListLinks returns the links of an application in position order.
func ListLinks(ctx context.Context, db *gorm.DB, applicationID string) ([]domain.ApplicationLink, error) {
	var out []domain.ApplicationLink
	err := db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("position asc").
		Find(&out).Error
	return out, err
}

// DeleteLinks removes every link of an application.
func DeleteLinks(ctx context.Context, db *gorm.DB, applicationID string) (int64, error) {
	res := db.WithContext(ctx).Where("application_id = ?", applicationID).Delete(&domain.ApplicationLink{})
	return res.RowsAffected, res.Error
}

// deleteByID removes the row of model with primary key id.
func deleteByID(ctx context.Context, db *gorm.DB, model any, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
