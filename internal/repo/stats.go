// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// SpaceSlotsStats returns the number of slots of an event and the newest
// CreatedAt among them. Reassignment replaces every slot, so the pair changes
// whenever the layout changes. maxCreatedAt is nil when the event has no slots.
func SpaceSlotsStats(ctx context.Context, db *gorm.DB, eventID string) (count int64, maxCreatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.SpaceSlot{}).Where("event_id = ?", eventID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Avoid MAX() which comes back as TEXT in SQLite.
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// StatusLogStats returns the number of audit rows of a record and the time of
// the latest one.
func StatusLogStats(ctx context.Context, db *gorm.DB, recordID string) (count int64, latest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.StatusLog{}).Where("record_id = ?", recordID)
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
