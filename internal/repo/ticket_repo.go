package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
)

// CreateTicket inserts t. An empty ID is filled with a UUID.
func CreateTicket(ctx context.Context, db *gorm.DB, t *domain.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(t).Error
}

// GetTicket fetches a ticket purchase record by internal ID.
func GetTicket(ctx context.Context, db *gorm.DB, id string) (*domain.Ticket, error) {
	var t domain.Ticket
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTicket removes the primary row or returns ErrNotFound.
func DeleteTicket(ctx context.Context, db *gorm.DB, id string) error {
	return deleteByID(ctx, db, &domain.Ticket{}, id)
}

// CreateTicketUser inserts the scannable instance of a ticket.
func CreateTicketUser(ctx context.Context, db *gorm.DB, u *domain.TicketUser) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return translateCreate(db.WithContext(ctx).Create(u).Error)
}

// GetTicketUser fetches the ticket user belonging to ticketID.
func GetTicketUser(ctx context.Context, db *gorm.DB, ticketID string) (*domain.TicketUser, error) {
	var u domain.TicketUser
	if err := db.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteTicketUser removes the ticket user of ticketID. Missing rows are not
// an error.
func DeleteTicketUser(ctx context.Context, db *gorm.DB, ticketID string) (int64, error) {
	res := db.WithContext(ctx).Where("ticket_id = ?", ticketID).Delete(&domain.TicketUser{})
	return res.RowsAffected, res.Error
}

// MarkTicketUsed flips used to true only if it is still false. The returned
// count is 0 when another writer got there first.
func MarkTicketUsed(ctx context.Context, db *gorm.DB, ticketID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.TicketUser{}).
		Where("ticket_id = ? AND used = ?", ticketID, false).
		Updates(map[string]any{"used": true, "used_at": at, "updated_at": at})
	return res.RowsAffected, res.Error
}

// ResetTicketUsed clears the used flag.
func ResetTicketUsed(ctx context.Context, db *gorm.DB, ticketID string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.TicketUser{}).
		Where("ticket_id = ? AND used = ?", ticketID, true).
		Updates(map[string]any{"used": false, "used_at": nil, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// SetUsableUser assigns (or clears, with nil) the person allowed to enter.
// The write is conditional on the ticket being unused; a count of 0 means it
// was used concurrently.
func SetUsableUser(ctx context.Context, db *gorm.DB, ticketID string, userID *string) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.TicketUser{}).
		Where("ticket_id = ? AND used = ?", ticketID, false).
		Updates(map[string]any{"usable_user_id": userID, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}
