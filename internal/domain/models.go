package domain

import "time"

// Application is one circle's request to take part in an event.
//
// Fields:
//   - ID: internal UUID; never exposed publicly (the registry hash ID is).
//   - EventID / UserID: owning event and submitting user.
//   - SpaceID: the selected space product.
//   - UnionApplicationID: optional adjacency request pointing at another application.
//   - VoucherCode: the code the applicant entered, as normalized.
//   - PaymentID: the Payment funding this application, if any.
//   - PaymentRequirement: whether a paid Payment is needed.
type Application struct {
	ID                 string             `json:"-"                         gorm:"type:char(36);primaryKey"`
	EventID            string             `json:"event_id"                  gorm:"type:varchar(64);not null;index:idx_app_event"`
	UserID             string             `json:"user_id"                   gorm:"type:varchar(64);not null;index"`
	SpaceID            string             `json:"space_id"                  gorm:"type:varchar(64);not null"`
	UnionApplicationID *string            `json:"-"                         gorm:"type:char(36);index"`
	VoucherCode        *string            `json:"voucher_code,omitempty"    gorm:"type:varchar(64)"`
	PaymentID          *string            `json:"-"                         gorm:"type:char(36);index"`
	PaymentRequirement PaymentRequirement `json:"payment_requirement"       gorm:"not null;default:0"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// TableName returns the database table name for Application.
func (Application) TableName() string { return "applications" }

// ApplicationOverview is the owner-editable free text of an application.
type ApplicationOverview struct {
	ApplicationID string    `gorm:"type:char(36);primaryKey"`
	Text          string    `gorm:"type:text;not null"`
	UpdatedAt     time.Time
}

// TableName returns the database table name for ApplicationOverview.
func (ApplicationOverview) TableName() string { return "application_overviews" }

// ApplicationLink is one external link (web shop, social profile) attached to
// an application, ordered by Position.
type ApplicationLink struct {
	ID            string `gorm:"type:char(36);primaryKey"`
	ApplicationID string `gorm:"type:char(36);not null;index:idx_app_links,priority:1"`
	Position      int    `gorm:"not null;index:idx_app_links,priority:2"`
	URL           string `gorm:"type:varchar(2048);not null"`
}

// TableName returns the database table name for ApplicationLink.
func (ApplicationLink) TableName() string { return "application_links" }

// StatusRecord is the status row paired with every Application and Ticket.
// It is kept apart from the domain record because staff change it on a
// different trigger than owners change their records.
type StatusRecord struct {
	RecordID  string            `gorm:"type:char(36);primaryKey"`
	Kind      RecordKind        `gorm:"type:varchar(16);not null"`
	Status    ApplicationStatus `gorm:"not null;default:0"`
	UpdatedBy string            `gorm:"type:varchar(64);not null;default:''"`
	UpdatedAt time.Time
}

// TableName returns the database table name for StatusRecord.
func (StatusRecord) TableName() string { return "status_records" }

// Payment is one monetary transaction funding an Application or a Ticket.
// HashID is the gateway-issued reference, present once the gateway knows the
// payment.
type Payment struct {
	ID            string        `json:"-"                        gorm:"type:char(36);primaryKey"`
	HashID        *string       `json:"hash_id,omitempty"        gorm:"type:varchar(64);uniqueIndex"`
	Status        PaymentStatus `json:"status"                   gorm:"not null;default:0"`
	SpaceAmount   int           `json:"space_amount"             gorm:"not null"`
	Amount        int           `json:"amount"                   gorm:"not null"`
	VoucherAmount *int          `json:"voucher_amount,omitempty"`
	VoucherID     *string       `json:"-"                        gorm:"type:char(36);index"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// Ticket is the purchase record of a ticket sold by a store.
type Ticket struct {
	ID                 string             `gorm:"type:char(36);primaryKey"`
	StoreID            string             `gorm:"type:varchar(64);not null;index"`
	TypeID             string             `gorm:"type:varchar(64);not null"`
	OwnerUserID        string             `gorm:"type:varchar(64);not null;index"`
	PaymentID          *string            `gorm:"type:char(36);index"`
	PaymentRequirement PaymentRequirement `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName returns the database table name for Ticket.
func (Ticket) TableName() string { return "tickets" }

// TicketUser is the usable, scannable instance of a Ticket. The purchaser and
// the person who enters the venue can differ, so assignment lives here.
type TicketUser struct {
	ID           string     `gorm:"type:char(36);primaryKey"`
	TicketID     string     `gorm:"type:char(36);not null;uniqueIndex"`
	HashID       string     `gorm:"type:varchar(64);not null;uniqueIndex"`
	UsableUserID *string    `gorm:"type:varchar(64);index"`
	Used         bool       `gorm:"not null;default:false"`
	UsedAt       *time.Time
	UpdatedAt    time.Time
}

// TableName returns the database table name for TicketUser.
func (TicketUser) TableName() string { return "ticket_users" }

// AssignStatus derives the assignment dimension from UsableUserID.
func (u TicketUser) AssignStatus() TicketAssignStatus {
	if u.UsableUserID == nil {
		return TicketUnassigned
	}
	return TicketAssigned
}

// RegistryEntry maps a public hash ID to its internal record. SpaceSlotID and
// PaymentID are denormalized routing fields so lookups never scan.
type RegistryEntry struct {
	HashID      string     `json:"hash_id"                 gorm:"type:varchar(64);primaryKey"`
	Kind        RecordKind `json:"kind"                    gorm:"type:varchar(16);not null;uniqueIndex:ux_registry_kind_record,priority:1"`
	RecordID    string     `json:"-"                       gorm:"type:char(36);not null;uniqueIndex:ux_registry_kind_record,priority:2"`
	ParentID    string     `json:"parent_id"               gorm:"type:varchar(64);not null;index"`
	SpaceSlotID *string    `json:"space_slot_id,omitempty" gorm:"type:char(36)"`
	PaymentID   *string    `json:"-"                       gorm:"type:char(36)"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName returns the database table name for RegistryEntry.
func (RegistryEntry) TableName() string { return "registry_entries" }

// RetiredHashID is the tombstone left by unregistering a hash ID. Its
// presence blocks the ID from ever being issued again.
type RetiredHashID struct {
	HashID    string     `gorm:"type:varchar(64);primaryKey"`
	Kind      RecordKind `gorm:"type:varchar(16);not null"`
	RetiredAt time.Time  `gorm:"not null"`
}

// TableName returns the database table name for RetiredHashID.
func (RetiredHashID) TableName() string { return "retired_hash_ids" }

// SpaceSlot is one physical placement on an event floor plan, in layout order.
type SpaceSlot struct {
	ID            string    `gorm:"type:char(36);primaryKey"`
	EventID       string    `gorm:"type:varchar(64);not null;index:idx_slot_event,priority:1"`
	Position      int       `gorm:"not null;index:idx_slot_event,priority:2"`
	Label         string    `gorm:"type:varchar(64);not null"`
	ApplicationID *string   `gorm:"type:char(36);index"`
	CreatedAt     time.Time
}

// TableName returns the database table name for SpaceSlot.
func (SpaceSlot) TableName() string { return "space_slots" }

// Voucher is the accounting record of a discount.
//
//   - TargetSubtypeID nil means the voucher applies to every space/ticket type.
//   - Amount nil means the voucher covers the full price.
//   - UsedCountLimit nil means unlimited redemptions.
type Voucher struct {
	ID              string            `gorm:"type:char(36);primaryKey"`
	TargetType      VoucherTargetType `gorm:"not null;check:target_type IN (1,2)"`
	TargetID        string            `gorm:"type:varchar(64);not null;index"`
	TargetSubtypeID *string           `gorm:"type:varchar(64)"`
	Amount          *int
	UsedCount       int `gorm:"not null;default:0"`
	UsedCountLimit  *int
	UpdatedAt       time.Time
}

// TableName returns the database table name for Voucher.
func (Voucher) TableName() string { return "vouchers" }

// VoucherCode is a human-entered redemption string resolving to one Voucher.
type VoucherCode struct {
	Code      string `gorm:"type:varchar(64);primaryKey"`
	VoucherID string `gorm:"type:char(36);not null;index"`
}

// TableName returns the database table name for VoucherCode.
func (VoucherCode) TableName() string { return "voucher_codes" }

// VoucherUsage records one redemption. It is written in the same transaction
// that increments Voucher.UsedCount.
type VoucherUsage struct {
	ID        string  `gorm:"type:char(36);primaryKey"`
	VoucherID string  `gorm:"type:char(36);not null;index"`
	PaymentID *string `gorm:"type:char(36);index"`
	RecordID  string  `gorm:"type:char(36);not null;index"`
	Amount    *int
	CreatedAt time.Time
}

// TableName returns the database table name for VoucherUsage.
func (VoucherUsage) TableName() string { return "voucher_usages" }

// Product is a priced subtype under an event (a space product) or a store (a
// ticket type). Price nil means the product is free of charge.
type Product struct {
	ID         string            `gorm:"type:varchar(64);primaryKey"`
	TargetType VoucherTargetType `gorm:"not null;index:idx_product_target,priority:1"`
	TargetID   string            `gorm:"type:varchar(64);not null;index:idx_product_target,priority:2"`
	Name       string            `gorm:"type:varchar(128);not null;default:''"`
	Price      *int
}

// TableName returns the database table name for Product.
func (Product) TableName() string { return "products" }

// StatusLog is the audit trail of every ledger write.
type StatusLog struct {
	ID        string          `gorm:"type:char(36);primaryKey"`
	RecordID  string          `gorm:"type:char(36);not null;index"`
	Dimension StatusDimension `gorm:"type:varchar(16);not null"`
	FromValue string          `gorm:"type:varchar(32);not null"`
	ToValue   string          `gorm:"type:varchar(32);not null"`
	ActorID   string          `gorm:"type:varchar(64);not null"`
	Note      string          `gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time       `gorm:"index"`
}

// TableName returns the database table name for StatusLog.
func (StatusLog) TableName() string { return "status_logs" }

// All lists every model for migrations.
func All() []any {
	return []any{
		&Application{},
		&ApplicationOverview{},
		&ApplicationLink{},
		&StatusRecord{},
		&Payment{},
		&Ticket{},
		&TicketUser{},
		&RegistryEntry{},
		&RetiredHashID{},
		&SpaceSlot{},
		&Voucher{},
		&VoucherCode{},
		&VoucherUsage{},
		&Product{},
		&StatusLog{},
		&Idempotency{},
	}
}
