// Package domain defines the persistence models and status enumerations for
// circle applications, tickets, payments, vouchers and the identifier
// registry. These types are mapped with GORM and shared by the repository,
// service and HTTP layers.
//
// Each status dimension is its own named integer type. Switches over these
// types are checked by the exhaustive linter; the default branches below are
// unreachable for valid values.
package domain

import "fmt"

// ApplicationStatus is the staff-controlled status of an application or a
// ticket purchase record. Wire values are stable.
type ApplicationStatus int

const (
	ApplicationPending   ApplicationStatus = 0
	ApplicationCanceled  ApplicationStatus = 1
	ApplicationConfirmed ApplicationStatus = 2
)

// Valid reports whether s is one of the three defined values.
func (s ApplicationStatus) Valid() bool {
	switch s {
	case ApplicationPending, ApplicationCanceled, ApplicationConfirmed:
		return true
	default:
		return false
	}
}

func (s ApplicationStatus) String() string {
	switch s {
	case ApplicationPending:
		return "pending"
	case ApplicationCanceled:
		return "canceled"
	case ApplicationConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("application_status(%d)", int(s))
	}
}

// PaymentStatus is the gateway/staff-controlled status of a Payment.
type PaymentStatus int

const (
	PaymentPending  PaymentStatus = 0
	PaymentPaid     PaymentStatus = 1
	PaymentRefunded PaymentStatus = 2
	PaymentError    PaymentStatus = 3
	PaymentCanceled PaymentStatus = 4
)

// Valid reports whether s is one of the five defined values.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentRefunded, PaymentError, PaymentCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further status write is accepted.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentRefunded, PaymentError, PaymentCanceled:
		return true
	case PaymentPending, PaymentPaid:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is an allowed payment move.
// Same-state moves are not transitions; callers treat them as no-ops.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentPaid || next == PaymentError || next == PaymentCanceled
	case PaymentPaid:
		return next == PaymentRefunded
	case PaymentRefunded, PaymentError, PaymentCanceled:
		return false
	default:
		return false
	}
}

func (s PaymentStatus) String() string {
	switch s {
	case PaymentPending:
		return "pending"
	case PaymentPaid:
		return "paid"
	case PaymentRefunded:
		return "refunded"
	case PaymentError:
		return "error"
	case PaymentCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("payment_status(%d)", int(s))
	}
}

// TicketUsedStatus is the door-check dimension of a TicketUser. It is stored
// as the boolean TicketUser.Used; this type exists for logs and views.
type TicketUsedStatus int

const (
	TicketUnused TicketUsedStatus = 0
	TicketUsed   TicketUsedStatus = 1
)

// UsedStatusOf maps the stored flag onto the enumeration.
func UsedStatusOf(used bool) TicketUsedStatus {
	if used {
		return TicketUsed
	}
	return TicketUnused
}

func (s TicketUsedStatus) String() string {
	switch s {
	case TicketUnused:
		return "unused"
	case TicketUsed:
		return "used"
	default:
		return fmt.Sprintf("ticket_used_status(%d)", int(s))
	}
}

// TicketAssignStatus is derived from TicketUser.UsableUserID and never stored.
type TicketAssignStatus int

const (
	TicketUnassigned TicketAssignStatus = 0
	TicketAssigned   TicketAssignStatus = 1
)

func (s TicketAssignStatus) String() string {
	switch s {
	case TicketUnassigned:
		return "unassigned"
	case TicketAssigned:
		return "assigned"
	default:
		return fmt.Sprintf("ticket_assign_status(%d)", int(s))
	}
}

// PaymentRequirement records whether a record needs a Payment to be usable.
// Historical rows created before the field existed carry PaymentRequirementUnknown.
type PaymentRequirement int

const (
	PaymentRequirementUnknown  PaymentRequirement = 0
	PaymentRequirementRequired PaymentRequirement = 1
	PaymentRequirementFree     PaymentRequirement = 2
)

func (r PaymentRequirement) String() string {
	switch r {
	case PaymentRequirementUnknown:
		return "unknown"
	case PaymentRequirementRequired:
		return "required"
	case PaymentRequirementFree:
		return "free"
	default:
		return fmt.Sprintf("payment_requirement(%d)", int(r))
	}
}

// StatusDimension names the ledger column a StatusLog row describes.
type StatusDimension string

const (
	DimensionApplication StatusDimension = "application"
	DimensionPayment     StatusDimension = "payment"
	DimensionTicketUsed  StatusDimension = "ticket_used"
	DimensionTicketUser  StatusDimension = "ticket_assign"
)

// RecordKind distinguishes the record families held by the registry.
type RecordKind string

const (
	KindApplication RecordKind = "application"
	KindTicket      RecordKind = "ticket"
	KindPayment     RecordKind = "payment"
)

// VoucherTargetType scopes a voucher to an event or a store.
type VoucherTargetType int

const (
	VoucherTargetEvent VoucherTargetType = 1
	VoucherTargetStore VoucherTargetType = 2
)

// Valid reports whether t is a defined target type.
func (t VoucherTargetType) Valid() bool {
	return t == VoucherTargetEvent || t == VoucherTargetStore
}

// ParseApplicationStatus maps a wire label back onto the enumeration.
func ParseApplicationStatus(s string) (ApplicationStatus, bool) {
	for _, v := range []ApplicationStatus{ApplicationPending, ApplicationCanceled, ApplicationConfirmed} {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

// ParsePaymentStatus maps a wire label back onto the enumeration.
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	for _, v := range []PaymentStatus{PaymentPending, PaymentPaid, PaymentRefunded, PaymentError, PaymentCanceled} {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}
