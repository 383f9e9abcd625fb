// Package services – Ledger
//
// Ledger owns the status dimensions of applications, tickets and payments.
// Every committed change is appended to status_logs with its actor. The
// read that decides a change and the conditional write that applies it run
// in the same transaction.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/hashid"
	"github.com/circlelink/linkage-core/internal/repo"
)

// Ledger writes status dimensions.
type Ledger struct {
	DB       *gorm.DB
	Registry *Registry
	Vouchers *VoucherEngine
	Retry    RetryPolicy

	// Now stamps used_at; nil means time.Now.
	Now func() time.Time
}

// StatusChange describes the outcome of a status write. Changed is false
// when the requested value already held and nothing was written.
type StatusChange struct {
	Dimension domain.StatusDimension `json:"dimension"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Changed   bool                   `json:"changed"`
}

// UseResult is the outcome of a door check. Changed is true for exactly one
// caller per ticket; everyone else sees already_used.
type UseResult struct {
	Changed     bool        `json:"changed"`
	Eligibility Eligibility `json:"eligibility"`
	UsedAt      *time.Time  `json:"used_at,omitempty"`
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// record appends the audit row and bumps the write counter.
func (l *Ledger) record(ctx context.Context, tx *gorm.DB, recordID string, ch StatusChange, actor, note string) error {
	if err := repo.AppendStatusLog(ctx, tx, &domain.StatusLog{
		RecordID:  recordID,
		Dimension: ch.Dimension,
		FromValue: ch.From,
		ToValue:   ch.To,
		ActorID:   actor,
		Note:      note,
	}); err != nil {
		return err
	}
	logger(ctx).Info().
		Str("actor", actor).
		Str("dimension", string(ch.Dimension)).
		Str("from", ch.From).
		Str("to", ch.To).
		Msg("status changed")
	return nil
}

// SetApplicationStatus sets the staff-controlled status of an application or
// a ticket purchase. Any of the three values may follow any other; setting
// the current value is a no-op.
func (l *Ledger) SetApplicationStatus(ctx context.Context, ac authz.Context, hashID string, status domain.ApplicationStatus) (*StatusChange, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "SetApplicationStatus",
		trace.WithAttributes(attribute.String("status.to", status.String())),
	)
	defer span.End()

	if !ac.IsStaff() {
		return nil, ErrForbidden
	}
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	var out *StatusChange
	err := runTx(ctx, l.DB, l.Retry, "set_application_status", func(tx *gorm.DB) error {
		e, err := l.Registry.resolve(ctx, tx, hashID)
		if err != nil {
			return err
		}
		cur, err := repo.GetStatusRecord(ctx, tx, e.RecordID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		ch := StatusChange{Dimension: domain.DimensionApplication, From: cur.Status.String(), To: status.String()}
		if cur.Status == status {
			out = &ch
			return nil
		}
		n, err := repo.UpdateStatusRecord(ctx, tx, e.RecordID, cur.Status, status, ac.ActorID)
		if err != nil {
			return err
		}
		if n == 0 {
			return errStaleRead
		}
		ch.Changed = true
		if err := l.record(ctx, tx, e.RecordID, ch, ac.ActorID, ""); err != nil {
			return err
		}
		out = &ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Changed {
		ledgerWrites.WithLabelValues(string(out.Dimension), out.To).Inc()
	}
	return out, nil
}

// paymentLocator finds the payment a status write targets inside tx.
type paymentLocator func(ctx context.Context, tx *gorm.DB) (*domain.Payment, error)

// SetPaymentStatus moves the payment with internal ID paymentID.
func (l *Ledger) SetPaymentStatus(ctx context.Context, ac authz.Context, paymentID string, status domain.PaymentStatus) (*StatusChange, error) {
	return l.setPaymentStatus(ctx, ac, status, func(ctx context.Context, tx *gorm.DB) (*domain.Payment, error) {
		p, err := repo.GetPayment(ctx, tx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return p, err
	})
}

// SetRecordPaymentStatus moves the payment funding the application or ticket
// behind hashID.
func (l *Ledger) SetRecordPaymentStatus(ctx context.Context, ac authz.Context, hashID string, status domain.PaymentStatus) (*StatusChange, error) {
	return l.setPaymentStatus(ctx, ac, status, func(ctx context.Context, tx *gorm.DB) (*domain.Payment, error) {
		e, err := l.Registry.resolve(ctx, tx, hashID)
		if err != nil {
			return nil, err
		}
		if e.PaymentID == nil {
			return nil, ErrNotFound
		}
		p, err := repo.GetPayment(ctx, tx, *e.PaymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return p, err
	})
}

// SetGatewayPaymentStatus moves the payment known to the gateway as
// gatewayHashID.
func (l *Ledger) SetGatewayPaymentStatus(ctx context.Context, ac authz.Context, gatewayHashID string, status domain.PaymentStatus) (*StatusChange, error) {
	gatewayHashID = strings.TrimSpace(gatewayHashID)
	if !hashid.ValidExternal(gatewayHashID) {
		return nil, ErrInvalidFormat
	}
	return l.setPaymentStatus(ctx, ac, status, func(ctx context.Context, tx *gorm.DB) (*domain.Payment, error) {
		p, err := repo.GetPaymentByHashID(ctx, tx, gatewayHashID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return p, err
	})
}

// canSetPayment reports whether ac may move a payment to target. Only the
// gateway confirms or fails a payment; refunds and cancellations come from
// staff or the system.
func canSetPayment(ac authz.Context, target domain.PaymentStatus) bool {
	switch target {
	case domain.PaymentPaid, domain.PaymentError:
		return ac.Has(authz.RoleGateway)
	case domain.PaymentRefunded, domain.PaymentCanceled:
		return ac.HasAny(authz.RoleAdmin, authz.RoleStaff, authz.RoleSystem)
	case domain.PaymentPending:
		return ac.HasAny(authz.RoleGateway, authz.RoleAdmin, authz.RoleStaff, authz.RoleSystem)
	default:
		return false
	}
}

func (l *Ledger) setPaymentStatus(ctx context.Context, ac authz.Context, status domain.PaymentStatus, locate paymentLocator) (*StatusChange, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "SetPaymentStatus",
		trace.WithAttributes(attribute.String("status.to", status.String())),
	)
	defer span.End()

	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if !canSetPayment(ac, status) {
		return nil, ErrForbidden
	}

	var out *StatusChange
	err := runTx(ctx, l.DB, l.Retry, "set_payment_status", func(tx *gorm.DB) error {
		p, err := locate(ctx, tx)
		if err != nil {
			return err
		}
		ch := StatusChange{Dimension: domain.DimensionPayment, From: p.Status.String(), To: status.String()}
		if p.Status.Terminal() {
			return ErrLockedStatus
		}
		if p.Status == status {
			out = &ch
			return nil
		}
		if !p.Status.CanTransitionTo(status) {
			return ErrInvalidTransition
		}
		n, err := repo.UpdatePaymentStatus(ctx, tx, p.ID, p.Status, status)
		if err != nil {
			return err
		}
		if n == 0 {
			return errStaleRead
		}

		if status == domain.PaymentPaid && p.VoucherID != nil {
			owner, err := optional(repo.GetEntryByPayment(ctx, tx, p.ID))
			if err != nil {
				return err
			}
			recordID := ""
			if owner != nil {
				recordID = owner.RecordID
			}
			pid := p.ID
			if err := l.Vouchers.Redeem(ctx, tx, *p.VoucherID, &pid, recordID, p.VoucherAmount); err != nil {
				if errors.Is(err, ErrLimitExceeded) {
					// The gateway has captured a discounted amount we can no
					// longer honour; staff settle it by hand.
					logger(ctx).Error().Str("payment_id", p.ID).Str("voucher_id", *p.VoucherID).
						Msg("voucher exhausted at capture, payment left pending")
				}
				return err
			}
		}

		ch.Changed = true
		if err := l.record(ctx, tx, p.ID, ch, ac.ActorID, ""); err != nil {
			return err
		}
		out = &ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Changed {
		ledgerWrites.WithLabelValues(string(out.Dimension), out.To).Inc()
	}
	return out, nil
}

// AttachGatewayReference records the gateway's payment hash ID on the
// payment funding recordHashID and registers it. Gateway only.
func (l *Ledger) AttachGatewayReference(ctx context.Context, ac authz.Context, recordHashID, gatewayHashID string) error {
	if !ac.Has(authz.RoleGateway) {
		return ErrForbidden
	}
	gatewayHashID = strings.TrimSpace(gatewayHashID)
	if !hashid.ValidExternal(gatewayHashID) {
		return ErrInvalidFormat
	}
	return runTx(ctx, l.DB, l.Retry, "attach_gateway_reference", func(tx *gorm.DB) error {
		e, err := l.Registry.resolve(ctx, tx, recordHashID)
		if err != nil {
			return err
		}
		if e.PaymentID == nil {
			return ErrNotFound
		}
		p, err := repo.GetPayment(ctx, tx, *e.PaymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if p.HashID != nil {
			if *p.HashID == gatewayHashID {
				return nil
			}
			return invalidInput("payment already has a gateway reference")
		}
		if err := l.Registry.RegisterExternal(ctx, tx, gatewayHashID, domain.KindPayment, p.ID, e.HashID); err != nil {
			return err
		}
		if err := repo.SetPaymentHashID(ctx, tx, p.ID, gatewayHashID); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrGenerationConflict
			}
			return err
		}
		return nil
	})
}

// SetTicketUsed marks a ticket used at the door. Eligibility is read and the
// conditional write applied in one transaction, so of two terminals racing
// on the same ticket exactly one gets Changed=true and the other sees
// already_used. Other failing checks return *IneligibleError.
func (l *Ledger) SetTicketUsed(ctx context.Context, ac authz.Context, ticketHashID string) (*UseResult, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "SetTicketUsed")
	defer span.End()

	if !ac.HasAny(authz.RoleDoor, authz.RoleStaff, authz.RoleAdmin) {
		return nil, ErrForbidden
	}

	var out *UseResult
	err := runTx(ctx, l.DB, l.Retry, "set_ticket_used", func(tx *gorm.DB) error {
		e, err := l.Registry.resolveKind(ctx, tx, ticketHashID, domain.KindTicket)
		if err != nil {
			return err
		}
		g, err := loadTicketGraph(ctx, tx, e)
		if err != nil {
			return err
		}
		el := g.eligibility()
		switch el.Reason {
		case ReasonAlreadyUsed:
			out = &UseResult{Eligibility: el, UsedAt: g.User.UsedAt}
			return nil
		case ReasonOK:
		default:
			return &IneligibleError{Reason: el.Reason}
		}

		at := l.now()
		n, err := repo.MarkTicketUsed(ctx, tx, g.Ticket.ID, at)
		if err != nil {
			return err
		}
		if n == 0 {
			// Another terminal won between the read and the write.
			out = &UseResult{Eligibility: ineligible(ReasonAlreadyUsed)}
			return nil
		}
		ch := StatusChange{
			Dimension: domain.DimensionTicketUsed,
			From:      domain.TicketUnused.String(),
			To:        domain.TicketUsed.String(),
			Changed:   true,
		}
		if err := l.record(ctx, tx, g.Ticket.ID, ch, ac.ActorID, ""); err != nil {
			return err
		}
		out = &UseResult{Changed: true, Eligibility: el, UsedAt: &at}
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("ticket.changed", out.Changed))
	if out.Changed {
		ledgerWrites.WithLabelValues(string(domain.DimensionTicketUsed), domain.TicketUsed.String()).Inc()
	}
	return out, nil
}

// ResetTicketUsed clears the used flag. Admin only; the reason is stored
// with the audit row. Resetting an unused ticket is a no-op.
func (l *Ledger) ResetTicketUsed(ctx context.Context, ac authz.Context, ticketHashID, reason string) (*StatusChange, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "ResetTicketUsed")
	defer span.End()

	if !ac.Has(authz.RoleAdmin) {
		return nil, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalidInput("reason is required")
	}
	if len(reason) > 255 {
		return nil, invalidInput("reason too long")
	}

	var out *StatusChange
	err := runTx(ctx, l.DB, l.Retry, "reset_ticket_used", func(tx *gorm.DB) error {
		e, err := l.Registry.resolveKind(ctx, tx, ticketHashID, domain.KindTicket)
		if err != nil {
			return err
		}
		tu, err := repo.GetTicketUser(ctx, tx, e.RecordID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		ch := StatusChange{
			Dimension: domain.DimensionTicketUsed,
			From:      domain.UsedStatusOf(tu.Used).String(),
			To:        domain.TicketUnused.String(),
		}
		if !tu.Used {
			out = &ch
			return nil
		}
		n, err := repo.ResetTicketUsed(ctx, tx, e.RecordID)
		if err != nil {
			return err
		}
		if n == 0 {
			return errStaleRead
		}
		ch.Changed = true
		if err := l.record(ctx, tx, e.RecordID, ch, ac.ActorID, reason); err != nil {
			return err
		}
		out = &ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Changed {
		ledgerWrites.WithLabelValues(string(out.Dimension), out.To).Inc()
	}
	return out, nil
}
