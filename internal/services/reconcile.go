// Package services – Queries
//
// Queries assembles read-side views by joining a hash ID through the
// registry to its record graph, and derives ticket eligibility. Nothing here
// writes.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/repo"
)

// Reason explains a ticket eligibility outcome.
type Reason string

const (
	ReasonOK                        Reason = "ok"
	ReasonNotConfirmed              Reason = "not_confirmed"
	ReasonUnassigned                Reason = "unassigned"
	ReasonPaymentMissing            Reason = "payment_missing"
	ReasonPaymentNotPaid            Reason = "payment_not_paid"
	ReasonPaymentRequirementUnknown Reason = "payment_requirement_unknown"
	ReasonAlreadyUsed               Reason = "already_used"
)

// Eligibility is the answer of CanUseTicket.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   Reason `json:"reason"`
}

func eligible() Eligibility          { return Eligibility{Eligible: true, Reason: ReasonOK} }
func ineligible(r Reason) Eligibility { return Eligibility{Reason: r} }

// ticketGraph is a ticket with the rows that decide its eligibility.
type ticketGraph struct {
	Entry   *domain.RegistryEntry
	Ticket  *domain.Ticket
	User    *domain.TicketUser
	Status  *domain.StatusRecord
	Payment *domain.Payment
}

// loadTicketGraph reads a ticket and its dependents. A missing primary row
// is ErrNotFound; missing dependents are left nil.
func loadTicketGraph(ctx context.Context, db *gorm.DB, e *domain.RegistryEntry) (*ticketGraph, error) {
	g := &ticketGraph{Entry: e}
	var err error
	if g.Ticket, err = repo.GetTicket(ctx, db, e.RecordID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if g.User, err = optional(repo.GetTicketUser(ctx, db, e.RecordID)); err != nil {
		return nil, err
	}
	if g.Status, err = optional(repo.GetStatusRecord(ctx, db, e.RecordID)); err != nil {
		return nil, err
	}
	if g.Ticket.PaymentID != nil {
		if g.Payment, err = optional(repo.GetPayment(ctx, db, *g.Ticket.PaymentID)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// optional turns a not-found lookup into a nil result.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// eligibility evaluates the door check. A used ticket reports already_used
// first; then the ticket's status must be confirmed, it must be assigned,
// and its payment requirement must be satisfied.
func (g *ticketGraph) eligibility() Eligibility {
	if g.User == nil {
		return ineligible(ReasonUnassigned)
	}
	if g.User.Used {
		return ineligible(ReasonAlreadyUsed)
	}
	if g.Status == nil || g.Status.Status != domain.ApplicationConfirmed {
		return ineligible(ReasonNotConfirmed)
	}
	if g.User.AssignStatus() != domain.TicketAssigned {
		return ineligible(ReasonUnassigned)
	}
	switch g.Ticket.PaymentRequirement {
	case domain.PaymentRequirementFree:
		return eligible()
	case domain.PaymentRequirementRequired:
		if g.Payment == nil {
			return ineligible(ReasonPaymentMissing)
		}
		if g.Payment.Status != domain.PaymentPaid {
			return ineligible(ReasonPaymentNotPaid)
		}
		return eligible()
	case domain.PaymentRequirementUnknown:
		return ineligible(ReasonPaymentRequirementUnknown)
	default:
		return ineligible(ReasonPaymentRequirementUnknown)
	}
}

// Queries serves read-side lookups.
type Queries struct {
	DB       *gorm.DB
	Registry *Registry
}

// PaymentView is the caller-facing shape of a Payment.
type PaymentView struct {
	HashID        *string              `json:"hash_id,omitempty"`
	Status        domain.PaymentStatus `json:"status"`
	StatusLabel   string               `json:"status_label"`
	SpaceAmount   int                  `json:"space_amount"`
	Amount        int                  `json:"amount"`
	VoucherAmount *int                 `json:"voucher_amount"`
}

// SlotView is one placement on an event layout.
type SlotView struct {
	Position          int     `json:"position"`
	Label             string  `json:"label"`
	ApplicationHashID *string `json:"application_hash_id,omitempty"`
}

// ApplicationView joins an application with its status, payment and slot.
type ApplicationView struct {
	HashID             string                   `json:"hash_id"`
	EventID            string                   `json:"event_id"`
	UserID             string                   `json:"user_id"`
	SpaceID            string                   `json:"space_id"`
	VoucherCode        *string                  `json:"voucher_code,omitempty"`
	Status             domain.ApplicationStatus `json:"status"`
	StatusLabel        string                   `json:"status_label"`
	PaymentRequirement string                   `json:"payment_requirement"`
	Overview           string                   `json:"overview"`
	Links              []string                 `json:"links"`
	UnionHashID        *string                  `json:"union_hash_id,omitempty"`
	SpaceSlot          *string                  `json:"space_slot,omitempty"`
	Payment            *PaymentView             `json:"payment,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
}

// TicketView joins a ticket purchase with its usable instance.
type TicketView struct {
	HashID             string                   `json:"hash_id"`
	StoreID            string                   `json:"store_id"`
	TypeID             string                   `json:"type_id"`
	OwnerUserID        string                   `json:"owner_user_id"`
	UsableUserID       *string                  `json:"usable_user_id,omitempty"`
	Status             domain.ApplicationStatus `json:"status"`
	StatusLabel        string                   `json:"status_label"`
	PaymentRequirement string                   `json:"payment_requirement"`
	Used               bool                     `json:"used"`
	UsedAt             *time.Time               `json:"used_at,omitempty"`
	AssignStatus       string                   `json:"assign_status"`
	Payment            *PaymentView             `json:"payment,omitempty"`
	Eligibility        Eligibility              `json:"eligibility"`
	CreatedAt          time.Time                `json:"created_at"`
}

// PublicEntry is what an anonymous caller learns from a hash ID.
type PublicEntry struct {
	Kind      domain.RecordKind `json:"kind"`
	ParentID  string            `json:"parent_id"`
	SpaceSlot string            `json:"space_slot,omitempty"`
}

func paymentView(p *domain.Payment) (*PaymentView, error) {
	if p == nil {
		return nil, nil
	}
	var v PaymentView
	if err := copier.Copy(&v, p); err != nil {
		return nil, err
	}
	v.StatusLabel = p.Status.String()
	return &v, nil
}

// LookupApplication assembles the full view of an application for its owner
// or staff.
func (q *Queries) LookupApplication(ctx context.Context, ac authz.Context, hashID string) (*ApplicationView, error) {
	tr := otel.Tracer("services/Queries")
	ctx, span := tr.Start(ctx, "LookupApplication")
	defer span.End()

	e, err := q.Registry.resolveKind(ctx, q.DB, hashID, domain.KindApplication)
	if err != nil {
		return nil, err
	}
	db := q.DB.WithContext(ctx)
	a, err := repo.GetApplication(ctx, db, e.RecordID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ac.IsStaff() && !ac.Is(a.UserID) {
		return nil, ErrForbidden
	}

	var v ApplicationView
	if err := copier.Copy(&v, a); err != nil {
		return nil, err
	}
	v.HashID = e.HashID
	v.PaymentRequirement = a.PaymentRequirement.String()

	st, err := optional(repo.GetStatusRecord(ctx, db, a.ID))
	if err != nil {
		return nil, err
	}
	if st != nil {
		v.Status = st.Status
	}
	v.StatusLabel = v.Status.String()

	o, err := optional(repo.GetOverview(ctx, db, a.ID))
	if err != nil {
		return nil, err
	}
	if o != nil {
		v.Overview = o.Text
	}
	links, err := repo.ListLinks(ctx, db, a.ID)
	if err != nil {
		return nil, err
	}
	v.Links = make([]string, 0, len(links))
	for _, l := range links {
		v.Links = append(v.Links, l.URL)
	}

	if a.UnionApplicationID != nil {
		ue, err := optional(repo.GetEntryByRecord(ctx, db, domain.KindApplication, *a.UnionApplicationID))
		if err != nil {
			return nil, err
		}
		if ue != nil {
			v.UnionHashID = &ue.HashID
		}
	}
	if e.SpaceSlotID != nil {
		s, err := optional(repo.GetSpaceSlot(ctx, db, *e.SpaceSlotID))
		if err != nil {
			return nil, err
		}
		if s != nil {
			v.SpaceSlot = &s.Label
		}
	}
	if a.PaymentID != nil {
		p, err := optional(repo.GetPayment(ctx, db, *a.PaymentID))
		if err != nil {
			return nil, err
		}
		if v.Payment, err = paymentView(p); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// LookupTicket assembles a ticket view, eligibility included, for its
// owner, its assignee, staff or door staff.
func (q *Queries) LookupTicket(ctx context.Context, ac authz.Context, hashID string) (*TicketView, error) {
	tr := otel.Tracer("services/Queries")
	ctx, span := tr.Start(ctx, "LookupTicket")
	defer span.End()

	e, err := q.Registry.resolveKind(ctx, q.DB, hashID, domain.KindTicket)
	if err != nil {
		return nil, err
	}
	g, err := loadTicketGraph(ctx, q.DB.WithContext(ctx), e)
	if err != nil {
		return nil, err
	}
	if !g.viewableBy(ac) {
		return nil, ErrForbidden
	}

	var v TicketView
	if err := copier.Copy(&v, g.Ticket); err != nil {
		return nil, err
	}
	v.HashID = e.HashID
	v.PaymentRequirement = g.Ticket.PaymentRequirement.String()
	if g.Status != nil {
		v.Status = g.Status.Status
	}
	v.StatusLabel = v.Status.String()
	v.AssignStatus = domain.TicketUnassigned.String()
	if g.User != nil {
		v.UsableUserID = g.User.UsableUserID
		v.Used = g.User.Used
		v.UsedAt = g.User.UsedAt
		v.AssignStatus = g.User.AssignStatus().String()
	}
	if v.Payment, err = paymentView(g.Payment); err != nil {
		return nil, err
	}
	v.Eligibility = g.eligibility()
	return &v, nil
}

// viewableBy reports whether ac may see the ticket: its owner, its assignee,
// staff or door staff.
func (g *ticketGraph) viewableBy(ac authz.Context) bool {
	if ac.IsStaff() || ac.Has(authz.RoleDoor) || ac.Is(g.Ticket.OwnerUserID) {
		return true
	}
	return g.User != nil && g.User.UsableUserID != nil && ac.Is(*g.User.UsableUserID)
}

// CanUseTicket reports whether hashID may be marked used right now. The
// caller must be allowed to view the ticket.
func (q *Queries) CanUseTicket(ctx context.Context, ac authz.Context, hashID string) (Eligibility, error) {
	tr := otel.Tracer("services/Queries")
	ctx, span := tr.Start(ctx, "CanUseTicket")
	defer span.End()

	e, err := q.Registry.resolveKind(ctx, q.DB, hashID, domain.KindTicket)
	if err != nil {
		return Eligibility{}, err
	}
	g, err := loadTicketGraph(ctx, q.DB.WithContext(ctx), e)
	if err != nil {
		return Eligibility{}, err
	}
	if !g.viewableBy(ac) {
		return Eligibility{}, ErrForbidden
	}
	el := g.eligibility()
	span.SetAttributes(attribute.String("ticket.reason", string(el.Reason)))
	return el, nil
}

// ResolvePublic is the anonymous lookup: it names the kind, the parent event
// or store and the assigned space label, and nothing internal.
func (q *Queries) ResolvePublic(ctx context.Context, hashID string) (*PublicEntry, error) {
	tr := otel.Tracer("services/Queries")
	ctx, span := tr.Start(ctx, "ResolvePublic")
	defer span.End()

	e, err := q.Registry.Resolve(ctx, hashID)
	if err != nil {
		return nil, err
	}
	out := &PublicEntry{Kind: e.Kind, ParentID: e.ParentID}
	if e.SpaceSlotID != nil {
		s, err := optional(repo.GetSpaceSlot(ctx, q.DB, *e.SpaceSlotID))
		if err != nil {
			return nil, err
		}
		if s != nil {
			out.SpaceSlot = s.Label
		}
	}
	return out, nil
}

// ListSpaceSlots returns an event layout with application hash IDs. Staff
// only.
func (q *Queries) ListSpaceSlots(ctx context.Context, ac authz.Context, eventID string) ([]SlotView, error) {
	tr := otel.Tracer("services/Queries")
	ctx, span := tr.Start(ctx, "ListSpaceSlots",
		trace.WithAttributes(attribute.String("event.id", eventID)),
	)
	defer span.End()

	if !ac.IsStaff() {
		return nil, ErrForbidden
	}
	slots, err := repo.ListSpaceSlots(ctx, q.DB, eventID)
	if err != nil {
		return nil, err
	}
	entries, err := repo.ListEventEntries(ctx, q.DB, eventID)
	if err != nil {
		return nil, err
	}
	hashByRecord := make(map[string]string, len(entries))
	for _, e := range entries {
		hashByRecord[e.RecordID] = e.HashID
	}

	out := make([]SlotView, 0, len(slots))
	for _, s := range slots {
		v := SlotView{Position: s.Position, Label: s.Label}
		if s.ApplicationID != nil {
			if h, ok := hashByRecord[*s.ApplicationID]; ok {
				v.ApplicationHashID = &h
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// HistoryEntry is one audit row as shown to staff.
type HistoryEntry struct {
	Dimension domain.StatusDimension `json:"dimension"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	ActorID   string                 `json:"actor_id"`
	Note      string                 `json:"note,omitempty"`
	At        time.Time              `json:"at"`
}

// History returns the status log of an application or ticket. Staff only.
func (q *Queries) History(ctx context.Context, ac authz.Context, hashID string) ([]HistoryEntry, error) {
	if !ac.IsStaff() {
		return nil, ErrForbidden
	}
	e, err := q.Registry.Resolve(ctx, hashID)
	if err != nil {
		return nil, err
	}
	logs, err := repo.ListStatusLogs(ctx, q.DB, e.RecordID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, HistoryEntry{
			Dimension: l.Dimension, From: l.FromValue, To: l.ToValue,
			ActorID: l.ActorID, Note: l.Note, At: l.CreatedAt,
		})
	}
	return out, nil
}
