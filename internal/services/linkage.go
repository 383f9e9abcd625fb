// Package services – Linkage
//
// Linkage runs the multi-record operations: creating a record with its
// status row, payment and registry entry; cascading deletion driven by a
// per-kind dependency list; ticket assignment; and full replacement of an
// event's space layout. Each operation is one transaction.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/hashid"
	"github.com/circlelink/linkage-core/internal/repo"
)

// DefaultReassignBatchSize is used when ReassignBatchSize is unset.
const DefaultReassignBatchSize = 200

// Linkage executes atomic multi-record operations.
type Linkage struct {
	DB                *gorm.DB
	Registry          *Registry
	Vouchers          *VoucherEngine
	Retry             RetryPolicy
	ReassignBatchSize int
}

// CreateApplicationInput is a circle's submission for an event.
type CreateApplicationInput struct {
	EventID     string   `json:"-"            validate:"required,max=64"`
	SpaceID     string   `json:"space_id"     validate:"required,max=64"`
	VoucherCode string   `json:"voucher_code" validate:"max=64"`
	UnionHashID string   `json:"union_hash_id" validate:"max=64"`
	Overview    string   `json:"overview"     validate:"max=4000"`
	Links       []string `json:"links"        validate:"max=10,dive,url,max=2048"`
}

// CreateTicketInput is a ticket purchase at a store.
type CreateTicketInput struct {
	StoreID     string `json:"-"            validate:"required,max=64"`
	TypeID      string `json:"type_id"      validate:"required,max=64"`
	VoucherCode string `json:"voucher_code" validate:"max=64"`
}

// Created is the result of a create operation.
type Created struct {
	HashID             string `json:"hash_id"`
	PaymentRequirement string `json:"payment_requirement"`
	VoucherApplied     bool   `json:"voucher_applied"`
	Quote              *Quote `json:"quote,omitempty"`
}

// pricing is the outcome of pricing a new record.
type pricing struct {
	requirement domain.PaymentRequirement
	voucher     *domain.Voucher
	quote       *Quote
}

// price looks up the product, resolves the code and computes the quote. A
// product without a price, or a quote with nothing left to pay, is free.
func (l *Linkage) price(ctx context.Context, tx *gorm.DB, tt domain.VoucherTargetType, targetID, productID, code string) (*pricing, error) {
	p, err := repo.GetProduct(ctx, tx, tt, targetID, productID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, invalidInput("unknown product %q", productID)
	}
	if err != nil {
		return nil, err
	}
	if p.Price == nil {
		return &pricing{requirement: domain.PaymentRequirementFree}, nil
	}
	v, err := l.Vouchers.Resolve(ctx, tx, Target{Type: tt, ID: targetID, SubtypeID: &p.ID}, code)
	if err != nil {
		return nil, err
	}
	q := ComputePayment(*p.Price, ClampDiscount(*p.Price, v))
	out := &pricing{requirement: domain.PaymentRequirementRequired, voucher: v, quote: &q}
	if q.PaymentAmount == 0 {
		out.requirement = domain.PaymentRequirementFree
	}
	return out, nil
}

// fund creates the pending payment for a priced record, or redeems the
// voucher right away for a free one. It returns the payment ID, if any.
func (l *Linkage) fund(ctx context.Context, tx *gorm.DB, pr *pricing, recordID string) (*string, error) {
	if pr.requirement == domain.PaymentRequirementFree {
		if pr.voucher != nil {
			var amt *int
			if pr.quote != nil {
				amt = pr.quote.VoucherAmount
			}
			if err := l.Vouchers.Redeem(ctx, tx, pr.voucher.ID, nil, recordID, amt); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	p := &domain.Payment{
		Status:        domain.PaymentPending,
		SpaceAmount:   pr.quote.SpaceAmount,
		Amount:        pr.quote.PaymentAmount,
		VoucherAmount: pr.quote.VoucherAmount,
	}
	if pr.voucher != nil {
		p.VoucherID = &pr.voucher.ID
	}
	if err := repo.CreatePayment(ctx, tx, p); err != nil {
		return nil, err
	}
	return &p.ID, nil
}

func (pr *pricing) created(hashID string) *Created {
	return &Created{
		HashID:             hashID,
		PaymentRequirement: pr.requirement.String(),
		VoucherApplied:     pr.voucher != nil,
		Quote:              pr.quote,
	}
}

// CreateApplication writes an application, its pending status row, overview
// and links, its payment and its registry entry in one transaction.
func (l *Linkage) CreateApplication(ctx context.Context, ac authz.Context, in CreateApplicationInput) (*Created, error) {
	tr := otel.Tracer("services/Linkage")
	ctx, span := tr.Start(ctx, "CreateApplication",
		trace.WithAttributes(attribute.String("event.id", in.EventID)),
	)
	defer span.End()

	if ac.Anonymous() {
		return nil, ErrForbidden
	}
	in.VoucherCode = NormalizeCode(in.VoucherCode)
	if err := validate.Struct(in); err != nil {
		return nil, invalidInput("%v", err)
	}

	var out *Created
	err := runTx(ctx, l.DB, l.Retry, "create_application", func(tx *gorm.DB) error {
		pr, err := l.price(ctx, tx, domain.VoucherTargetEvent, in.EventID, in.SpaceID, in.VoucherCode)
		if err != nil {
			return err
		}

		a := &domain.Application{
			ID:                 uuid.NewString(),
			EventID:            in.EventID,
			UserID:             ac.ActorID,
			SpaceID:            in.SpaceID,
			PaymentRequirement: pr.requirement,
		}
		if in.VoucherCode != "" {
			a.VoucherCode = &in.VoucherCode
		}
		if in.UnionHashID != "" {
			ue, err := l.Registry.resolveKind(ctx, tx, in.UnionHashID, domain.KindApplication)
			if err != nil || ue.ParentID != in.EventID {
				return &UnknownReferenceError{HashIDs: []string{hashid.Normalize(in.UnionHashID)}}
			}
			a.UnionApplicationID = &ue.RecordID
		}

		if a.PaymentID, err = l.fund(ctx, tx, pr, a.ID); err != nil {
			return err
		}
		if err := repo.CreateApplication(ctx, tx, a); err != nil {
			return err
		}
		if err := repo.CreateStatusRecord(ctx, tx, &domain.StatusRecord{
			RecordID: a.ID, Kind: domain.KindApplication, Status: domain.ApplicationPending, UpdatedBy: ac.ActorID,
		}); err != nil {
			return err
		}
		if err := repo.SaveOverview(ctx, tx, a.ID, in.Overview); err != nil {
			return err
		}
		if err := repo.ReplaceLinks(ctx, tx, a.ID, in.Links); err != nil {
			return err
		}

		h, err := l.Registry.Register(ctx, tx, a.ID, in.EventID, domain.KindApplication)
		if err != nil {
			return err
		}
		if a.PaymentID != nil {
			if err := repo.SetEntryPayment(ctx, tx, h, a.PaymentID); err != nil {
				return err
			}
		}
		out = pr.created(h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger(ctx).Info().Str("actor", ac.ActorID).Str("event_id", in.EventID).Msg("application created")
	return out, nil
}

// CreateTicket writes a ticket, its confirmed status row, its usable
// instance, its payment and its registry entry in one transaction. The
// purchaser is the initial assignee.
func (l *Linkage) CreateTicket(ctx context.Context, ac authz.Context, in CreateTicketInput) (*Created, error) {
	tr := otel.Tracer("services/Linkage")
	ctx, span := tr.Start(ctx, "CreateTicket",
		trace.WithAttributes(attribute.String("store.id", in.StoreID)),
	)
	defer span.End()

	if ac.Anonymous() {
		return nil, ErrForbidden
	}
	in.VoucherCode = NormalizeCode(in.VoucherCode)
	if err := validate.Struct(in); err != nil {
		return nil, invalidInput("%v", err)
	}

	var out *Created
	err := runTx(ctx, l.DB, l.Retry, "create_ticket", func(tx *gorm.DB) error {
		pr, err := l.price(ctx, tx, domain.VoucherTargetStore, in.StoreID, in.TypeID, in.VoucherCode)
		if err != nil {
			return err
		}
		t := &domain.Ticket{
			ID:                 uuid.NewString(),
			StoreID:            in.StoreID,
			TypeID:             in.TypeID,
			OwnerUserID:        ac.ActorID,
			PaymentRequirement: pr.requirement,
		}
		if t.PaymentID, err = l.fund(ctx, tx, pr, t.ID); err != nil {
			return err
		}
		if err := repo.CreateTicket(ctx, tx, t); err != nil {
			return err
		}
		if err := repo.CreateStatusRecord(ctx, tx, &domain.StatusRecord{
			RecordID: t.ID, Kind: domain.KindTicket, Status: domain.ApplicationConfirmed, UpdatedBy: ac.ActorID,
		}); err != nil {
			return err
		}
		h, err := l.Registry.Register(ctx, tx, t.ID, in.StoreID, domain.KindTicket)
		if err != nil {
			return err
		}
		owner := ac.ActorID
		if err := repo.CreateTicketUser(ctx, tx, &domain.TicketUser{
			TicketID: t.ID, HashID: h, UsableUserID: &owner,
		}); err != nil {
			return err
		}
		if t.PaymentID != nil {
			if err := repo.SetEntryPayment(ctx, tx, h, t.PaymentID); err != nil {
				return err
			}
		}
		out = pr.created(h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger(ctx).Info().Str("actor", ac.ActorID).Str("store_id", in.StoreID).Msg("ticket created")
	return out, nil
}

// cascadeGraph is what a cascade step may act on.
type cascadeGraph struct {
	reg       *Registry
	entry     *domain.RegistryEntry
	recordID  string
	paymentID *string
}

// cascadeStep deletes one dependent. A step whose target is already gone
// succeeds.
type cascadeStep struct {
	name string
	run  func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error
}

func ignoreCount(_ int64, err error) error { return err }

var (
	stepStatusRecord = cascadeStep{"status_record", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
		return ignoreCount(repo.DeleteStatusRecord(ctx, tx, g.recordID))
	}}
	stepPayment = cascadeStep{"payment", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
		if g.paymentID == nil {
			return nil
		}
		pe, err := optional(repo.GetEntryByRecord(ctx, tx, domain.KindPayment, *g.paymentID))
		if err != nil {
			return err
		}
		if pe != nil {
			if err := g.reg.Unregister(ctx, tx, pe.HashID); err != nil {
				return err
			}
		}
		return ignoreCount(repo.DeletePayment(ctx, tx, *g.paymentID))
	}}
	stepRegistry = cascadeStep{"registry_entry", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
		return g.reg.Unregister(ctx, tx, g.entry.HashID)
	}}
)

// cascadePlan lists, per kind, the dependents removed by CascadingDelete in
// order. The primary record is deleted second to last; the registry entry
// always goes last.
var cascadePlan = map[domain.RecordKind][]cascadeStep{
	domain.KindApplication: {
		{"overview", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
			return ignoreCount(repo.DeleteOverview(ctx, tx, g.recordID))
		}},
		{"links", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
			return ignoreCount(repo.DeleteLinks(ctx, tx, g.recordID))
		}},
		{"space_slot_refs", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
			return ignoreCount(repo.ClearSlotApplication(ctx, tx, g.recordID))
		}},
		{"union_refs", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
			return ignoreCount(repo.ClearUnionReferences(ctx, tx, g.recordID))
		}},
		stepStatusRecord,
		stepPayment,
		{"application", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
			return repo.DeleteApplication(ctx, tx, g.recordID)
		}},
		stepRegistry,
	},
	domain.KindTicket: {
		{"ticket_user", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
			return ignoreCount(repo.DeleteTicketUser(ctx, tx, g.recordID))
		}},
		stepStatusRecord,
		stepPayment,
		{"ticket", func(ctx context.Context, tx *gorm.DB, g *cascadeGraph) error {
			return repo.DeleteTicket(ctx, tx, g.recordID)
		}},
		stepRegistry,
	},
}

// CascadingDelete removes the record behind hashID with every dependent,
// then retires its hash ID. The primary record must exist. Staff or the
// record's owner may delete. A failing step aborts the transaction and is
// reported as *CascadeError.
func (l *Linkage) CascadingDelete(ctx context.Context, ac authz.Context, hashID string) error {
	tr := otel.Tracer("services/Linkage")
	ctx, span := tr.Start(ctx, "CascadingDelete")
	defer span.End()

	return runTx(ctx, l.DB, l.Retry, "cascading_delete", func(tx *gorm.DB) error {
		e, err := l.Registry.resolve(ctx, tx, hashID)
		if err != nil {
			return err
		}
		g := &cascadeGraph{reg: l.Registry, entry: e, recordID: e.RecordID}

		switch e.Kind {
		case domain.KindApplication:
			a, err := repo.GetApplication(ctx, tx, e.RecordID)
			if errors.Is(err, repo.ErrNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if !ac.IsStaff() && !ac.Is(a.UserID) {
				return ErrForbidden
			}
			g.paymentID = a.PaymentID
		case domain.KindTicket:
			t, err := repo.GetTicket(ctx, tx, e.RecordID)
			if errors.Is(err, repo.ErrNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if !ac.IsStaff() && !ac.Is(t.OwnerUserID) {
				return ErrForbidden
			}
			g.paymentID = t.PaymentID
		case domain.KindPayment:
			return ErrNotFound
		}

		for _, step := range cascadePlan[e.Kind] {
			if err := step.run(ctx, tx, g); err != nil {
				span.SetAttributes(attribute.String("cascade.failed_step", step.name))
				return &CascadeError{Step: step.name, Err: err}
			}
		}
		logger(ctx).Info().Str("actor", ac.ActorID).Str("kind", string(e.Kind)).Msg("record deleted")
		return nil
	})
}

// Assign sets the person allowed to use a ticket. The owner or staff may
// assign. A used ticket fails with ErrAlreadyUsed; assigning the current
// assignee is a no-op.
func (l *Linkage) Assign(ctx context.Context, ac authz.Context, ticketHashID, userID string) (*StatusChange, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > 64 {
		return nil, invalidInput("user id is required")
	}
	return l.setAssignee(ctx, ac, ticketHashID, &userID)
}

// Unassign clears the assignee of a ticket under the same rules as Assign.
func (l *Linkage) Unassign(ctx context.Context, ac authz.Context, ticketHashID string) (*StatusChange, error) {
	return l.setAssignee(ctx, ac, ticketHashID, nil)
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func assigneeLabel(u *string) string {
	if u == nil {
		return domain.TicketUnassigned.String()
	}
	return domain.TicketAssigned.String() + ":" + *u
}

func (l *Linkage) setAssignee(ctx context.Context, ac authz.Context, ticketHashID string, userID *string) (*StatusChange, error) {
	tr := otel.Tracer("services/Linkage")
	ctx, span := tr.Start(ctx, "SetAssignee",
		trace.WithAttributes(attribute.Bool("ticket.unassign", userID == nil)),
	)
	defer span.End()

	var out *StatusChange
	err := runTx(ctx, l.DB, l.Retry, "set_assignee", func(tx *gorm.DB) error {
		e, err := l.Registry.resolveKind(ctx, tx, ticketHashID, domain.KindTicket)
		if err != nil {
			return err
		}
		t, err := repo.GetTicket(ctx, tx, e.RecordID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !ac.IsStaff() && !ac.Is(t.OwnerUserID) {
			return ErrForbidden
		}
		tu, err := repo.GetTicketUser(ctx, tx, t.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if tu.Used {
			return ErrAlreadyUsed
		}
		ch := StatusChange{
			Dimension: domain.DimensionTicketUser,
			From:      assigneeLabel(tu.UsableUserID),
			To:        assigneeLabel(userID),
		}
		if sameAssignee(tu.UsableUserID, userID) {
			out = &ch
			return nil
		}
		n, err := repo.SetUsableUser(ctx, tx, t.ID, userID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyUsed
		}
		ch.Changed = true
		if err := repo.AppendStatusLog(ctx, tx, &domain.StatusLog{
			RecordID: t.ID, Dimension: ch.Dimension, FromValue: ch.From, ToValue: ch.To, ActorID: ac.ActorID,
		}); err != nil {
			return err
		}
		out = &ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Changed {
		to := domain.TicketAssigned
		if userID == nil {
			to = domain.TicketUnassigned
		}
		ledgerWrites.WithLabelValues(string(out.Dimension), to.String()).Inc()
	}
	return out, nil
}

// SlotAssignment is one row of a new event layout. An empty
// ApplicationHashID leaves the slot unassigned.
type SlotAssignment struct {
	Label             string `json:"label"               yaml:"label"               validate:"required,max=64"`
	ApplicationHashID string `json:"application_hash_id" yaml:"application_hash_id" validate:"max=64"`
}

// ReassignResult summarizes a layout replacement.
type ReassignResult struct {
	Slots     int `json:"slots"`
	Assigned  int `json:"assigned"`
	BatchSize int `json:"batch_size"`
}

// ReassignSpaces replaces the whole layout of eventID with assignments, in
// order. Every referenced application must belong to the event; otherwise
// *UnknownReferenceError lists the offenders and nothing is touched. A
// transaction too large for the store is retried with half the batch size.
// Staff only.
func (l *Linkage) ReassignSpaces(ctx context.Context, ac authz.Context, eventID string, assignments []SlotAssignment) (*ReassignResult, error) {
	tr := otel.Tracer("services/Linkage")
	ctx, span := tr.Start(ctx, "ReassignSpaces",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.Int("slots", len(assignments)),
		),
	)
	defer span.End()

	if !ac.IsStaff() {
		return nil, ErrForbidden
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, invalidInput("event id is required")
	}
	assignments = append([]SlotAssignment(nil), assignments...)
	for i := range assignments {
		assignments[i].Label = strings.TrimSpace(assignments[i].Label)
		assignments[i].ApplicationHashID = hashid.Normalize(assignments[i].ApplicationHashID)
		if err := validate.Struct(assignments[i]); err != nil {
			return nil, invalidInput("row %d: %v", i+1, err)
		}
	}

	batch := l.ReassignBatchSize
	if batch <= 0 {
		batch = DefaultReassignBatchSize
	}
	for {
		res, err := l.reassign(ctx, eventID, assignments, batch)
		if err == nil {
			span.SetAttributes(attribute.Int("batch_size", batch))
			return res, nil
		}
		if !isSizeLimit(err) || batch == 1 {
			return nil, err
		}
		logger(ctx).Warn().Err(err).Int("batch_size", batch).Msg("reassign too large, halving batch")
		batch /= 2
	}
}

func (l *Linkage) reassign(ctx context.Context, eventID string, assignments []SlotAssignment, batch int) (*ReassignResult, error) {
	res := &ReassignResult{Slots: len(assignments), BatchSize: batch}
	err := runTx(ctx, l.DB, l.Retry, "reassign_spaces", func(tx *gorm.DB) error {
		var refs []string
		seen := map[string]bool{}
		for _, a := range assignments {
			if a.ApplicationHashID != "" && !seen[a.ApplicationHashID] {
				seen[a.ApplicationHashID] = true
				refs = append(refs, a.ApplicationHashID)
			}
		}

		byHash := map[string]domain.RegistryEntry{}
		for start := 0; start < len(refs); start += batch {
			end := min(start+batch, len(refs))
			entries, err := repo.ListEntries(ctx, tx, refs[start:end])
			if err != nil {
				return err
			}
			for _, e := range entries {
				byHash[e.HashID] = e
			}
		}
		var unknown []string
		for _, h := range refs {
			e, ok := byHash[h]
			if hashid.Validate(h, domain.KindApplication) != nil || !ok || e.Kind != domain.KindApplication || e.ParentID != eventID {
				unknown = append(unknown, h)
			}
		}
		if len(unknown) > 0 {
			return &UnknownReferenceError{HashIDs: unknown}
		}

		if err := repo.ClearEventSlotApplications(ctx, tx, eventID); err != nil {
			return err
		}
		if err := repo.ClearEventSpaceSlots(ctx, tx, eventID); err != nil {
			return err
		}
		if _, err := repo.DeleteEventSlots(ctx, tx, eventID); err != nil {
			return err
		}

		slots := make([]domain.SpaceSlot, 0, len(assignments))
		slotOf := map[string]string{}
		for i, a := range assignments {
			s := domain.SpaceSlot{ID: uuid.NewString(), EventID: eventID, Position: i, Label: a.Label}
			if a.ApplicationHashID != "" {
				e := byHash[a.ApplicationHashID]
				s.ApplicationID = &e.RecordID
				if _, ok := slotOf[e.HashID]; !ok {
					slotOf[e.HashID] = s.ID
				}
			}
			slots = append(slots, s)
		}
		if err := repo.CreateSpaceSlots(ctx, tx, slots, batch); err != nil {
			return err
		}
		for _, h := range refs {
			id := slotOf[h]
			if err := repo.SetEntrySpaceSlot(ctx, tx, h, &id); err != nil {
				return err
			}
		}
		res.Assigned = len(refs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
