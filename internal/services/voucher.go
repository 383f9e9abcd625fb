// Package services – VoucherEngine
//
// VoucherEngine validates a human-entered code against a target scope and
// prices a record with the resulting discount. Resolution is opaque: every
// failed check yields a nil voucher and no error, so callers cannot tell a
// wrong scope from a code that does not exist.
package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/repo"
)

// Target is the scope a voucher is checked against.
type Target struct {
	Type      domain.VoucherTargetType
	ID        string
	SubtypeID *string
}

// Discount is the voucher amount applied to one price. A nil Amount covers
// the full price.
type Discount struct {
	Amount *int
}

// Quote is the priced breakdown of a record.
type Quote struct {
	SpaceAmount   int  `json:"space_amount"`
	VoucherAmount *int `json:"voucher_amount"`
	PaymentAmount int  `json:"payment_amount"`
}

// VoucherEngine resolves and redeems vouchers.
type VoucherEngine struct {
	DB *gorm.DB
}

var upper = cases.Upper(language.Und)

// NormalizeCode folds a typed code into its stored form: trimmed, narrow
// width and upper case.
func NormalizeCode(code string) string {
	return strings.TrimSpace(upper.String(width.Narrow.String(strings.TrimSpace(code))))
}

// Resolve returns the voucher behind code if it applies to t and still has
// uses left. Checks run in order: code, voucher, target type, target id,
// subtype (or wildcard), usage limit. Only storage failures are errors.
func (e *VoucherEngine) Resolve(ctx context.Context, db *gorm.DB, t Target, code string) (*domain.Voucher, error) {
	tr := otel.Tracer("services/VoucherEngine")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.Int("voucher.target_type", int(t.Type)),
			attribute.String("voucher.target_id", t.ID),
		),
	)
	defer span.End()

	if db == nil {
		db = e.DB
	}
	code = NormalizeCode(code)
	if code == "" {
		return nil, nil
	}

	vc, err := repo.GetVoucherCode(ctx, db, code)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := repo.GetVoucher(ctx, db, vc.VoucherID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch {
	case v.TargetType != t.Type:
		return nil, nil
	case v.TargetID != t.ID:
		return nil, nil
	case v.TargetSubtypeID != nil && (t.SubtypeID == nil || *v.TargetSubtypeID != *t.SubtypeID):
		return nil, nil
	case v.UsedCountLimit != nil && v.UsedCount >= *v.UsedCountLimit:
		return nil, nil
	}
	span.SetAttributes(attribute.Bool("voucher.applied", true))
	return v, nil
}

// ComputePayment prices a record. A nil discount means no voucher: the
// voucher amount is nil and the whole price is payable. A discount without
// an amount covers the full price. The discount is not clamped here; callers
// pass the result of ClampDiscount.
func ComputePayment(price int, d *Discount) Quote {
	q := Quote{SpaceAmount: price, PaymentAmount: price}
	if d == nil {
		return q
	}
	if d.Amount == nil {
		full := price
		q.VoucherAmount = &full
		q.PaymentAmount = 0
		return q
	}
	amt := *d.Amount
	q.VoucherAmount = &amt
	q.PaymentAmount = price - amt
	return q
}

// ClampDiscount turns a resolved voucher into a discount no larger than
// price. A nil voucher yields a nil discount.
func ClampDiscount(price int, v *domain.Voucher) *Discount {
	if v == nil {
		return nil
	}
	if v.Amount == nil {
		return &Discount{}
	}
	amt := *v.Amount
	if amt < 0 {
		amt = 0
	}
	if amt > price {
		amt = price
	}
	return &Discount{Amount: &amt}
}

// Redeem consumes one use of a voucher inside tx and records it. The counter
// only moves while it is below the limit; otherwise ErrLimitExceeded.
func (e *VoucherEngine) Redeem(ctx context.Context, tx *gorm.DB, voucherID string, paymentID *string, recordID string, amount *int) error {
	n, err := repo.IncrementVoucherUse(ctx, tx, voucherID)
	if err != nil {
		return err
	}
	if n == 0 {
		voucherRedemptions.WithLabelValues("limit_exceeded").Inc()
		return ErrLimitExceeded
	}
	if err := repo.CreateVoucherUsage(ctx, tx, &domain.VoucherUsage{
		VoucherID: voucherID,
		PaymentID: paymentID,
		RecordID:  recordID,
		Amount:    amount,
	}); err != nil {
		return err
	}
	voucherRedemptions.WithLabelValues("redeemed").Inc()
	return nil
}

// QuoteInput is the public price preview request.
type QuoteInput struct {
	TargetType domain.VoucherTargetType `json:"target_type" validate:"oneof=1 2"`
	TargetID   string                   `json:"target_id"   validate:"required,max=64"`
	ProductID  string                   `json:"product_id"  validate:"required,max=64"`
	Code       string                   `json:"code"        validate:"max=64"`
}

// QuoteResult is the preview answer. Applied is false for every unusable
// code, whatever the reason.
type QuoteResult struct {
	Quote
	Free    bool `json:"free"`
	Applied bool `json:"applied"`
}

// Quote previews the price of a product with an optional code. Nothing is
// redeemed.
func (e *VoucherEngine) Quote(ctx context.Context, in QuoteInput) (*QuoteResult, error) {
	if err := validate.Struct(in); err != nil {
		return nil, invalidInput("%v", err)
	}
	p, err := repo.GetProduct(ctx, e.DB, in.TargetType, in.TargetID, in.ProductID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Price == nil {
		return &QuoteResult{Free: true}, nil
	}
	sub := p.ID
	v, err := e.Resolve(ctx, e.DB, Target{Type: in.TargetType, ID: in.TargetID, SubtypeID: &sub}, in.Code)
	if err != nil {
		return nil, err
	}
	q := ComputePayment(*p.Price, ClampDiscount(*p.Price, v))
	return &QuoteResult{Quote: q, Applied: v != nil, Free: q.PaymentAmount == 0}, nil
}
