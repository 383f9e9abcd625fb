// Package services implements the record-linkage core: the identifier
// registry, the status ledger, the voucher engine, the linkage transaction
// manager and the reconciliation queries. This file centralizes the error
// values returned by service methods so callers can match them with
// errors.Is / errors.As.
//
// Translation into HTTP status codes happens in the handler layer.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/circlelink/linkage-core/internal/hashid"
)

var (
	// ErrNotFound indicates that a hash ID, code or record does not resolve.
	// The same value is returned whatever the underlying reason.
	ErrNotFound = errors.New("not found")

	// ErrInvalidFormat is returned for a malformed public identifier. It is
	// the hashid sentinel so either package can be matched.
	ErrInvalidFormat = hashid.ErrInvalidFormat

	// ErrLockedStatus is returned when a payment is already terminal.
	ErrLockedStatus = errors.New("status is locked")

	// ErrAlreadyUsed is returned for assignment changes on a used ticket.
	ErrAlreadyUsed = errors.New("ticket already used")

	// ErrUnknownReference matches *UnknownReferenceError.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrGenerationConflict is returned when no free hash ID could be drawn.
	ErrGenerationConflict = errors.New("hash id generation conflict")

	// ErrLimitExceeded is returned when a voucher reached its usage limit.
	ErrLimitExceeded = errors.New("voucher usage limit exceeded")

	// ErrForbidden is returned when the caller lacks the required role or
	// ownership.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is returned for a payment move outside the
	// allowed set.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStatus is returned for an out-of-range status value.
	ErrInvalidStatus = errors.New("invalid status value")

	// ErrInvalidInput is returned when a request fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotEligible matches *IneligibleError.
	ErrNotEligible = errors.New("ticket not eligible")
)

// UnknownReferenceError lists application hash IDs that do not belong to the
// event being rearranged.
type UnknownReferenceError struct {
	HashIDs []string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown reference: %s", strings.Join(e.HashIDs, ", "))
}

// Is makes errors.Is(err, ErrUnknownReference) hold.
func (e *UnknownReferenceError) Is(target error) bool { return target == ErrUnknownReference }

// CascadeError names the first step of a cascading delete that failed. The
// transaction is rolled back when it is returned.
type CascadeError struct {
	Step string
	Err  error
}

func (e *CascadeError) Error() string { return fmt.Sprintf("cascade step %q: %v", e.Step, e.Err) }

func (e *CascadeError) Unwrap() error { return e.Err }

// RetriableError reports that an operation kept hitting transient storage
// contention. The caller may retry; no partial effects were committed.
type RetriableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriableError) Unwrap() error { return e.Err }

// IneligibleError carries the reason a ticket cannot be used.
type IneligibleError struct {
	Reason Reason
}

func (e *IneligibleError) Error() string { return "ticket not eligible: " + string(e.Reason) }

// Is makes errors.Is(err, ErrNotEligible) hold.
func (e *IneligibleError) Is(target error) bool { return target == ErrNotEligible }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
