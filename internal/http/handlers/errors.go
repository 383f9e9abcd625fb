// Package handlers implements the HTTP endpoints of the linkage API.
//
// Every failure answers with an ErrorResponse carrying one of the codes
// below. Clients branch on the code, never on the message.
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "locked_status",
//	  "message": "payment status is locked"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeInvalidFormat     = "invalid_format"
	ErrCodeLockedStatus      = "locked_status"
	ErrCodeAlreadyUsed       = "already_used"
	ErrCodeLimitExceeded     = "limit_exceeded"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeUnknownReference  = "unknown_reference"
	ErrCodeNotEligible       = "not_eligible"
	ErrCodeRetriable         = "retriable"
	ErrCodeQRFailed          = "qr_failed"
)
