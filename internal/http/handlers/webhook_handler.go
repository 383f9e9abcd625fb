package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/circlelink/linkage-core/internal/domain"
)

const (
	webhookPaymentCreated = "payment.created"
	webhookPaymentStatus  = "payment.status"
)

// PaymentWebhook is the gateway callback payload.
//
//   - payment.created links PaymentHashID to the payment funding
//     RecordHashID; Status, when set, is applied right after.
//   - payment.status moves the payment known by PaymentHashID.
type PaymentWebhook struct {
	Event         string `json:"event"           binding:"required,oneof=payment.created payment.status"`
	RecordHashID  string `json:"record_hash_id"`
	PaymentHashID string `json:"payment_hash_id" binding:"required,max=64"`
	Status        string `json:"status"`
}

// PaymentWebhook answers POST /webhooks/payments for the gateway role.
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	var req PaymentWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid webhook payload")
		return
	}
	ctx := c.Request.Context()
	ac := actor(c)

	var st domain.PaymentStatus
	if req.Status != "" || req.Event == webhookPaymentStatus {
		var valid bool
		if st, valid = domain.ParsePaymentStatus(req.Status); !valid {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown payment status")
			return
		}
	}

	if req.Event == webhookPaymentCreated {
		if req.RecordHashID == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "record_hash_id required")
			return
		}
		if err := h.ledger.AttachGatewayReference(ctx, ac, req.RecordHashID, req.PaymentHashID); err != nil {
			writeServiceError(c, err)
			return
		}
		if req.Status == "" {
			noContent(c)
			return
		}
	}

	ch, err := h.ledger.SetGatewayPaymentStatus(ctx, ac, req.PaymentHashID, st)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, ChangeResponse{Change: ch})
}
