// Ticket HTTP handlers.
//
//   - POST   /stores/{storeId}/tickets           (purchase, Idempotency-Key)
//   - GET    /tickets/{hashId}                   (owner, assignee or staff view)
//   - GET    /tickets/{hashId}/eligibility       (door pre-check)
//   - GET    /tickets/{hashId}/qr                (PNG of the hash ID)
//   - PUT    /tickets/{hashId}/assignee          (assign)
//   - DELETE /tickets/{hashId}/assignee          (unassign)
//   - POST   /tickets/{hashId}/use               (door scan)
//   - POST   /tickets/{hashId}/reset             (admin undo of a scan)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/circlelink/linkage-core/internal/services"
	"github.com/circlelink/linkage-core/internal/utils"
)

const (
	defaultQRSize = 256
	minQRSize     = 128
	maxQRSize     = 1024
)

// AssignRequest names the user allowed to enter with a ticket.
type AssignRequest struct {
	UserID string `json:"user_id" binding:"required,max=64"`
}

// ResetRequest explains why a scan is undone.
type ResetRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

// CreateTicket purchases a ticket from a store.
func (h *Handlers) CreateTicket(c *gin.Context) {
	if serveReplay(c) {
		return
	}
	var in services.CreateTicketInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	in.StoreID = c.Param("storeId")

	out, err := h.linkage.CreateTicket(c.Request.Context(), actor(c), in)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	h.remember(c, out.HashID, http.StatusCreated)
	ok(c, http.StatusCreated, out)
}

// GetTicket returns the assembled ticket view with its eligibility.
func (h *Handlers) GetTicket(c *gin.Context) {
	v, err := h.queries.LookupTicket(c.Request.Context(), actor(c), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// TicketEligibility tells a door terminal whether a scan would succeed,
// without writing anything.
func (h *Handlers) TicketEligibility(c *gin.Context) {
	el, err := h.queries.CanUseTicket(c.Request.Context(), actor(c), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, el)
}

// TicketQR renders the ticket hash ID as a PNG for door scanning. Only
// callers who may view the ticket get the image. ?size= is clamped to
// [128, 1024] pixels.
func (h *Handlers) TicketQR(c *gin.Context) {
	v, err := h.queries.LookupTicket(c.Request.Context(), actor(c), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	size := utils.Clamp(utils.AtoiDefault(c.Query("size"), defaultQRSize), minQRSize, maxQRSize)
	png, err := qrcode.Encode(v.HashID, qrcode.Medium, size)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeQRFailed, "could not render code")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// AssignTicket sets who may use the ticket.
func (h *Handlers) AssignTicket(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id required")
		return
	}
	ch, err := h.linkage.Assign(c.Request.Context(), actor(c), c.Param("hashId"), req.UserID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, ChangeResponse{Change: ch})
}

// UnassignTicket clears the assignee.
func (h *Handlers) UnassignTicket(c *gin.Context) {
	ch, err := h.linkage.Unassign(c.Request.Context(), actor(c), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, ChangeResponse{Change: ch})
}

// UseTicket records a door scan. A second scan answers 409 already_used
// with the time of the first, so terminals can show when it happened.
func (h *Handlers) UseTicket(c *gin.Context) {
	res, err := h.ledger.SetTicketUsed(c.Request.Context(), actor(c), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !res.Changed {
		failWith(c, http.StatusConflict, ErrCodeAlreadyUsed, "ticket already used", gin.H{"used_at": res.UsedAt})
		return
	}
	ok(c, http.StatusOK, res)
}

// ResetTicket undoes a scan.
func (h *Handlers) ResetTicket(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reason required")
		return
	}
	ch, err := h.ledger.ResetTicketUsed(c.Request.Context(), actor(c), c.Param("hashId"), req.Reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, ChangeResponse{Change: ch})
}
