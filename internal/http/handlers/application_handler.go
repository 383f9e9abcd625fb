// Application HTTP handlers.
//
//   - POST   /events/{eventId}/applications      (create, Idempotency-Key)
//   - GET    /applications/{hashId}              (owner or staff view)
//   - DELETE /applications/{hashId}              (cascading delete)
//   - PUT    /applications/{hashId}/status       (staff)
//   - PUT    /applications/{hashId}/payment/status
//   - GET    /applications/{hashId}/history      (staff, paginated)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/services"
	"github.com/circlelink/linkage-core/internal/utils"
)

//
// DTOs
//

// StatusRequest carries a status label such as "confirmed" or "paid".
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// ChangeResponse wraps one ledger write.
type ChangeResponse struct {
	Change *services.StatusChange `json:"change"`
}

// HistoryResponse is a page of audit entries, oldest first.
type HistoryResponse struct {
	Entries    []services.HistoryEntry `json:"entries"`
	Pagination Pagination              `json:"pagination"`
}

//
// Handlers
//

// CreateApplication registers a circle application under an event.
func (h *Handlers) CreateApplication(c *gin.Context) {
	if serveReplay(c) {
		return
	}
	var in services.CreateApplicationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	in.EventID = c.Param("eventId")

	out, err := h.linkage.CreateApplication(c.Request.Context(), actor(c), in)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	h.remember(c, out.HashID, http.StatusCreated)
	ok(c, http.StatusCreated, out)
}

// GetApplication returns the assembled application view.
func (h *Handlers) GetApplication(c *gin.Context) {
	v, err := h.queries.LookupApplication(c.Request.Context(), actor(c), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// DeleteRecord removes an application or ticket with everything attached. It
// serves both DELETE routes; the hash ID tells the kinds apart.
func (h *Handlers) DeleteRecord(c *gin.Context) {
	if err := h.linkage.CascadingDelete(c.Request.Context(), actor(c), c.Param("hashId")); err != nil {
		writeServiceError(c, err)
		return
	}
	noContent(c)
}

// SetApplicationStatus moves the staff status of an application.
func (h *Handlers) SetApplicationStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status required")
		return
	}
	st, valid := domain.ParseApplicationStatus(req.Status)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown application status")
		return
	}
	ch, err := h.ledger.SetApplicationStatus(c.Request.Context(), actor(c), c.Param("hashId"), st)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, ChangeResponse{Change: ch})
}

// SetRecordPaymentStatus moves the payment funding an application or a
// ticket. Shared by both payment/status routes.
func (h *Handlers) SetRecordPaymentStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status required")
		return
	}
	st, valid := domain.ParsePaymentStatus(req.Status)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown payment status")
		return
	}
	ch, err := h.ledger.SetRecordPaymentStatus(c.Request.Context(), actor(c), c.Param("hashId"), st)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, ChangeResponse{Change: ch})
}

// History returns the audit trail of an application or ticket.
func (h *Handlers) History(c *gin.Context) {
	entries, err := h.queries.History(c.Request.Context(), actor(c), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	page, size := clampPagination(c)
	start, end := utils.PageBounds(len(entries), page, size)
	ok(c, http.StatusOK, HistoryResponse{
		Entries:    append([]services.HistoryEntry{}, entries[start:end]...),
		Pagination: paginate(len(entries), page, size),
	})
}
