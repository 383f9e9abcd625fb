package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/circlelink/linkage-core/internal/services"
)

// SpacesResponse is the floor plan of an event in layout order.
type SpacesResponse struct {
	EventID string              `json:"event_id"`
	Slots   []services.SlotView `json:"slots"`
}

// ReassignRequest replaces the whole layout of an event.
type ReassignRequest struct {
	Slots []services.SlotAssignment `json:"slots"`
}

// ListSpaces answers GET /events/{eventId}/spaces for staff. It supports a
// weak ETag derived from the slot count and newest slot, which changes on
// every reassignment.
func (h *Handlers) ListSpaces(c *gin.Context) {
	ctx := c.Request.Context()
	eventID := c.Param("eventId")

	// Check access before the ETag so a 304 never confirms a layout exists.
	if !actor(c).IsStaff() {
		writeServiceError(c, services.ErrForbidden)
		return
	}

	if h.stats != nil {
		if count, newest, err := h.stats(ctx, eventID); err == nil {
			var ts int64
			if newest != nil {
				ts = newest.UnixNano()
			}
			etag := fmt.Sprintf(`W/"spaces:%s:%d:%d"`, eventID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	slots, err := h.queries.ListSpaceSlots(ctx, actor(c), eventID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if slots == nil {
		slots = []services.SlotView{}
	}
	ok(c, http.StatusOK, SpacesResponse{EventID: eventID, Slots: slots})
}

// ReassignSpaces answers PUT /events/{eventId}/spaces.
func (h *Handlers) ReassignSpaces(c *gin.Context) {
	var req ReassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	res, err := h.linkage.ReassignSpaces(c.Request.Context(), actor(c), c.Param("eventId"), req.Slots)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
