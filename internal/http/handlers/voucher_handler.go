package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/circlelink/linkage-core/internal/services"
)

// QuoteVoucher answers POST /vouchers/quote with the price of a product and
// whether the code applies. Unusable codes are reported as applied=false
// whatever the reason.
func (h *Handlers) QuoteVoucher(c *gin.Context) {
	var in services.QuoteInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	q, err := h.quoter.Quote(c.Request.Context(), in)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, q)
}
