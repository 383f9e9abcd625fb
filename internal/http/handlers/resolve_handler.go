package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Resolve answers GET /resolve/{hashId} for anyone holding a hash ID: the
// record kind, its parent event or store and, for placed applications, the
// space slot. Unknown, deleted and malformed IDs that look valid all answer
// the same 404.
func (h *Handlers) Resolve(c *gin.Context) {
	e, err := h.queries.ResolvePublic(c.Request.Context(), c.Param("hashId"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, e)
}
