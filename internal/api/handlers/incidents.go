package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetSiteIncidents(c *gin.Context) {
	site, ok := h.ownedSite(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 100 {
		limit = 50
	}

	incidents, err := h.incidents.ListIncidents(c.Request.Context(), site.ID, limit)
	if err != nil {
		h.fail(c, err, "Site not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}
