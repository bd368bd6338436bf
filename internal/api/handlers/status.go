package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/status"
)

func (h *Handler) GetSiteStatus(c *gin.Context) {
	site, ok := h.ownedSite(c)
	if !ok {
		return
	}
	h.writeStatus(c, site)
}

func (h *Handler) GetSiteHistory(c *gin.Context) {
	site, ok := h.ownedSite(c)
	if !ok {
		return
	}
	h.writeHistory(c, site)
}

// GetPublicStatus serves status pages. Only active sites are visible.
func (h *Handler) GetPublicStatus(c *gin.Context) {
	site, ok := h.publicSite(c)
	if !ok {
		return
	}
	h.writeStatus(c, site)
}

func (h *Handler) GetPublicHistory(c *gin.Context) {
	site, ok := h.publicSite(c)
	if !ok {
		return
	}
	h.writeHistory(c, site)
}

func (h *Handler) GetStatistics(c *gin.Context) {
	stats, err := h.statuses.GetAggregateStatistics(c.Request.Context(), ownerID(c))
	if err != nil {
		h.fail(c, err, "Owner not found")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) publicSite(c *gin.Context) (*core.Site, bool) {
	site, err := h.store.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Site not found")
		return nil, false
	}
	if !site.Active {
		c.JSON(http.StatusNotFound, gin.H{"error": "Site not found"})
		return nil, false
	}
	return site, true
}

// writeStatus answers 404 {"status":"unknown"} for a site that was never
// checked rather than reporting it down.
func (h *Handler) writeStatus(c *gin.Context, site *core.Site) {
	current, err := h.statuses.GetCurrentStatus(c.Request.Context(), site.ID)
	if err != nil {
		h.fail(c, err, "Site not found")
		return
	}
	if current == nil {
		c.JSON(http.StatusNotFound, gin.H{"siteId": site.ID, "status": "unknown"})
		return
	}
	c.JSON(http.StatusOK, current)
}

func (h *Handler) writeHistory(c *gin.Context, site *core.Site) {
	hours := status.DefaultHistoryHours
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = parsed
	}

	history := []*core.ConsensusStatus{}
	for snapshot, err := range h.statuses.GetStatusHistory(c.Request.Context(), site.ID, hours) {
		if err != nil {
			h.fail(c, err, "Site not found")
			return
		}
		history = append(history, snapshot)
	}

	c.JSON(http.StatusOK, gin.H{
		"siteId":  site.ID,
		"since":   h.statuses.HistorySince(hours),
		"history": history,
	})
}
