package handlers

import (
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"go.uber.org/zap"
)

// SiteRequest is the body of site create and update calls. The interval is
// given in minutes and may be fractional.
type SiteRequest struct {
	Name                 string  `json:"name" binding:"required,min=1,max=255"`
	URL                  string  `json:"url" binding:"required,max=2048"`
	CheckIntervalMinutes float64 `json:"check_interval_minutes" binding:"omitempty,min=0.5,max=60"`
	Active               *bool   `json:"active"`
	TCPPorts             []int   `json:"tcp_ports" binding:"omitempty,max=16,dive,min=1,max=65535"`
	NotificationsEnabled bool    `json:"notifications_enabled"`
	MonthlyReport        bool    `json:"monthly_report"`
	ReportDay            int     `json:"report_day" binding:"omitempty,min=1,max=28"`
	ReportHour           int     `json:"report_hour" binding:"omitempty,min=0,max=23"`
}

// SiteResponse adds the user-facing interval to a stored site.
type SiteResponse struct {
	*core.Site
	CheckIntervalMinutes float64 `json:"check_interval_minutes"`
}

func siteResponse(site *core.Site) SiteResponse {
	return SiteResponse{Site: site, CheckIntervalMinutes: site.CheckIntervalMinutes()}
}

// normalizeSiteURL defaults bare hostnames to https.
func normalizeSiteURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func intervalSeconds(minutes float64) int {
	if minutes <= 0 {
		return entitlement.BaselineIntervalSeconds
	}
	return int(math.Round(minutes * 60))
}

// apply copies the request onto site. The interval is clamped to what the
// owner's grants permit.
func (r *SiteRequest) apply(site *core.Site, grants []entitlement.Grant, now time.Time) {
	site.Name = r.Name
	site.URL = r.URL
	site.CheckIntervalSeconds = entitlement.ClampInterval(grants, intervalSeconds(r.CheckIntervalMinutes), now)
	if r.Active != nil {
		site.Active = *r.Active
	}
	site.TCPPorts = append([]int(nil), r.TCPPorts...)
	site.NotificationsEnabled = r.NotificationsEnabled
	site.MonthlyReport = r.MonthlyReport
	site.ReportDay = r.ReportDay
	if site.ReportDay == 0 {
		site.ReportDay = 1
	}
	site.ReportHour = r.ReportHour
}

func (h *Handler) bindSite(c *gin.Context) (*SiteRequest, bool) {
	var req SiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	normalized, ok := normalizeSiteURL(req.URL)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an http or https address"})
		return nil, false
	}
	req.URL = normalized
	return &req, true
}

func (h *Handler) CreateSite(c *gin.Context) {
	req, ok := h.bindSite(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	owner := ownerID(c)

	grants, err := h.store.ListGrants(ctx, owner)
	if err != nil {
		h.fail(c, err, "Owner not found")
		return
	}
	count, err := h.store.CountSitesByOwner(ctx, owner)
	if err != nil {
		h.fail(c, err, "Owner not found")
		return
	}
	if !entitlement.CanAddSite(grants, count, h.now()) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "Site limit reached for your plan",
			"max_sites": entitlement.MaxSites(grants, h.now()),
		})
		return
	}

	now := h.now().UTC()
	site := &core.Site{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.apply(site, grants, now)

	if err := h.store.CreateSite(ctx, site); err != nil {
		h.fail(c, err, "Site not found")
		return
	}

	h.logger.Info("Site created",
		zap.String("site_id", site.ID),
		zap.String("owner_id", owner),
		zap.Int("interval_seconds", site.CheckIntervalSeconds),
	)

	c.JSON(http.StatusCreated, siteResponse(site))
}

func (h *Handler) GetSite(c *gin.Context) {
	site, ok := h.ownedSite(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, siteResponse(site))
}

func (h *Handler) ListSites(c *gin.Context) {
	sites, err := h.store.ListSitesByOwner(c.Request.Context(), ownerID(c))
	if err != nil {
		h.fail(c, err, "Owner not found")
		return
	}

	out := make([]SiteResponse, 0, len(sites))
	for _, site := range sites {
		out = append(out, siteResponse(site))
	}
	c.JSON(http.StatusOK, gin.H{
		"sites": out,
		"total": len(out),
	})
}

func (h *Handler) UpdateSite(c *gin.Context) {
	site, ok := h.ownedSite(c)
	if !ok {
		return
	}
	req, ok := h.bindSite(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	grants, err := h.store.ListGrants(ctx, site.OwnerID)
	if err != nil {
		h.fail(c, err, "Owner not found")
		return
	}

	req.apply(site, grants, h.now())
	site.UpdatedAt = h.now().UTC()

	if err := h.store.UpdateSite(ctx, site); err != nil {
		h.fail(c, err, "Site not found")
		return
	}

	c.JSON(http.StatusOK, siteResponse(site))
}

func (h *Handler) DeleteSite(c *gin.Context) {
	site, ok := h.ownedSite(c)
	if !ok {
		return
	}

	if err := h.store.DeleteSite(c.Request.Context(), site.ID); err != nil {
		h.fail(c, err, "Site not found")
		return
	}
	h.aggregator.Forget(site.ID)
	if h.metrics != nil {
		h.metrics.RemoveSite(site.ID)
	}

	h.logger.Info("Site deleted",
		zap.String("site_id", site.ID),
		zap.String("owner_id", site.OwnerID),
	)

	c.Status(http.StatusNoContent)
}
