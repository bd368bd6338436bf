package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"github.com/leozw/uptime-consensus/internal/ingest"
	"go.uber.org/zap"
)

// IngestObservation accepts one worker observation. Dropped observations
// (stale, duplicate, malformed) are still answered with 202 and their
// outcome so workers do not resend them.
func (h *Handler) IngestObservation(c *gin.Context) {
	var obs core.Observation
	if err := c.ShouldBindJSON(&obs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if obs.SiteID != "" {
		site, err := h.store.GetSite(ctx, obs.SiteID)
		if err != nil {
			h.fail(c, err, "Site not found")
			return
		}
		// Ownership is decided by the site record, never by the worker.
		obs.OwnerID = site.OwnerID
	}

	outcome, err := h.aggregator.Ingest(ctx, &obs)
	if err != nil {
		h.fail(c, err, "Site not found")
		return
	}

	c.JSON(http.StatusAccepted, ingest.Response{Result: string(outcome)})
}

type GrantRequest struct {
	UserID     string    `json:"user_id" binding:"required"`
	FeatureKey string    `json:"feature_key" binding:"required"`
	EndDate    time.Time `json:"end_date" binding:"required"`
}

func (h *Handler) UpsertGrant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := entitlement.ParseFeatureKey(req.FeatureKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	grant := entitlement.Grant{UserID: req.UserID, Key: key, EndDate: req.EndDate.UTC()}
	if err := h.store.UpsertGrant(c.Request.Context(), grant); err != nil {
		h.fail(c, err, "User not found")
		return
	}

	h.logger.Info("Feature grant updated",
		zap.String("user_id", grant.UserID),
		zap.String("feature_key", string(grant.Key)),
		zap.Time("end_date", grant.EndDate),
	)

	c.JSON(http.StatusOK, grant)
}

func (h *Handler) GetEntitlements(c *gin.Context) {
	grants, err := h.store.ListGrants(c.Request.Context(), ownerID(c))
	if err != nil {
		h.fail(c, err, "Owner not found")
		return
	}
	c.JSON(http.StatusOK, entitlement.Resolve(grants, h.now()))
}
