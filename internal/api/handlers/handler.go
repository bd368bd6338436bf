package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-consensus/internal/api/middleware"
	"github.com/leozw/uptime-consensus/internal/consensus"
	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/incidents"
	"github.com/leozw/uptime-consensus/internal/status"
	"github.com/leozw/uptime-consensus/internal/store"
	"go.uber.org/zap"
)

// Store is the persistence the handlers touch directly. Status and incident
// reads go through their services.
type Store interface {
	store.SiteStore
	store.GrantStore
	Ping(ctx context.Context) error
}

// Aggregator receives worker observations.
type Aggregator interface {
	Ingest(ctx context.Context, obs *core.Observation) (consensus.Outcome, error)
	Forget(siteID string)
}

// SiteMetrics drops the series of deleted sites.
type SiteMetrics interface {
	RemoveSite(siteID string)
}

type Handler struct {
	store      Store
	aggregator Aggregator
	statuses   *status.Service
	incidents  *incidents.Service
	metrics    SiteMetrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewHandler(st Store, aggregator Aggregator, statuses *status.Service, incidents *incidents.Service, metrics SiteMetrics, logger *zap.Logger) *Handler {
	return &Handler{
		store:      st,
		aggregator: aggregator,
		statuses:   statuses,
		incidents:  incidents,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

func ownerID(c *gin.Context) string {
	return c.GetString(middleware.OwnerKey)
}

// fail maps store errors onto responses: not found is 404, an unavailable
// store is 503 and anything else is logged and answered with 500.
func (h *Handler) fail(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
	case store.IsRetriable(err):
		h.logger.Warn("Store unavailable",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// ownedSite loads the site named by the :id parameter and answers 404 when
// it belongs to someone else.
func (h *Handler) ownedSite(c *gin.Context) (*core.Site, bool) {
	site, err := h.store.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Site not found")
		return nil, false
	}
	if site.OwnerID != ownerID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Site not found"})
		return nil, false
	}
	return site, true
}
