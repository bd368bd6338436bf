// Package status answers current-status, history and statistics queries
// for dashboards and public status pages.
package status

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultHistoryHours = 24
	defaultPageSize     = 500
)

type Store interface {
	GetStatus(ctx context.Context, siteID string) (*core.ConsensusStatus, error)
	ListStatusesByOwner(ctx context.Context, ownerID string) ([]*core.ConsensusStatus, error)
	ListStatusHistory(ctx context.Context, siteID string, since time.Time, afterSeq int64, limit int) ([]store.Snapshot, error)
	ListSitesByOwner(ctx context.Context, ownerID string) ([]*core.Site, error)
}

// Statistics summarizes an owner's fleet. It is derived from current
// statuses on every call.
type Statistics struct {
	TotalSites             int `json:"totalSites"`
	OnlineSites            int `json:"onlineSites"`
	SitesWithSSL           int `json:"sitesWithSsl"`
	SitesWithNotifications int `json:"sitesWithNotifications"`
}

type Service struct {
	store    Store
	logger   *zap.Logger
	window   time.Duration
	pageSize int
	now      func() time.Time
}

// NewService returns a query service. History requests are clamped to
// window.
func NewService(st Store, window time.Duration, logger *zap.Logger) *Service {
	if window <= 0 {
		window = DefaultHistoryHours * time.Hour
	}
	return &Service{
		store:    st,
		logger:   logger,
		window:   window,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
}

// GetCurrentStatus returns nil without error when the site was never
// checked.
func (s *Service) GetCurrentStatus(ctx context.Context, siteID string) (*core.ConsensusStatus, error) {
	status, err := s.store.GetStatus(ctx, siteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", siteID, err)
	}
	return status, nil
}

// HistorySince is the oldest CheckedAt included in a history of the given
// number of hours.
func (s *Service) HistorySince(hours int) time.Time {
	if hours <= 0 {
		hours = DefaultHistoryHours
	}
	// Compare in hours first; large counts overflow a Duration.
	if int64(hours) > int64(s.window/time.Hour) {
		return s.now().Add(-s.window)
	}
	return s.now().Add(-min(time.Duration(hours)*time.Hour, s.window))
}

// GetStatusHistory yields the site's snapshots of the last hours, oldest
// first. Snapshots are read from the store page by page as the sequence is
// consumed; ranging over it again starts a fresh read.
func (s *Service) GetStatusHistory(ctx context.Context, siteID string, hours int) iter.Seq2[*core.ConsensusStatus, error] {
	return func(yield func(*core.ConsensusStatus, error) bool) {
		since := s.HistorySince(hours)
		var afterSeq int64
		for {
			page, err := s.store.ListStatusHistory(ctx, siteID, since, afterSeq, s.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("list status history %s: %w", siteID, err))
				return
			}
			for _, snap := range page {
				if !yield(snap.Status, nil) {
					return
				}
				afterSeq = snap.Seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// CollectHistory drains GetStatusHistory into a slice.
func (s *Service) CollectHistory(ctx context.Context, siteID string, hours int) ([]*core.ConsensusStatus, error) {
	history := []*core.ConsensusStatus{}
	for status, err := range s.GetStatusHistory(ctx, siteID, hours) {
		if err != nil {
			return nil, err
		}
		history = append(history, status)
	}
	return history, nil
}

func (s *Service) GetAggregateStatistics(ctx context.Context, ownerID string) (*Statistics, error) {
	sites, err := s.store.ListSitesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	statuses, err := s.store.ListStatusesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}

	current := make(map[string]*core.ConsensusStatus, len(statuses))
	for _, st := range statuses {
		current[st.SiteID] = st
	}

	stats := &Statistics{TotalSites: len(sites)}
	for _, site := range sites {
		if site.NotificationsEnabled {
			stats.SitesWithNotifications++
		}
		st, ok := current[site.ID]
		if !ok {
			continue
		}
		if st.IsUp {
			stats.OnlineSites++
		}
		if st.HasSSL {
			stats.SitesWithSSL++
		}
	}
	return stats, nil
}
