// Package memory is an in-process store used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
	"github.com/leozw/uptime-consensus/internal/store"
)

type Store struct {
	mu sync.RWMutex

	sites        map[string]*core.Site
	grants       map[string][]entitlement.Grant
	observations map[string][]*core.Observation
	obsKeys      map[core.ObservationKey]struct{}
	statuses     map[string]*core.ConsensusStatus
	history      map[string][]store.Snapshot
	incidents    map[string]*core.Incident
	seq          int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sites:        make(map[string]*core.Site),
		grants:       make(map[string][]entitlement.Grant),
		observations: make(map[string][]*core.Observation),
		obsKeys:      make(map[core.ObservationKey]struct{}),
		statuses:     make(map[string]*core.ConsensusStatus),
		history:      make(map[string][]store.Snapshot),
		incidents:    make(map[string]*core.Incident),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Sites

func (s *Store) CreateSite(ctx context.Context, site *core.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sites[site.ID]; ok {
		return fmt.Errorf("site %s already exists", site.ID)
	}
	s.sites[site.ID] = site.Clone()
	return nil
}

func (s *Store) GetSite(ctx context.Context, id string) (*core.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	site, ok := s.sites[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return site.Clone(), nil
}

func (s *Store) UpdateSite(ctx context.Context, site *core.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sites[site.ID]; !ok {
		return store.ErrNotFound
	}
	s.sites[site.ID] = site.Clone()
	return nil
}

func (s *Store) DeleteSite(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sites[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sites, id)
	delete(s.statuses, id)
	delete(s.history, id)
	for _, obs := range s.observations[id] {
		delete(s.obsKeys, obs.Key())
	}
	delete(s.observations, id)
	for incidentID, incident := range s.incidents {
		if incident.SiteID == id {
			delete(s.incidents, incidentID)
		}
	}
	return nil
}

func (s *Store) ListSitesByOwner(ctx context.Context, ownerID string) ([]*core.Site, error) {
	return s.listSites(func(site *core.Site) bool { return site.OwnerID == ownerID }), nil
}

func (s *Store) ListActiveSites(ctx context.Context) ([]*core.Site, error) {
	return s.listSites(func(site *core.Site) bool { return site.Active }), nil
}

func (s *Store) CountSitesByOwner(ctx context.Context, ownerID string) (int, error) {
	return len(s.listSites(func(site *core.Site) bool { return site.OwnerID == ownerID })), nil
}

func (s *Store) listSites(match func(*core.Site) bool) []*core.Site {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sites := []*core.Site{}
	for _, site := range s.sites {
		if match(site) {
			sites = append(sites, site.Clone())
		}
	}
	sort.Slice(sites, func(i, j int) bool {
		if sites[i].CreatedAt.Equal(sites[j].CreatedAt) {
			return sites[i].ID < sites[j].ID
		}
		return sites[i].CreatedAt.Before(sites[j].CreatedAt)
	})
	return sites
}

// Grants

func (s *Store) ListGrants(ctx context.Context, userID string) ([]entitlement.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]entitlement.Grant(nil), s.grants[userID]...), nil
}

func (s *Store) UpsertGrant(ctx context.Context, grant entitlement.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants := s.grants[grant.UserID]
	for i := range grants {
		if grants[i].Key == grant.Key {
			grants[i].EndDate = grant.EndDate
			return nil
		}
	}
	s.grants[grant.UserID] = append(grants, grant)
	return nil
}

// Observations

func (s *Store) AppendObservation(ctx context.Context, obs *core.Observation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := obs.Key()
	if _, ok := s.obsKeys[key]; ok {
		return false, nil
	}
	s.obsKeys[key] = struct{}{}

	stored := *obs
	list := append(s.observations[obs.SiteID], &stored)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	s.observations[obs.SiteID] = list
	return true, nil
}

func (s *Store) ListObservationsSince(ctx context.Context, siteID string, since time.Time) ([]*core.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*core.Observation
	for _, obs := range s.observations[siteID] {
		if !obs.Timestamp.Before(since) {
			c := *obs
			result = append(result, &c)
		}
	}
	return result, nil
}

func (s *Store) LastObservationAt(ctx context.Context, siteID, workerID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, obs := range s.observations[siteID] {
		if obs.WorkerID == workerID && obs.Timestamp.After(last) {
			last = obs.Timestamp
		}
	}
	return last, nil
}

// Statuses

func (s *Store) SaveStatus(ctx context.Context, status *core.ConsensusStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.statuses[status.SiteID] = status.Clone()
	s.history[status.SiteID] = append(s.history[status.SiteID], store.Snapshot{
		Seq:    s.seq,
		Status: status.Clone(),
	})
	return nil
}

func (s *Store) GetStatus(ctx context.Context, siteID string) (*core.ConsensusStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.statuses[siteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return status.Clone(), nil
}

func (s *Store) ListStatusesByOwner(ctx context.Context, ownerID string) ([]*core.ConsensusStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := []*core.ConsensusStatus{}
	for _, status := range s.statuses {
		if status.OwnerID == ownerID {
			statuses = append(statuses, status.Clone())
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].SiteID < statuses[j].SiteID })
	return statuses, nil
}

func (s *Store) ListStatusHistory(ctx context.Context, siteID string, since time.Time, afterSeq int64, limit int) ([]store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var page []store.Snapshot
	for _, snap := range s.history[siteID] {
		if snap.Seq <= afterSeq || snap.Status.CheckedAt.Before(since) {
			continue
		}
		page = append(page, store.Snapshot{Seq: snap.Seq, Status: snap.Status.Clone()})
		if limit > 0 && len(page) == limit {
			break
		}
	}
	return page, nil
}

// Retention

func (s *Store) PruneObservations(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for siteID, list := range s.observations {
		kept := list[:0]
		for _, obs := range list {
			if obs.Timestamp.Before(before) {
				delete(s.obsKeys, obs.Key())
				removed++
				continue
			}
			kept = append(kept, obs)
		}
		if len(kept) == 0 {
			delete(s.observations, siteID)
			continue
		}
		s.observations[siteID] = kept
	}
	return removed, nil
}

func (s *Store) PruneStatusHistory(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for siteID, history := range s.history {
		kept := history[:0]
		for _, snap := range history {
			if snap.Status.CheckedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, snap)
		}
		if len(kept) == 0 {
			delete(s.history, siteID)
			continue
		}
		s.history[siteID] = kept
	}
	return removed, nil
}

// Incidents

func (s *Store) CreateIncident(ctx context.Context, incident *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incident.ID]; ok {
		return fmt.Errorf("incident %s already exists", incident.ID)
	}
	c := *incident
	s.incidents[incident.ID] = &c
	return nil
}

func (s *Store) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incident.ID]; !ok {
		return store.ErrNotFound
	}
	c := *incident
	s.incidents[incident.ID] = &c
	return nil
}

func (s *Store) GetActiveIncident(ctx context.Context, siteID string) (*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, incident := range s.incidents {
		if incident.SiteID == siteID && incident.Active() {
			c := *incident
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListIncidentsBySite(ctx context.Context, siteID string, limit int) ([]*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	incidents := []*core.Incident{}
	for _, incident := range s.incidents {
		if incident.SiteID == siteID {
			c := *incident
			incidents = append(incidents, &c)
		}
	}
	sort.Slice(incidents, func(i, j int) bool { return incidents[i].StartedAt.After(incidents[j].StartedAt) })
	if limit > 0 && len(incidents) > limit {
		incidents = incidents[:limit]
	}
	return incidents, nil
}

func (s *Store) CountIncidentsBetween(ctx context.Context, siteID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, incident := range s.incidents {
		if incident.SiteID == siteID && !incident.StartedAt.Before(from) && incident.StartedAt.Before(to) {
			count++
		}
	}
	return count, nil
}
