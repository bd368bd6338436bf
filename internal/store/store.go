// Package store declares the persistence contract shared by the Postgres
// repository and the in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/leozw/uptime-consensus/internal/entitlement"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks failures the caller should retry on a later cycle.
	ErrUnavailable = errors.New("store unavailable")
)

func IsRetriable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Snapshot is one entry of a site's status history.
type Snapshot struct {
	Seq    int64
	Status *core.ConsensusStatus
}

type SiteStore interface {
	CreateSite(ctx context.Context, site *core.Site) error
	GetSite(ctx context.Context, id string) (*core.Site, error)
	UpdateSite(ctx context.Context, site *core.Site) error
	DeleteSite(ctx context.Context, id string) error
	ListSitesByOwner(ctx context.Context, ownerID string) ([]*core.Site, error)
	ListActiveSites(ctx context.Context) ([]*core.Site, error)
	CountSitesByOwner(ctx context.Context, ownerID string) (int, error)
}

type GrantStore interface {
	ListGrants(ctx context.Context, userID string) ([]entitlement.Grant, error)
	UpsertGrant(ctx context.Context, grant entitlement.Grant) error
}

type ObservationStore interface {
	// AppendObservation stores obs and reports false when an observation
	// with the same key already exists.
	AppendObservation(ctx context.Context, obs *core.Observation) (bool, error)
	// ListObservationsSince returns observations of a site at or after since,
	// oldest first.
	ListObservationsSince(ctx context.Context, siteID string, since time.Time) ([]*core.Observation, error)
	// LastObservationAt returns the zero time when the worker never
	// observed the site.
	LastObservationAt(ctx context.Context, siteID, workerID string) (time.Time, error)
}

type StatusStore interface {
	// SaveStatus replaces the current status of the site and appends it to
	// the site's history.
	SaveStatus(ctx context.Context, status *core.ConsensusStatus) error
	GetStatus(ctx context.Context, siteID string) (*core.ConsensusStatus, error)
	ListStatusesByOwner(ctx context.Context, ownerID string) ([]*core.ConsensusStatus, error)
	// ListStatusHistory returns up to limit snapshots with CheckedAt at or
	// after since and Seq greater than afterSeq, ordered by Seq.
	ListStatusHistory(ctx context.Context, siteID string, since time.Time, afterSeq int64, limit int) ([]Snapshot, error)
}

// RetentionStore deletes rows that fell out of every read horizon.
type RetentionStore interface {
	PruneObservations(ctx context.Context, before time.Time) (int64, error)
	PruneStatusHistory(ctx context.Context, before time.Time) (int64, error)
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, incident *core.Incident) error
	UpdateIncident(ctx context.Context, incident *core.Incident) error
	GetActiveIncident(ctx context.Context, siteID string) (*core.Incident, error)
	ListIncidentsBySite(ctx context.Context, siteID string, limit int) ([]*core.Incident, error)
	CountIncidentsBetween(ctx context.Context, siteID string, from, to time.Time) (int, error)
}

type Store interface {
	SiteStore
	GrantStore
	ObservationStore
	StatusStore
	IncidentStore
	RetentionStore
	Ping(ctx context.Context) error
}
