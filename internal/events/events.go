package events

import (
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
)

type Type string

const (
	// StatusUpdated is published after every recompute of a site's status.
	StatusUpdated Type = "status.updated"
	// StatusChanged is published when a site's overall availability flips,
	// or when its first status is down.
	StatusChanged Type = "status.changed"
	// ReportDue carries a monthly report ready for delivery.
	ReportDue Type = "report.due"
)

type Event struct {
	Type       Type                  `json:"type"`
	SiteID     string                `json:"site_id"`
	OwnerID    string                `json:"owner_id"`
	Status     *core.ConsensusStatus `json:"status,omitempty"`
	Previous   *core.ConsensusStatus `json:"previous,omitempty"`
	Report     *core.MonthlyReport   `json:"report,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

type Publisher interface {
	Publish(event Event)
}
