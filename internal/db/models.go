package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
)

type siteRow struct {
	core.Site
	TCPPorts IntSlice `db:"tcp_ports"`
}

func newSiteRow(s *core.Site) *siteRow {
	return &siteRow{Site: *s, TCPPorts: IntSlice(s.TCPPorts)}
}

func (r *siteRow) toSite() *core.Site {
	s := r.Site
	s.TCPPorts = []int(r.TCPPorts)
	return &s
}

type observationRow struct {
	SiteID          string             `db:"site_id"`
	OwnerID         string             `db:"owner_id"`
	WorkerID        string             `db:"worker_id"`
	Region          string             `db:"region"`
	ObservedAt      time.Time          `db:"observed_at"`
	IntervalSeconds int                `db:"interval_seconds"`
	Checks          ObservationPayload `db:"checks"`
}

// ObservationPayload holds the per-check results of an observation as JSONB.
type ObservationPayload struct {
	Ping   *core.CheckResult  `json:"ping,omitempty"`
	HTTP   *core.HTTPResult   `json:"http,omitempty"`
	DNS    *core.DNSResult    `json:"dns,omitempty"`
	TCP    []core.TCPResult   `json:"tcp,omitempty"`
	SSL    *core.SSLResult    `json:"ssl,omitempty"`
	Domain *core.DomainResult `json:"domain,omitempty"`
}

func newObservationRow(o *core.Observation) *observationRow {
	return &observationRow{
		SiteID:          o.SiteID,
		OwnerID:         o.OwnerID,
		WorkerID:        o.WorkerID,
		Region:          o.Region,
		ObservedAt:      o.Timestamp,
		IntervalSeconds: o.IntervalSeconds,
		Checks: ObservationPayload{
			Ping:   o.Ping,
			HTTP:   o.HTTP,
			DNS:    o.DNS,
			TCP:    o.TCP,
			SSL:    o.SSL,
			Domain: o.Domain,
		},
	}
}

func (r *observationRow) toObservation() *core.Observation {
	return &core.Observation{
		SiteID:          r.SiteID,
		OwnerID:         r.OwnerID,
		WorkerID:        r.WorkerID,
		Region:          r.Region,
		Timestamp:       r.ObservedAt.UTC(),
		IntervalSeconds: r.IntervalSeconds,
		Ping:            r.Checks.Ping,
		HTTP:            r.Checks.HTTP,
		DNS:             r.Checks.DNS,
		TCP:             r.Checks.TCP,
		SSL:             r.Checks.SSL,
		Domain:          r.Checks.Domain,
	}
}

type statusRow struct {
	Seq       int64         `db:"seq"`
	SiteID    string        `db:"site_id"`
	OwnerID   string        `db:"owner_id"`
	IsUp      bool          `db:"is_up"`
	CheckedAt time.Time     `db:"checked_at"`
	Payload   StatusPayload `db:"payload"`
}

// StatusPayload stores the full consensus status as JSONB; the scalar
// columns next to it exist for filtering.
type StatusPayload core.ConsensusStatus

func newStatusRow(s *core.ConsensusStatus) *statusRow {
	return &statusRow{
		SiteID:    s.SiteID,
		OwnerID:   s.OwnerID,
		IsUp:      s.IsUp,
		CheckedAt: s.CheckedAt,
		Payload:   StatusPayload(*s),
	}
}

func (r *statusRow) toStatus() *core.ConsensusStatus {
	s := core.ConsensusStatus(r.Payload)
	s.SiteID = r.SiteID
	s.OwnerID = r.OwnerID
	return &s
}

// Custom types for PostgreSQL JSONB columns
type IntSlice []int

func (s IntSlice) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *IntSlice) Scan(value interface{}) error {
	if value == nil {
		*s = IntSlice{}
		return nil
	}
	return scanJSON(value, s)
}

func (p ObservationPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *ObservationPayload) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, p)
}

func (p StatusPayload) Value() (driver.Value, error) {
	return json.Marshal(core.ConsensusStatus(p))
}

func (p *StatusPayload) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var s core.ConsensusStatus
	if err := scanJSON(value, &s); err != nil {
		return err
	}
	*p = StatusPayload(s)
	return nil
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSONB column type %T", value)
	}
}
