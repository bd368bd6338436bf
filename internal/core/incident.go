package core

import "time"

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

type Incident struct {
	ID              string     `json:"id" db:"id"`
	SiteID          string     `json:"site_id" db:"site_id"`
	OwnerID         string     `json:"-" db:"owner_id"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	ResolvedAt      *time.Time `json:"resolved_at" db:"resolved_at"`
	Severity        string     `json:"severity" db:"severity"`
	AffectedChecks  int        `json:"affected_checks" db:"affected_checks"`
	DowntimeMinutes int        `json:"downtime_minutes" db:"downtime_minutes"`
	Cause           string     `json:"cause,omitempty" db:"cause"`
}

func (i *Incident) Active() bool {
	return i.ResolvedAt == nil
}

// MonthlyReport summarises one site's availability over a calendar month.
type MonthlyReport struct {
	SiteID            string    `json:"site_id"`
	OwnerID           string    `json:"owner_id"`
	SiteName          string    `json:"site_name"`
	SiteURL           string    `json:"site_url"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	Samples           int       `json:"samples"`
	UptimePercentage  *float64  `json:"uptime_percentage"`
	DowntimeMinutes   int       `json:"downtime_minutes"`
	AvgResponseTimeMs *int64    `json:"avg_response_time_ms"`
	Incidents         int       `json:"incidents"`
}
