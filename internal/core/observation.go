package core

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidObservation = errors.New("invalid observation")

type CheckResult struct {
	IsUp           bool   `json:"is_up"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

type HTTPResult struct {
	CheckResult
	StatusCode int `json:"status_code,omitempty"`
}

type DNSResult struct {
	CheckResult
	Nameservers       []string `json:"nameservers,omitempty"`
	ResolvedAddresses []string `json:"resolved_addresses,omitempty"`
}

type TCPResult struct {
	Port           int    `json:"port"`
	IsUp           bool   `json:"is_up"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

type SSLResult struct {
	Present         bool       `json:"present"`
	Valid           bool       `json:"valid"`
	ValidFrom       *time.Time `json:"valid_from,omitempty"`
	ValidTo         *time.Time `json:"valid_to,omitempty"`
	Issuer          string     `json:"issuer,omitempty"`
	DaysUntilExpiry int        `json:"days_until_expiry"`
	Error           string     `json:"error,omitempty"`
}

// DomainResult carries registration data from WHOIS. Only collected for
// tenants with advanced diagnostics.
type DomainResult struct {
	Present         bool       `json:"present"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DaysUntilExpiry int        `json:"days_until_expiry"`
	Registrar       string     `json:"registrar,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Observation is one worker's probe of one site. A nil check means the
// check was not configured or not run and is excluded from votes and uptime.
// Observations are never modified once stored.
type Observation struct {
	SiteID          string        `json:"site_id"`
	OwnerID         string        `json:"owner_id"`
	WorkerID        string        `json:"worker_id"`
	Region          string        `json:"region,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	IntervalSeconds int           `json:"interval_seconds"`
	Ping            *CheckResult  `json:"ping,omitempty"`
	HTTP            *HTTPResult   `json:"http,omitempty"`
	DNS             *DNSResult    `json:"dns,omitempty"`
	TCP             []TCPResult   `json:"tcp,omitempty"`
	SSL             *SSLResult    `json:"ssl,omitempty"`
	Domain          *DomainResult `json:"domain,omitempty"`
}

// ObservationKey identifies an observation. Two observations with the same
// key are the same observation.
type ObservationKey struct {
	SiteID    string
	WorkerID  string
	Timestamp int64
}

func (o *Observation) Key() ObservationKey {
	return ObservationKey{
		SiteID:    o.SiteID,
		WorkerID:  o.WorkerID,
		Timestamp: o.Timestamp.UnixNano(),
	}
}

// NormalizeTimestamp truncates to the precision Postgres keeps so that keys
// survive a round trip through the store.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (o *Observation) Validate() error {
	switch {
	case o.SiteID == "":
		return fmt.Errorf("%w: missing site_id", ErrInvalidObservation)
	case o.WorkerID == "":
		return fmt.Errorf("%w: missing worker_id", ErrInvalidObservation)
	case o.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidObservation)
	case o.IntervalSeconds < 0:
		return fmt.Errorf("%w: negative interval_seconds", ErrInvalidObservation)
	}

	for _, r := range []*CheckResult{o.Ping, httpBase(o.HTTP), dnsBase(o.DNS)} {
		if r != nil && r.ResponseTimeMs < 0 {
			return fmt.Errorf("%w: negative response time", ErrInvalidObservation)
		}
	}

	seen := make(map[int]struct{}, len(o.TCP))
	for _, t := range o.TCP {
		if t.Port < 1 || t.Port > 65535 {
			return fmt.Errorf("%w: tcp port %d out of range", ErrInvalidObservation, t.Port)
		}
		if _, dup := seen[t.Port]; dup {
			return fmt.Errorf("%w: tcp port %d reported twice", ErrInvalidObservation, t.Port)
		}
		seen[t.Port] = struct{}{}
	}
	return nil
}

// HasAvailabilityData reports whether the observation carries any of the
// checks that decide overall availability.
func (o *Observation) HasAvailabilityData() bool {
	return o.HTTP != nil || o.Ping != nil || o.DNS != nil
}

func httpBase(r *HTTPResult) *CheckResult {
	if r == nil {
		return nil
	}
	return &r.CheckResult
}

func dnsBase(r *DNSResult) *CheckResult {
	if r == nil {
		return nil
	}
	return &r.CheckResult
}
