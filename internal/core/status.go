package core

import "time"

// ConsensusWorkerID is reported as the worker of every merged status.
const ConsensusWorkerID = "consensus_worker"

type TCPStatus struct {
	Port  int    `json:"port"`
	IsUp  bool   `json:"isUp"`
	Error string `json:"error,omitempty"`
}

type DNSRecords struct {
	Addresses []string `json:"addresses"`
}

// ConsensusStatus is the authoritative status of a site, derived from the
// observations in its window. Pointer fields are nil when no observation
// carried that check.
type ConsensusStatus struct {
	SiteID                  string      `json:"siteId"`
	OwnerID                 string      `json:"-"`
	IsUp                    bool        `json:"isUp"`
	HTTPIsUp                *bool       `json:"httpIsUp"`
	PingIsUp                *bool       `json:"pingIsUp"`
	DNSIsUp                 *bool       `json:"dnsIsUp"`
	OverallUptime           *float64    `json:"overallUptime"`
	HTTPUptime              *float64    `json:"httpUptime"`
	PingUptime              *float64    `json:"pingUptime"`
	DNSUptime               *float64    `json:"dnsUptime"`
	CheckedAt               time.Time   `json:"checkedAt"`
	WorkerID                string      `json:"workerId"`
	ContributingWorkerCount int         `json:"contributingWorkerCount"`
	AvgResponseTimeMs       *int64      `json:"avgResponseTimeMs"`
	DNSNameservers          []string    `json:"dnsNameservers"`
	DNSRecords              DNSRecords  `json:"dnsRecords"`
	TCPChecks               []TCPStatus `json:"tcpChecks"`
	HasSSL                  bool        `json:"hasSsl"`
	SSLValid                *bool       `json:"sslValid,omitempty"`
	SSLValidFrom            *time.Time  `json:"sslValidFrom"`
	SSLValidTo              *time.Time  `json:"sslValidTo"`
	SSLIssuer               string      `json:"sslIssuer"`
	SSLDaysUntilExpiry      *int        `json:"sslDaysUntilExpiry"`
	DomainExpiresAt         *time.Time  `json:"domainExpiresAt,omitempty"`
	DomainDaysUntilExpiry   *int        `json:"domainDaysUntilExpiry,omitempty"`
	UpdatedAt               time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy.
func (s *ConsensusStatus) Clone() *ConsensusStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.HTTPIsUp = cloneBool(s.HTTPIsUp)
	c.PingIsUp = cloneBool(s.PingIsUp)
	c.DNSIsUp = cloneBool(s.DNSIsUp)
	c.SSLValid = cloneBool(s.SSLValid)
	c.OverallUptime = cloneFloat(s.OverallUptime)
	c.HTTPUptime = cloneFloat(s.HTTPUptime)
	c.PingUptime = cloneFloat(s.PingUptime)
	c.DNSUptime = cloneFloat(s.DNSUptime)
	if s.AvgResponseTimeMs != nil {
		v := *s.AvgResponseTimeMs
		c.AvgResponseTimeMs = &v
	}
	if s.SSLDaysUntilExpiry != nil {
		v := *s.SSLDaysUntilExpiry
		c.SSLDaysUntilExpiry = &v
	}
	if s.DomainDaysUntilExpiry != nil {
		v := *s.DomainDaysUntilExpiry
		c.DomainDaysUntilExpiry = &v
	}
	c.DNSNameservers = append([]string(nil), s.DNSNameservers...)
	c.DNSRecords.Addresses = append([]string(nil), s.DNSRecords.Addresses...)
	c.TCPChecks = append([]TCPStatus(nil), s.TCPChecks...)
	return &c
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func BoolPtr(b bool) *bool { return &b }

func Float64Ptr(f float64) *float64 { return &f }
