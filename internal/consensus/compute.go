// Package consensus merges observations from independent workers into one
// authoritative status per site.
package consensus

import (
	"sort"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
)

// Params control how a window is merged.
type Params struct {
	// FreshnessFactor multiplies the newest observation's interval to get
	// the freshness horizon for quorum votes.
	FreshnessFactor float64
	// DefaultFreshness applies when the newest observation has no interval.
	DefaultFreshness time.Duration
	Now              time.Time
}

// FreshnessHorizon is the maximum age, relative to newest, of an
// observation that still takes part in the vote.
func (p Params) FreshnessHorizon(newest *core.Observation) time.Duration {
	if newest == nil || newest.IntervalSeconds <= 0 || p.FreshnessFactor <= 0 {
		return p.DefaultFreshness
	}
	return time.Duration(float64(newest.IntervalSeconds) * p.FreshnessFactor * float64(time.Second))
}

// anchor is the instant the freshness horizon is measured back from: the
// newest observation, capped at Now so a worker with a fast clock cannot
// push the others out of the vote.
func (p Params) anchor(newest *core.Observation) time.Time {
	if !p.Now.IsZero() && newest.Timestamp.After(p.Now) {
		return p.Now
	}
	return newest.Timestamp
}

// Compute derives a status from the observations of one site. window must
// be ordered by (Timestamp, WorkerID); previous may be nil. The result only
// depends on the window contents, so replays and reordered arrivals that
// produce the same window produce the same status.
func Compute(siteID, ownerID string, window []*core.Observation, previous *core.ConsensusStatus, p Params) *core.ConsensusStatus {
	status := &core.ConsensusStatus{
		SiteID:    siteID,
		OwnerID:   ownerID,
		WorkerID:  core.ConsensusWorkerID,
		UpdatedAt: p.Now,
	}
	if previous != nil {
		status.CheckedAt = previous.CheckedAt
		if status.OwnerID == "" {
			status.OwnerID = previous.OwnerID
		}
	}
	if len(window) == 0 {
		return status
	}

	newest := window[len(window)-1]
	anchor := p.anchor(newest)
	if anchor.After(status.CheckedAt) {
		status.CheckedAt = anchor
	}

	fresh := latestPerWorker(window, anchor.Add(-p.FreshnessHorizon(newest)))
	status.ContributingWorkerCount = len(fresh)

	status.HTTPIsUp = vote(fresh, httpUp)
	status.PingIsUp = vote(fresh, pingUp)
	status.DNSIsUp = vote(fresh, dnsUp)
	status.IsUp = overall(status.HTTPIsUp, status.PingIsUp, status.DNSIsUp)
	status.TCPChecks = voteTCP(fresh)

	status.HTTPUptime = uptime(window, httpUp)
	status.PingUptime = uptime(window, pingUp)
	status.DNSUptime = uptime(window, dnsUp)
	status.OverallUptime = uptime(window, observationUp)

	status.AvgResponseTimeMs = avgResponseTime(fresh)
	status.DNSNameservers, status.DNSRecords.Addresses = dnsRecords(fresh)
	applySSL(status, fresh)
	applyDomain(status, fresh)

	return status
}

// latestPerWorker keeps the most recent observation of each worker that is
// not older than freshFrom, ordered by worker ID.
func latestPerWorker(window []*core.Observation, freshFrom time.Time) []*core.Observation {
	latest := make(map[string]*core.Observation)
	for _, obs := range window {
		if obs.Timestamp.Before(freshFrom) {
			continue
		}
		latest[obs.WorkerID] = obs
	}

	fresh := make([]*core.Observation, 0, len(latest))
	for _, obs := range latest {
		fresh = append(fresh, obs)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].WorkerID < fresh[j].WorkerID })
	return fresh
}

// checkValue extracts one check's verdict from an observation; nil means the
// observation has no data for it.
type checkValue func(*core.Observation) *bool

func httpUp(o *core.Observation) *bool {
	if o.HTTP == nil {
		return nil
	}
	return &o.HTTP.IsUp
}

func pingUp(o *core.Observation) *bool {
	if o.Ping == nil {
		return nil
	}
	return &o.Ping.IsUp
}

func dnsUp(o *core.Observation) *bool {
	if o.DNS == nil {
		return nil
	}
	return &o.DNS.IsUp
}

func observationUp(o *core.Observation) *bool {
	if !o.HasAvailabilityData() {
		return nil
	}
	up := overall(httpUp(o), pingUp(o), dnsUp(o))
	return &up
}

// isMajority: strict majority is up, one voter decides alone and an even
// split counts as down.
func isMajority(up, total int) bool {
	return up*2 > total
}

func vote(fresh []*core.Observation, value checkValue) *bool {
	up, total := 0, 0
	for _, obs := range fresh {
		v := value(obs)
		if v == nil {
			continue
		}
		total++
		if *v {
			up++
		}
	}
	if total == 0 {
		return nil
	}
	return core.BoolPtr(isMajority(up, total))
}

// overall requires HTTP and ping to be up when they have data. DNS only
// decides when neither does; no data at all is down.
func overall(http, ping, dns *bool) bool {
	if http != nil || ping != nil {
		return (http == nil || *http) && (ping == nil || *ping)
	}
	if dns != nil {
		return *dns
	}
	return false
}

func voteTCP(fresh []*core.Observation) []core.TCPStatus {
	type tally struct {
		up, total int
		lastError string
	}
	tallies := make(map[int]*tally)
	for _, obs := range fresh {
		for _, r := range obs.TCP {
			t, ok := tallies[r.Port]
			if !ok {
				t = &tally{}
				tallies[r.Port] = t
			}
			t.total++
			if r.IsUp {
				t.up++
			} else if t.lastError == "" {
				t.lastError = r.Error
			}
		}
	}
	if len(tallies) == 0 {
		return nil
	}

	checks := make([]core.TCPStatus, 0, len(tallies))
	for port, t := range tallies {
		s := core.TCPStatus{Port: port, IsUp: isMajority(t.up, t.total)}
		if !s.IsUp {
			s.Error = t.lastError
		}
		checks = append(checks, s)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Port < checks[j].Port })
	return checks
}

// uptime is the share of observations in the window reporting up, over the
// observations that carry the check at all.
func uptime(window []*core.Observation, value checkValue) *float64 {
	up, total := 0, 0
	for _, obs := range window {
		v := value(obs)
		if v == nil {
			continue
		}
		total++
		if *v {
			up++
		}
	}
	if total == 0 {
		return nil
	}
	return core.Float64Ptr(float64(up) / float64(total) * 100)
}

func avgResponseTime(fresh []*core.Observation) *int64 {
	var sum, n int64
	for _, obs := range fresh {
		if obs.HTTP != nil && obs.HTTP.IsUp {
			sum += obs.HTTP.ResponseTimeMs
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / n
	return &avg
}

func dnsRecords(fresh []*core.Observation) ([]string, []string) {
	nameservers := make(map[string]struct{})
	addresses := make(map[string]struct{})
	for _, obs := range fresh {
		if obs.DNS == nil {
			continue
		}
		for _, ns := range obs.DNS.Nameservers {
			nameservers[ns] = struct{}{}
		}
		for _, addr := range obs.DNS.ResolvedAddresses {
			addresses[addr] = struct{}{}
		}
	}
	return sortedKeys(nameservers), sortedKeys(addresses)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// newestWith returns the most recent fresh observation for which has is true.
func newestWith(fresh []*core.Observation, has func(*core.Observation) bool) *core.Observation {
	var best *core.Observation
	for _, obs := range fresh {
		if !has(obs) {
			continue
		}
		if best == nil || obs.Timestamp.After(best.Timestamp) {
			best = obs
		}
	}
	return best
}

func applySSL(status *core.ConsensusStatus, fresh []*core.Observation) {
	obs := newestWith(fresh, func(o *core.Observation) bool { return o.SSL != nil && o.SSL.Present })
	if obs == nil {
		return
	}
	ssl := obs.SSL
	days := ssl.DaysUntilExpiry
	status.HasSSL = true
	status.SSLValid = core.BoolPtr(ssl.Valid)
	status.SSLValidFrom = ssl.ValidFrom
	status.SSLValidTo = ssl.ValidTo
	status.SSLIssuer = ssl.Issuer
	status.SSLDaysUntilExpiry = &days
}

func applyDomain(status *core.ConsensusStatus, fresh []*core.Observation) {
	obs := newestWith(fresh, func(o *core.Observation) bool { return o.Domain != nil && o.Domain.Present })
	if obs == nil {
		return
	}
	days := obs.Domain.DaysUntilExpiry
	status.DomainExpiresAt = obs.Domain.ExpiresAt
	status.DomainDaysUntilExpiry = &days
}
