// Package entitlement evaluates a tenant's feature grants into concrete
// limits: the fastest permitted check interval, the number of sites it may
// monitor and the optional capabilities it has unlocked.
//
// Every function is pure. The evaluation instant is passed in explicitly so
// that a grant expiring mid-request is judged consistently.
package entitlement

import (
	"fmt"
	"sort"
	"time"
)

type FeatureKey string

const (
	FeatureThirtySecondChecks  FeatureKey = "30_second_checks"
	FeatureOneMinuteChecks     FeatureKey = "1_minute_checks"
	FeatureSites25             FeatureKey = "sites_25"
	FeatureSites100            FeatureKey = "sites_100"
	FeatureUnlimitedSites      FeatureKey = "unlimited_sites"
	FeatureAdvancedDiagnostics FeatureKey = "advanced_diagnostics"
	FeatureNotifications       FeatureKey = "notifications"
	FeatureMonthlyReports      FeatureKey = "monthly_reports"
	FeatureWhiteLabel          FeatureKey = "white_label"
	FeatureCustomDomain        FeatureKey = "custom_domain"
)

var knownFeatures = map[FeatureKey]struct{}{
	FeatureThirtySecondChecks:  {},
	FeatureOneMinuteChecks:     {},
	FeatureSites25:             {},
	FeatureSites100:            {},
	FeatureUnlimitedSites:      {},
	FeatureAdvancedDiagnostics: {},
	FeatureNotifications:       {},
	FeatureMonthlyReports:      {},
	FeatureWhiteLabel:          {},
	FeatureCustomDomain:        {},
}

const (
	// BaselineIntervalSeconds is the free-tier floor. Any interval at or
	// above it is always permitted.
	BaselineIntervalSeconds = 300
	OneMinuteSeconds        = 60
	ThirtySecondsSeconds    = 30

	FreeSiteLimit = 5
	// Unlimited is returned by MaxSites when no cap applies.
	Unlimited = -1
)

// PermittedIntervals are the check intervals, in seconds, a site may be
// configured with. Entitlements decide the lower bound.
var PermittedIntervals = []int{30, 60, 120, 300, 600, 900, 1800, 3600}

// Grant is a time-bounded entitlement. It is active while EndDate is in
// the future.
type Grant struct {
	UserID  string     `json:"user_id" db:"user_id"`
	Key     FeatureKey `json:"feature_key" db:"feature_key"`
	EndDate time.Time  `json:"end_date" db:"end_date"`
}

func (g Grant) ActiveAt(now time.Time) bool {
	return g.EndDate.After(now)
}

// ParseFeatureKey validates a key coming from outside the process.
func ParseFeatureKey(raw string) (FeatureKey, error) {
	key := FeatureKey(raw)
	if _, ok := knownFeatures[key]; !ok {
		return "", fmt.Errorf("unknown feature key %q", raw)
	}
	return key, nil
}

func (k FeatureKey) Valid() bool {
	_, ok := knownFeatures[k]
	return ok
}

func IsFeatureActive(grants []Grant, key FeatureKey, now time.Time) bool {
	for _, g := range grants {
		if g.Key == key && g.ActiveAt(now) {
			return true
		}
	}
	return false
}

func AllFeaturesActive(grants []Grant, keys []FeatureKey, now time.Time) bool {
	for _, key := range keys {
		if !IsFeatureActive(grants, key, now) {
			return false
		}
	}
	return true
}

func AnyFeatureActive(grants []Grant, keys []FeatureKey, now time.Time) bool {
	for _, key := range keys {
		if IsFeatureActive(grants, key, now) {
			return true
		}
	}
	return false
}

// MinimumCheckIntervalSeconds returns the fastest interval the grants allow.
func MinimumCheckIntervalSeconds(grants []Grant, now time.Time) int {
	switch {
	case IsFeatureActive(grants, FeatureThirtySecondChecks, now):
		return ThirtySecondsSeconds
	case IsFeatureActive(grants, FeatureOneMinuteChecks, now):
		return OneMinuteSeconds
	default:
		return BaselineIntervalSeconds
	}
}

func CanUseInterval(grants []Grant, requestedSeconds int, now time.Time) bool {
	if requestedSeconds >= BaselineIntervalSeconds {
		return true
	}
	return requestedSeconds >= MinimumCheckIntervalSeconds(grants, now)
}

// ClampInterval returns the smallest permitted interval that is not below
// either the requested interval or the entitlement minimum. Requests above
// the largest permitted interval are capped to it.
func ClampInterval(grants []Grant, requestedSeconds int, now time.Time) int {
	floor := max(requestedSeconds, MinimumCheckIntervalSeconds(grants, now))
	idx := sort.SearchInts(PermittedIntervals, floor)
	if idx == len(PermittedIntervals) {
		return PermittedIntervals[len(PermittedIntervals)-1]
	}
	return PermittedIntervals[idx]
}

// MaxSites returns how many sites the tenant may monitor, or Unlimited.
func MaxSites(grants []Grant, now time.Time) int {
	switch {
	case IsFeatureActive(grants, FeatureUnlimitedSites, now):
		return Unlimited
	case IsFeatureActive(grants, FeatureSites100, now):
		return 100
	case IsFeatureActive(grants, FeatureSites25, now):
		return 25
	default:
		return FreeSiteLimit
	}
}

// CanAddSite reports whether a tenant that already owns current sites may
// create another one.
func CanAddSite(grants []Grant, current int, now time.Time) bool {
	limit := MaxSites(grants, now)
	return limit == Unlimited || current < limit
}

type Capabilities struct {
	MinimumIntervalSeconds int          `json:"minimum_interval_seconds"`
	AllowedIntervals       []int        `json:"allowed_intervals"`
	MaxSites               int          `json:"max_sites"`
	Features               []FeatureKey `json:"features"`
}

// Resolve summarises the currently active grants.
func Resolve(grants []Grant, now time.Time) Capabilities {
	minimum := MinimumCheckIntervalSeconds(grants, now)

	allowed := make([]int, 0, len(PermittedIntervals))
	for _, interval := range PermittedIntervals {
		if CanUseInterval(grants, interval, now) {
			allowed = append(allowed, interval)
		}
	}

	seen := make(map[FeatureKey]struct{})
	features := make([]FeatureKey, 0, len(grants))
	for _, g := range grants {
		if !g.ActiveAt(now) || !g.Key.Valid() {
			continue
		}
		if _, ok := seen[g.Key]; ok {
			continue
		}
		seen[g.Key] = struct{}{}
		features = append(features, g.Key)
	}
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })

	return Capabilities{
		MinimumIntervalSeconds: minimum,
		AllowedIntervals:       allowed,
		MaxSites:               MaxSites(grants, now),
		Features:               features,
	}
}
