package checks

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/likexian/whois"
	"github.com/leozw/uptime-consensus/internal/core"
	"golang.org/x/net/publicsuffix"
)

var expiryPatterns = []string{
	"Registry Expiry Date:",
	"Registrar Registration Expiration Date:",
	"Expiry Date:",
	"Expiration Date:",
	"Expires:",
	"Expiry:",
	"paid-till:",
}

var registrarPatterns = []string{
	"Registrar:",
	"Sponsoring Registrar:",
}

var dateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.0Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
}

type DomainChecker struct {
	client *whois.Client
	lookup func(domain string) (string, error)
	now    func() time.Time
}

func NewDomainChecker(timeout time.Duration) *DomainChecker {
	client := whois.NewClient()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	d := &DomainChecker{client: client, now: time.Now}
	d.lookup = func(domain string) (string, error) { return d.client.Whois(domain) }
	return d
}

// Lookup fetches the registration record of host's registrable domain.
func (d *DomainChecker) Lookup(ctx context.Context, host string) *core.DomainResult {
	result := &core.DomainResult{}

	domain := registrableDomain(host)
	if domain == "" {
		result.Error = fmt.Sprintf("No registrable domain in %q", host)
		return result
	}

	type answer struct {
		data string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		data, err := d.lookup(domain)
		done <- answer{data, err}
	}()

	var data string
	select {
	case <-ctx.Done():
		result.Error = fmt.Sprintf("WHOIS lookup failed: %v", ctx.Err())
		return result
	case a := <-done:
		if a.err != nil {
			result.Error = fmt.Sprintf("WHOIS lookup failed: %v", a.err)
			return result
		}
		data = a.data
	}

	expiry := extractExpiryDate(data)
	result.Registrar = extractField(data, registrarPatterns)
	if expiry.IsZero() {
		result.Error = "Could not extract expiry date from WHOIS data"
		return result
	}

	expiry = expiry.UTC()
	result.Present = true
	result.ExpiresAt = &expiry
	result.DaysUntilExpiry = int(expiry.Sub(d.now()).Hours() / 24)
	return result
}

// registrableDomain is the name a registrar holds for host: its public
// suffix plus one label.
func registrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

func extractExpiryDate(whoisData string) time.Time {
	for _, line := range strings.Split(whoisData, "\n") {
		value, ok := matchPrefix(strings.TrimSpace(line), expiryPatterns)
		if !ok {
			continue
		}
		for _, format := range dateFormats {
			if t, err := time.Parse(format, value); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func extractField(whoisData string, patterns []string) string {
	for _, line := range strings.Split(whoisData, "\n") {
		if value, ok := matchPrefix(strings.TrimSpace(line), patterns); ok && value != "" {
			return value
		}
	}
	return ""
}

func matchPrefix(line string, patterns []string) (string, bool) {
	lower := strings.ToLower(line)
	for _, pattern := range patterns {
		if strings.HasPrefix(lower, strings.ToLower(pattern)) {
			return strings.TrimSpace(line[len(pattern):]), true
		}
	}
	return "", false
}
