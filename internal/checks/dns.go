package checks

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
	"github.com/miekg/dns"
)

const defaultDNSServer = "8.8.8.8:53"

type DNSChecker struct {
	client *dns.Client
	server string
}

func NewDNSChecker(server string) *DNSChecker {
	if server == "" {
		server = defaultDNSServer
	}
	return &DNSChecker{client: new(dns.Client), server: server}
}

// Check resolves A and AAAA records for host and collects the nameservers
// of its zone. The check is up when at least one address resolves.
func (d *DNSChecker) Check(ctx context.Context, host string) *core.DNSResult {
	result := &core.DNSResult{}

	if ip := net.ParseIP(host); ip != nil {
		result.IsUp = true
		result.ResolvedAddresses = []string{ip.String()}
		return result
	}

	start := time.Now()
	var errs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := d.query(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		for _, rr := range answers {
			switch r := rr.(type) {
			case *dns.A:
				result.ResolvedAddresses = append(result.ResolvedAddresses, r.A.String())
			case *dns.AAAA:
				result.ResolvedAddresses = append(result.ResolvedAddresses, r.AAAA.String())
			}
		}
	}
	result.ResponseTimeMs = elapsedMs(start)
	result.Nameservers = d.nameservers(ctx, host)
	sort.Strings(result.ResolvedAddresses)

	if len(result.ResolvedAddresses) == 0 {
		if len(errs) > 0 {
			result.Error = strings.Join(errs, "; ")
		} else {
			result.Error = fmt.Sprintf("No A or AAAA records found for %s", host)
		}
		return result
	}

	result.IsUp = true
	return result
}

// nameservers walks up the labels of host until a zone answers with NS
// records.
func (d *DNSChecker) nameservers(ctx context.Context, host string) []string {
	labels := dns.SplitDomainName(host)
	for i := 0; i < len(labels)-1; i++ {
		name := strings.Join(labels[i:], ".")
		answers, err := d.query(ctx, name, dns.TypeNS)
		if err != nil {
			continue
		}
		var servers []string
		for _, rr := range answers {
			if ns, ok := rr.(*dns.NS); ok {
				servers = append(servers, strings.TrimSuffix(ns.Ns, "."))
			}
		}
		if len(servers) > 0 {
			sort.Strings(servers)
			return servers
		}
	}
	return nil
}

func (d *DNSChecker) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("DNS %s query failed: %w", dns.TypeToString[qtype], err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("DNS %s query failed with code: %s", dns.TypeToString[qtype], dns.RcodeToString[r.Rcode])
	}
	return r.Answer, nil
}
