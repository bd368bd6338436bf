package checks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
)

type SSLChecker struct {
	now   func() time.Time
	roots *x509.CertPool
}

func NewSSLChecker() *SSLChecker {
	return &SSLChecker{now: time.Now}
}

// Check inspects the certificate served for rawURL. The handshake itself
// skips verification so that expired or mismatched certificates can still
// be reported; validity is decided afterwards against the system roots.
func (s *SSLChecker) Check(ctx context.Context, rawURL string) *core.SSLResult {
	result := &core.SSLResult{}

	u, err := url.Parse(rawURL)
	if err != nil {
		result.Error = fmt.Sprintf("Invalid URL: %v", err)
		return result
	}
	hostname := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName:         hostname,
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(hostname, port))
	if err != nil {
		result.Error = fmt.Sprintf("SSL connection failed: %v", err)
		return result
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		result.Error = "No certificates found"
		return result
	}

	cert := certs[0]
	now := s.now()
	validFrom := cert.NotBefore.UTC()
	validTo := cert.NotAfter.UTC()

	result.Present = true
	result.ValidFrom = &validFrom
	result.ValidTo = &validTo
	result.Issuer = issuerName(cert)
	result.DaysUntilExpiry = int(cert.NotAfter.Sub(now).Hours() / 24)

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err = cert.Verify(x509.VerifyOptions{
		DNSName:       hostname,
		Roots:         s.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
	})
	switch {
	case now.Before(cert.NotBefore):
		result.Error = "Certificate not yet valid"
	case now.After(cert.NotAfter):
		result.Error = "Certificate has expired"
	case err != nil:
		result.Error = fmt.Sprintf("Certificate verification failed: %v", err)
	default:
		result.Valid = true
	}
	return result
}

func issuerName(cert *x509.Certificate) string {
	if len(cert.Issuer.Organization) > 0 {
		return cert.Issuer.Organization[0]
	}
	if cert.Issuer.CommonName != "" {
		return cert.Issuer.CommonName
	}
	return cert.Issuer.String()
}
