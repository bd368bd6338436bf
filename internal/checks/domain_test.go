package checks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractExpiryDate(t *testing.T) {
	tests := []struct {
		name string
		data string
		want time.Time
	}{
		{
			name: "registry expiry",
			data: "Domain Name: EXAMPLE.COM\nRegistry Expiry Date: 2027-08-13T04:00:00Z\n",
			want: time.Date(2027, 8, 13, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "case insensitive",
			data: "   expiration date: 2027-01-02\n",
			want: time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "ru style",
			data: "paid-till: 2027.03.04\n",
			want: time.Date(2027, 3, 4, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "unparseable",
			data: "Expires: sometime soon\n",
		},
		{
			name: "missing",
			data: "Domain Name: EXAMPLE.COM\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractExpiryDate(tt.data)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestRegistrableDomain(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"www.Example.com.", "example.com"},
		{"example.com", "example.com"},
		{"shop.example.co.uk", "example.co.uk"},
		{"example.co.uk", "example.co.uk"},
		{"a.b.example.com.br", "example.com.br"},
		{"co.uk", ""},
		{"localhost", ""},
		{"10.0.0.1", ""},
		{"::1", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, registrableDomain(tt.host))
		})
	}
}

func TestDomainLookup(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	d := NewDomainChecker(time.Second)
	d.now = func() time.Time { return now }

	var queried string
	d.lookup = func(domain string) (string, error) {
		queried = domain
		return "Registrar: Example Registrar, Inc.\nRegistry Expiry Date: 2026-07-01T00:00:00Z\n", nil
	}

	result := d.Lookup(context.Background(), "status.example.com")

	assert.Equal(t, "example.com", queried)
	assert.True(t, result.Present)
	assert.Equal(t, "Example Registrar, Inc.", result.Registrar)
	require.NotNil(t, result.ExpiresAt)
	assert.Equal(t, 30, result.DaysUntilExpiry)

	d.lookup = func(string) (string, error) { return "", errors.New("connection reset") }
	failed := d.Lookup(context.Background(), "example.com")
	assert.False(t, failed.Present)
	assert.Contains(t, failed.Error, "connection reset")
}

func TestDomainLookupHonoursContext(t *testing.T) {
	d := NewDomainChecker(0)
	block := make(chan struct{})
	defer close(block)
	d.lookup = func(string) (string, error) {
		<-block
		return "", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := d.Lookup(ctx, "example.com")
	assert.Contains(t, result.Error, "context canceled")
}
