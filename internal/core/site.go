package core

import (
	"net"
	"net/url"
	"strings"
	"time"
)

type Site struct {
	ID                   string    `json:"id" db:"id"`
	OwnerID              string    `json:"owner_id" db:"owner_id"`
	Name                 string    `json:"name" db:"name"`
	URL                  string    `json:"url" db:"url"`
	CheckIntervalSeconds int       `json:"check_interval_seconds" db:"check_interval_seconds"`
	Active               bool      `json:"active" db:"active"`
	TCPPorts             []int     `json:"tcp_ports" db:"-"`
	NotificationsEnabled bool      `json:"notifications_enabled" db:"notifications_enabled"`
	MonthlyReport        bool      `json:"monthly_report" db:"monthly_report"`
	ReportDay            int       `json:"report_day" db:"report_day"`
	ReportHour           int       `json:"report_hour" db:"report_hour"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// CheckIntervalMinutes is the interval as shown to users.
func (s *Site) CheckIntervalMinutes() float64 {
	return float64(s.CheckIntervalSeconds) / 60
}

// Host returns the hostname of the site URL without port.
func (s *Site) Host() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		// Bare hostnames like "example.com" parse as a path.
		host := strings.Split(strings.TrimPrefix(s.URL, "//"), "/")[0]
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
		return host
	}
	return u.Hostname()
}

func (s *Site) IsHTTPS() bool {
	u, err := url.Parse(s.URL)
	return err == nil && strings.EqualFold(u.Scheme, "https")
}

// Clone returns a deep copy so stores never share slices with callers.
func (s *Site) Clone() *Site {
	if s == nil {
		return nil
	}
	c := *s
	c.TCPPorts = append([]int(nil), s.TCPPorts...)
	return &c
}
