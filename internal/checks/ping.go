package checks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

const pingCount = 3

// PingChecker sends ICMP echo requests. Unprivileged mode uses UDP ping
// sockets, which need net.ipv4.ping_group_range on Linux.
type PingChecker struct {
	privileged bool
	logger     *zap.Logger
	warnOnce   sync.Once
}

func NewPingChecker(privileged bool, logger *zap.Logger) *PingChecker {
	return &PingChecker{privileged: privileged, logger: logger}
}

// Ping returns nil when this host cannot send ICMP at all, so the worker
// reports no ping data instead of a failed check.
func (p *PingChecker) Ping(ctx context.Context, host string) *core.CheckResult {
	result := &core.CheckResult{}

	pinger, err := probing.NewPinger(host)
	if err != nil {
		result.Error = fmt.Sprintf("Ping setup failed: %v", err)
		return result
	}
	pinger.SetPrivileged(p.privileged)
	pinger.Count = pingCount
	pinger.Interval = 200 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}

	if err := pinger.RunWithContext(ctx); err != nil && ctx.Err() == nil {
		if isPingUnavailable(err) {
			p.warnOnce.Do(func() {
				p.logger.Warn("ICMP is not available on this worker, ping checks disabled",
					zap.Bool("privileged", p.privileged),
					zap.Error(err),
				)
			})
			return nil
		}
		result.Error = fmt.Sprintf("Ping failed: %v", err)
		return result
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		result.Error = fmt.Sprintf("No reply from %s (%d packets sent)", host, stats.PacketsSent)
		return result
	}

	result.IsUp = true
	result.ResponseTimeMs = stats.AvgRtt.Milliseconds()
	return result
}

// isPingUnavailable reports whether err comes from opening the ICMP socket
// rather than from the target.
func isPingUnavailable(err error) bool {
	return errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPROTONOSUPPORT) ||
		errors.Is(err, syscall.EAFNOSUPPORT)
}
