package checks

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/leozw/uptime-consensus/internal/core"
)

type TCPChecker struct {
	dialer *net.Dialer
}

func NewTCPChecker() *TCPChecker {
	return &TCPChecker{dialer: &net.Dialer{}}
}

func (t *TCPChecker) Check(ctx context.Context, host string, port int) core.TCPResult {
	result := core.TCPResult{Port: port}

	start := time.Now()
	conn, err := t.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	result.ResponseTimeMs = elapsedMs(start)
	if err != nil {
		result.Error = fmt.Sprintf("Connection failed: %v", err)
		return result
	}
	conn.Close()

	result.IsUp = true
	return result
}
