package checks

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPingUnavailable(t *testing.T) {
	socketErr := func(errno syscall.Errno) error {
		return &net.OpError{Op: "listen", Net: "udp4", Err: os.NewSyscallError("socket", errno)}
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "unprivileged socket refused", err: socketErr(syscall.EACCES), want: true},
		{name: "raw socket not permitted", err: socketErr(syscall.EPERM), want: true},
		{name: "protocol unsupported", err: socketErr(syscall.EPROTONOSUPPORT), want: true},
		{name: "wrapped", err: fmt.Errorf("run: %w", socketErr(syscall.EPERM)), want: true},
		{name: "unreachable target", err: socketErr(syscall.EHOSTUNREACH), want: false},
		{name: "other", err: errors.New("i/o timeout"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPingUnavailable(tt.err))
		})
	}
}
