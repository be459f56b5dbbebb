package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/postalsys/connudp"
)

// classifyError returns a human-readable description of a socket error.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	// Timeout errors
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return "Timed out waiting for reply"
	}
	if errors.Is(err, context.Canceled) {
		return "Cancelled"
	}

	// ICMP errors reported on the connected socket
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused - peer port unreachable (no listener)"
	case errors.Is(err, syscall.ENETUNREACH):
		return "Network unreachable"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "No route to host - network unreachable"
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return "Permission denied - blocked by firewall or broadcast address"
	case errors.Is(err, syscall.EMSGSIZE):
		return "Message too long - datagram exceeds path MTU or UDP limit"
	}

	if errors.Is(err, connudp.ErrNotConnected) {
		return "Socket is not connected to a peer"
	}
	if errors.Is(err, net.ErrClosed) {
		return "Socket closed"
	}

	// Windows reports some of these without a matching errno
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "forcibly closed") {
		return "Connection refused - peer port unreachable (no listener)"
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Timed out waiting for reply"
	}

	return errStr
}
