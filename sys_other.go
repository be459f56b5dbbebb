//go:build !unix && !windows

package connudp

import (
	"errors"
	"net/netip"
)

func connectFD(uintptr, netip.AddrPort) error {
	return errors.ErrUnsupported
}

func peerFD(uintptr) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.ErrUnsupported
}

func localFD(uintptr) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.ErrUnsupported
}
