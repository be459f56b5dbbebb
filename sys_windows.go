//go:build windows

package connudp

import (
	"errors"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// Winsock error codes from winerror.h.
const (
	wsaEAFNOSUPPORT = syscall.Errno(10047)
	wsaENOTCONN     = syscall.Errno(10057)
)

func connectFD(fd uintptr, peer netip.AddrPort) error {
	sa, err := peerSockaddr(windows.Handle(fd), peer)
	if err != nil {
		return err
	}
	if err := windows.Connect(windows.Handle(fd), sa); err != nil {
		return os.NewSyscallError("connect", err)
	}
	return nil
}

func peerFD(fd uintptr) (netip.AddrPort, error) {
	sa, err := windows.Getpeername(windows.Handle(fd))
	if err != nil {
		err = os.NewSyscallError("getpeername", err)
		if errors.Is(err, wsaENOTCONN) {
			return netip.AddrPort{}, &notConnectedError{err: err}
		}
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa)
}

func localFD(fd uintptr) (netip.AddrPort, error) {
	sa, err := windows.Getsockname(windows.Handle(fd))
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return fromSockaddr(sa)
}

func peerSockaddr(fd windows.Handle, peer netip.AddrPort) (windows.Sockaddr, error) {
	local, err := windows.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	_, inet6 := local.(*windows.SockaddrInet6)

	addr := peer.Addr()
	if (addr.Is4() || addr.Is4In6()) && !inet6 {
		return &windows.SockaddrInet4{Port: int(peer.Port()), Addr: addr.Unmap().As4()}, nil
	}
	return &windows.SockaddrInet6{
		Port:   int(peer.Port()),
		ZoneId: zoneToIndex(addr.Zone()),
		Addr:   addr.As16(),
	}, nil
}

func fromSockaddr(sa windows.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *windows.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if addr.Is4In6() {
			addr = addr.Unmap()
		} else if zone := indexToZone(sa.ZoneId); zone != "" {
			addr = addr.WithZone(zone)
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, os.NewSyscallError("getsockname", wsaEAFNOSUPPORT)
	}
}
