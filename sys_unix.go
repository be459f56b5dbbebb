//go:build unix

package connudp

import (
	"errors"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

func connectFD(fd uintptr, peer netip.AddrPort) error {
	sa, err := peerSockaddr(int(fd), peer)
	if err != nil {
		return err
	}
	if err := unix.Connect(int(fd), sa); err != nil {
		return os.NewSyscallError("connect", err)
	}
	return nil
}

func peerFD(fd uintptr) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(int(fd))
	if err != nil {
		err = os.NewSyscallError("getpeername", err)
		if errors.Is(err, unix.ENOTCONN) {
			return netip.AddrPort{}, &notConnectedError{err: err}
		}
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa)
}

func localFD(fd uintptr) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return fromSockaddr(sa)
}

// peerSockaddr picks the sockaddr shape that matches the socket's family.
// IPv4 peers of an AF_INET6 socket are passed v4-mapped.
func peerSockaddr(fd int, peer netip.AddrPort) (unix.Sockaddr, error) {
	local, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	_, inet6 := local.(*unix.SockaddrInet6)

	addr := peer.Addr()
	if (addr.Is4() || addr.Is4In6()) && !inet6 {
		return &unix.SockaddrInet4{Port: int(peer.Port()), Addr: addr.Unmap().As4()}, nil
	}
	return &unix.SockaddrInet6{
		Port:   int(peer.Port()),
		ZoneId: zoneToIndex(addr.Zone()),
		Addr:   addr.As16(),
	}, nil
}

func fromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if addr.Is4In6() {
			addr = addr.Unmap()
		} else if zone := indexToZone(sa.ZoneId); zone != "" {
			addr = addr.WithZone(zone)
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, os.NewSyscallError("getsockname", unix.EAFNOSUPPORT)
	}
}
