package connudp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	// ErrNotConnected is reported by FromConn when the socket has no peer.
	// Errors matching it still unwrap to the host errno (ENOTCONN or
	// WSAENOTCONN).
	ErrNotConnected = errors.New("socket is not connected")

	errNilConn     = errors.New("nil UDP connection")
	errInvalidPeer = errors.New("invalid peer address")
)

// Socket is a UDP socket connected to a single peer.
//
// The zero value is invalid; construct using [Connect] or [FromConn].
type Socket struct {
	conn *net.UDPConn
	peer netip.AddrPort
}

// Connect connects conn to peer. This sets the destination for Send and
// limits the datagrams delivered to Recv to those sent by peer.
//
// On success the returned Socket owns conn. On failure conn is left
// untouched and the caller remains responsible for closing it.
func Connect(conn *net.UDPConn, peer netip.AddrPort) (*Socket, error) {
	if conn == nil {
		return nil, opError("connect", nil, peer, errNilConn)
	}
	if !peer.IsValid() {
		return nil, opError("connect", conn, peer, errInvalidPeer)
	}

	if err := control(conn, func(fd uintptr) error {
		return connectFD(fd, peer)
	}); err != nil {
		return nil, opError("connect", conn, peer, err)
	}

	return &Socket{conn: conn, peer: peer}, nil
}

// FromConn adopts a UDP socket that is already connected at the OS level,
// such as one returned by [net.DialUDP]. The peer is read back from the
// kernel. If the socket is not connected the error matches
// [ErrNotConnected].
//
// On success the returned Socket owns conn. On failure conn is left
// untouched.
func FromConn(conn *net.UDPConn) (*Socket, error) {
	if conn == nil {
		return nil, opError("getpeername", nil, netip.AddrPort{}, errNilConn)
	}

	var peer netip.AddrPort
	if err := control(conn, func(fd uintptr) error {
		var err error
		peer, err = peerFD(fd)
		return err
	}); err != nil {
		return nil, opError("getpeername", conn, netip.AddrPort{}, err)
	}

	return &Socket{conn: conn, peer: peer}, nil
}

// LocalAddr returns the address the socket is bound to. The kernel is asked
// on every call; after connecting a wildcard-bound socket this reports the
// source address selected for the peer.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	var local netip.AddrPort
	if err := control(s.conn, func(fd uintptr) error {
		var err error
		local, err = localFD(fd)
		return err
	}); err != nil {
		return netip.AddrPort{}, opError("getsockname", s.conn, s.peer, err)
	}
	return local, nil
}

// PeerAddr returns the address of the connected peer.
func (s *Socket) PeerAddr() netip.AddrPort {
	return s.peer
}

// Send writes b as one datagram to the peer and returns the number of bytes
// accepted by the kernel.
func (s *Socket) Send(b []byte) (int, error) {
	return s.conn.Write(b)
}

// Recv blocks until a datagram from the peer arrives and copies it into b.
// Datagrams larger than b are truncated on unix systems and rejected with
// WSAEMSGSIZE on Windows. On unix systems an empty b returns immediately.
func (s *Socket) Recv(b []byte) (int, error) {
	return s.conn.Read(b)
}

// Conn returns the underlying connection, for socket options, deadlines and
// the like. The Socket keeps ownership: callers must not close it, connect
// it elsewhere or use it after s.Close. The value returned by
// Conn().RemoteAddr() is not maintained by this package; use PeerAddr.
func (s *Socket) Conn() *net.UDPConn {
	return s.conn
}

// Close closes the socket. A second call returns an error wrapping
// [net.ErrClosed].
func (s *Socket) Close() error {
	return s.conn.Close()
}

// String returns "connudp.Socket(local -> peer)".
func (s *Socket) String() string {
	local, err := s.LocalAddr()
	if err != nil {
		return fmt.Sprintf("connudp.Socket(%v -> %v)", s.conn.LocalAddr(), s.peer)
	}
	return fmt.Sprintf("connudp.Socket(%v -> %v)", local, s.peer)
}

// control runs fn against the raw descriptor of conn.
func control(conn *net.UDPConn, fn func(fd uintptr) error) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := rc.Control(func(fd uintptr) {
		fnErr = fn(fd)
	}); err != nil {
		return err
	}
	return fnErr
}

// opError builds a *net.OpError in the shape the net package uses.
func opError(op string, conn *net.UDPConn, peer netip.AddrPort, err error) error {
	e := &net.OpError{Op: op, Net: "udp", Err: err}
	if conn != nil {
		if laddr, ok := conn.LocalAddr().(*net.UDPAddr); ok && laddr != nil {
			e.Source = laddr
		}
	}
	if peer.IsValid() {
		e.Addr = net.UDPAddrFromAddrPort(peer)
	}
	return e
}

// notConnectedError carries the host errno for an unconnected socket while
// matching ErrNotConnected.
type notConnectedError struct {
	err error
}

func (e *notConnectedError) Error() string { return e.err.Error() }

func (e *notConnectedError) Unwrap() error { return e.err }

func (e *notConnectedError) Is(target error) bool { return target == ErrNotConnected }
