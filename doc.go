// Package connudp provides a connected UDP socket type.
//
// A [Socket] wraps a [*net.UDPConn] whose descriptor has been associated
// with a single remote peer through connect(2). Operating systems disagree
// on how addressed sends interact with a prior connect, and on what
// getpeername reports for a socket that was never connected. A Socket can
// only exist in the connected state, so it exposes just the operations that
// make sense there: Send and Recv without addresses, and the local and peer
// addresses.
//
// There are two ways to obtain a Socket:
//
//   - [Connect] connects a bound *net.UDPConn to a peer.
//   - [FromConn] adopts a *net.UDPConn that is already connected at the OS
//     level, for example one returned by [net.DialUDP]. It fails with
//     [ErrNotConnected] otherwise.
//
// Example:
//
//	host, _ := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
//	client, _ := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
//
//	sock, err := connudp.Connect(client, host.LocalAddr().(*net.UDPAddr).AddrPort())
//	if err != nil {
//		client.Close()
//		return err
//	}
//	defer sock.Close()
//
//	sock.Send([]byte("ping"))
//
// # Thread Safety
//
// PeerAddr is safe for concurrent use. Send, Recv and LocalAddr carry the
// same guarantees as the equivalent calls on *net.UDPConn. No locking is
// done by this package. Closing a Socket while another goroutine is blocked
// in Send or Recv unblocks that call with an error wrapping [net.ErrClosed].
package connudp
