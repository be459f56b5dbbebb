package probe

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/postalsys/connudp"
)

// applyIPOptions sets the type of service and TTL on the connected socket.
// Zero values are left at the system default. The option family follows
// the socket's bind address, so a dual-stack socket gets the IPv6 options.
func applyIPOptions(sock *connudp.Socket, tos, ttl int) error {
	if tos == 0 && ttl == 0 {
		return nil
	}

	conn := sock.Conn()
	bound, _ := conn.LocalAddr().(*net.UDPAddr)
	if bound != nil && bound.IP.To4() != nil {
		pc := ipv4.NewConn(conn)
		if tos != 0 {
			if err := pc.SetTOS(tos); err != nil {
				return fmt.Errorf("failed to set TOS: %w", err)
			}
		}
		if ttl != 0 {
			if err := pc.SetTTL(ttl); err != nil {
				return fmt.Errorf("failed to set TTL: %w", err)
			}
		}
		return nil
	}

	pc := ipv6.NewConn(conn)
	if tos != 0 {
		if err := pc.SetTrafficClass(tos); err != nil {
			return fmt.Errorf("failed to set traffic class: %w", err)
		}
	}
	if ttl != 0 {
		if err := pc.SetHopLimit(ttl); err != nil {
			return fmt.Errorf("failed to set hop limit: %w", err)
		}
	}
	return nil
}
