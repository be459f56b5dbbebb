// Package probe provides the echo reflector and pinger used to exercise
// connected UDP sockets.
//
// A [Reflector] listens on an ordinary, unconnected UDP socket and sends
// every datagram back to its source, reversed by default. [Ping] binds a
// local socket, connects it to the reflector with [connudp.Connect] and
// measures round trips:
//
//  1. Pinger sends seq+payload with Socket.Send (no destination address)
//  2. Reflector reads it with ReadFrom and replies with WriteTo
//  3. Pinger receives the reply with Socket.Recv; the kernel drops
//     datagrams from any other source
//  4. The reply must equal the probe, reversed or verbatim
//
// # Thread Safety
//
// Reflector methods are safe for concurrent use. Run must only be called
// once per Reflector.
package probe
