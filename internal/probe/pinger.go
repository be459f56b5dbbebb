package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/connudp"
	"github.com/postalsys/connudp/internal/logging"
	"github.com/postalsys/connudp/internal/metrics"
)

// seqSize is the length of the sequence number prefixed to each probe.
const seqSize = 8

// maxDatagramSize is the largest UDP payload over IPv4.
const maxDatagramSize = 65507

// PingOptions contains configuration for a ping run.
type PingOptions struct {
	// Peer is the reflector address
	Peer netip.AddrPort

	// Local is the bind address. The zero value picks the wildcard
	// address of the peer's family.
	Local netip.AddrPort

	// Count is the number of probes to send (default: 4)
	Count int

	// Interval between probes (default: 1s)
	Interval time.Duration

	// Timeout per probe (default: 2s)
	Timeout time.Duration

	// Payload fills the probe body, repeated as needed (default: "ping")
	Payload []byte

	// Size is the probe body length, excluding the sequence number.
	// 0 means len(Payload).
	Size int

	// TOS sets IP_TOS (IPv4) or the traffic class (IPv6). 0 leaves it alone.
	TOS int

	// TTL sets the IPv4 TTL or IPv6 hop limit. 0 leaves it alone.
	TTL int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Reply is the outcome of a single probe.
type Reply struct {
	Seq     uint64        `json:"seq"`
	Success bool          `json:"success"`
	Bytes   int           `json:"bytes"`
	RTT     time.Duration `json:"rtt"`

	// Error is the error that occurred (if any)
	Error error `json:"-"`

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string `json:"error,omitempty"`
}

// Result summarises a ping run.
type Result struct {
	Peer     netip.AddrPort `json:"peer"`
	Local    netip.AddrPort `json:"local"`
	Sent     int            `json:"sent"`
	Received int            `json:"received"`
	MinRTT   time.Duration  `json:"min_rtt"`
	AvgRTT   time.Duration  `json:"avg_rtt"`
	MaxRTT   time.Duration  `json:"max_rtt"`
	Replies  []Reply        `json:"replies"`
}

// Lost returns the number of probes without a valid reply.
func (r *Result) Lost() int {
	return r.Sent - r.Received
}

// LossRatio returns the fraction of probes lost, from 0 to 1.
func (r *Result) LossRatio() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Lost()) / float64(r.Sent)
}

// Ping connects a fresh socket to opts.Peer and sends opts.Count probes.
// Setup failures (bind, connect, socket options) are returned as errors;
// per-probe failures are recorded in the Result. Cancelling ctx ends the run
// early and returns the partial Result with ctx.Err(). When the ctx deadline
// falls before the next probe is due, the partial Result is returned with a
// pacing error.
func Ping(ctx context.Context, opts PingOptions) (*Result, error) {
	applyPingDefaults(&opts)
	if !opts.Peer.IsValid() {
		return nil, fmt.Errorf("peer address is required")
	}
	if seqSize+opts.Size > maxDatagramSize {
		return nil, fmt.Errorf("probe size %d exceeds maximum datagram size %d", seqSize+opts.Size, maxDatagramSize)
	}

	logger := logging.ForComponent(opts.Logger, metrics.RolePinger)

	sock, err := dial(opts.Local, opts.Peer)
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	if m := opts.Metrics; m != nil {
		m.RecordSocketOpen()
		defer m.RecordSocketClose()
	}

	local, err := sock.LocalAddr()
	if err != nil {
		return nil, fmt.Errorf("failed to read local address: %w", err)
	}

	if err := applyIPOptions(sock, opts.TOS, opts.TTL); err != nil {
		return nil, err
	}

	logger.Info("pinging",
		logging.KeyLocalAddr, local.String(),
		logging.KeyPeerAddr, opts.Peer.String(),
		logging.KeyCount, opts.Count)

	// Unblock a pending Recv once ctx is done.
	stop := context.AfterFunc(ctx, func() {
		sock.Conn().SetReadDeadline(time.Now())
	})
	defer stop()

	result := &Result{Peer: opts.Peer, Local: local}
	limiter := rate.NewLimiter(rate.Every(opts.Interval), 1)
	body := fillBody(opts.Payload, opts.Size)
	buf := make([]byte, maxDatagramSize)

	for seq := uint64(0); seq < uint64(opts.Count); seq++ {
		// Wait fails early when the next slot lies past the ctx deadline.
		if err := limiter.Wait(ctx); err != nil {
			summarise(result)
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("pacing: %w", err)
		}

		reply := probeOnce(ctx, sock, seq, body, buf, opts)
		result.Sent++
		if reply.Success {
			result.Received++
			logger.Debug("reply",
				logging.KeySeq, seq,
				logging.KeyBytes, reply.Bytes,
				logging.KeyRTT, reply.RTT)
		} else if ctx.Err() == nil {
			logger.Debug("probe failed",
				logging.KeySeq, seq,
				logging.KeyDetail, reply.ErrorDetail)
		}
		result.Replies = append(result.Replies, reply)

		if ctx.Err() != nil {
			break
		}
	}

	summarise(result)
	return result, ctx.Err()
}

func applyPingDefaults(opts *PingOptions) {
	if opts.Count <= 0 {
		opts.Count = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if len(opts.Payload) == 0 {
		opts.Payload = []byte("ping")
	}
	if opts.Size <= 0 {
		opts.Size = len(opts.Payload)
	}
}

// dial binds local and connects it to peer.
func dial(local, peer netip.AddrPort) (*connudp.Socket, error) {
	if !local.IsValid() {
		if peer.Addr().Unmap().Is4() {
			local = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
		} else {
			local = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
		}
	}

	network := "udp6"
	if local.Addr().Unmap().Is4() {
		network = "udp4"
	}

	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", local, err)
	}

	sock, err := connudp.Connect(conn, peer)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", peer, err)
	}
	return sock, nil
}

// probeOnce sends one probe and waits for its reply. Replies that do not
// match the current probe, such as late answers to earlier ones, are
// discarded.
func probeOnce(ctx context.Context, sock *connudp.Socket, seq uint64, body, buf []byte, opts PingOptions) Reply {
	reply := Reply{Seq: seq}
	m := opts.Metrics

	probe := make([]byte, seqSize+len(body))
	binary.BigEndian.PutUint64(probe, seq)
	copy(probe[seqSize:], body)

	reversed := bytes.Clone(probe)
	reverse(reversed)

	start := time.Now()
	n, err := sock.Send(probe)
	if err != nil {
		if m != nil {
			m.RecordError(metrics.RolePinger, "send")
		}
		return failed(reply, err)
	}
	if m != nil {
		m.RecordSent(metrics.RolePinger, n)
	}

	if err := sock.Conn().SetReadDeadline(start.Add(opts.Timeout)); err != nil {
		return failed(reply, err)
	}
	// ctx may have been cancelled between the AfterFunc and the deadline
	// above; re-check so Recv does not wait out the full timeout.
	if ctx.Err() != nil {
		return failed(reply, ctx.Err())
	}

	for {
		n, err := sock.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return failed(reply, ctx.Err())
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if m != nil {
					m.RecordProbeTimeout()
				}
			} else if m != nil {
				m.RecordError(metrics.RolePinger, "recv")
			}
			return failed(reply, err)
		}

		if m != nil {
			m.RecordReceived(metrics.RolePinger, n)
		}

		got := buf[:n]
		if !bytes.Equal(got, reversed) && !bytes.Equal(got, probe) {
			continue
		}

		reply.Success = true
		reply.Bytes = n
		reply.RTT = time.Since(start)
		if m != nil {
			m.RecordProbeRTT(reply.RTT)
		}
		return reply
	}
}

func failed(reply Reply, err error) Reply {
	reply.Error = err
	reply.ErrorDetail = classifyError(err)
	return reply
}

// fillBody repeats payload to exactly size bytes.
func fillBody(payload []byte, size int) []byte {
	body := make([]byte, size)
	if len(payload) == 0 {
		return body
	}
	for off := 0; off < size; off += copy(body[off:], payload) {
	}
	return body
}

func summarise(r *Result) {
	var total time.Duration
	for _, reply := range r.Replies {
		if !reply.Success {
			continue
		}
		if r.MinRTT == 0 || reply.RTT < r.MinRTT {
			r.MinRTT = reply.RTT
		}
		if reply.RTT > r.MaxRTT {
			r.MaxRTT = reply.RTT
		}
		total += reply.RTT
	}
	if r.Received > 0 {
		r.AvgRTT = total / time.Duration(r.Received)
	}
}
