package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/connudp/internal/health"
	"github.com/postalsys/connudp/internal/logging"
	"github.com/postalsys/connudp/internal/metrics"
)

// ReflectOptions contains configuration for a Reflector.
type ReflectOptions struct {
	// Address is the listen address (e.g., "127.0.0.1:7777")
	Address string

	// Reverse reverses each payload before sending it back.
	// When false the payload is echoed verbatim.
	Reverse bool

	// MaxDatagramSize bounds the read buffer. Default is 1472.
	MaxDatagramSize int

	// RateLimit caps reply bandwidth in bytes per second. 0 is unlimited.
	RateLimit int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Event describes one datagram handled by the reflector.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Remote    string    `json:"remote"`
	Bytes     int       `json:"bytes"`
	Error     string    `json:"error,omitempty"`
}

// errAlreadyStarted is returned by Run on every call after the first.
var errAlreadyStarted = errors.New("reflector already started")

// Reflector sends datagrams back to whoever sent them.
type Reflector struct {
	opts    ReflectOptions
	logger  *slog.Logger
	limiter *rate.Limiter

	mu    sync.RWMutex
	local netip.AddrPort
	ready chan struct{}

	started      atomic.Bool
	running      atomic.Bool
	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	errors       atomic.Uint64
}

// NewReflector creates a reflector. It does not bind until Run.
func NewReflector(opts ReflectOptions) *Reflector {
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = 1472
	}

	r := &Reflector{
		opts:   opts,
		logger: logging.ForComponent(opts.Logger, metrics.RoleReflector),
		ready:  make(chan struct{}),
	}

	if opts.RateLimit > 0 {
		// The burst must cover the largest datagram or WaitN fails outright.
		burst := opts.MaxDatagramSize
		if burst < 16*1024 {
			burst = 16 * 1024
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return r
}

// Run binds the listen address and reflects datagrams until ctx is
// cancelled. Events are delivered without blocking; they are dropped when
// events is full. events may be nil.
//
// A Reflector runs once. Later calls to Run return an error, including
// after a first Run that failed to bind.
func (r *Reflector) Run(ctx context.Context, events chan<- Event) error {
	if !r.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	addr, err := netip.ParseAddrPort(r.opts.Address)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", r.opts.Address, err)
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer conn.Close()

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	r.mu.Lock()
	r.local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	r.mu.Unlock()

	r.running.Store(true)
	defer r.running.Store(false)
	close(r.ready)

	if m := r.opts.Metrics; m != nil {
		m.RecordSocketOpen()
		defer m.RecordSocketClose()
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r.logger.Info("reflector listening",
		logging.KeyLocalAddr, r.LocalAddr().String(),
		slog.Bool("reverse", r.opts.Reverse))

	buf := make([]byte, r.opts.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.recordError("recv", err)
			r.emit(events, Event{Timestamp: time.Now(), Error: err.Error()})
			continue
		}

		r.datagramsIn.Add(1)
		r.bytesIn.Add(uint64(n))
		if m := r.opts.Metrics; m != nil {
			m.RecordReceived(metrics.RoleReflector, n)
		}

		reply := buf[:n]
		if r.opts.Reverse {
			reverse(reply)
		}

		if r.limiter != nil {
			if err := r.limiter.WaitN(ctx, n); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("rate limit: %w", err)
			}
		}

		event := Event{Timestamp: time.Now(), Remote: from.String(), Bytes: n}
		sent, err := conn.WriteToUDPAddrPort(reply, from)
		if err != nil {
			r.recordError("send", err)
			event.Error = err.Error()
		} else {
			r.datagramsOut.Add(1)
			r.bytesOut.Add(uint64(sent))
			if m := r.opts.Metrics; m != nil {
				m.RecordSent(metrics.RoleReflector, sent)
			}
			r.logger.Debug("reflected datagram",
				logging.KeyRemote, from.String(),
				logging.KeyBytes, sent)
		}

		r.emit(events, event)
	}
}

// Ready is closed once the reflector is bound. It is never closed when Run
// fails before binding, so callers must also watch for Run returning.
func (r *Reflector) Ready() <-chan struct{} {
	return r.ready
}

// LocalAddr returns the bound address, or the zero value before Ready.
func (r *Reflector) LocalAddr() netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// IsRunning returns true while Run is reflecting datagrams.
func (r *Reflector) IsRunning() bool {
	return r.running.Load()
}

// Stats returns a snapshot of the reflector counters.
func (r *Reflector) Stats() health.Stats {
	return health.Stats{
		Role:              metrics.RoleReflector,
		LocalAddr:         r.LocalAddr().String(),
		DatagramsReceived: r.datagramsIn.Load(),
		DatagramsSent:     r.datagramsOut.Load(),
		BytesReceived:     r.bytesIn.Load(),
		BytesSent:         r.bytesOut.Load(),
		Errors:            r.errors.Load(),
	}
}

func (r *Reflector) recordError(op string, err error) {
	r.errors.Add(1)
	if m := r.opts.Metrics; m != nil {
		m.RecordError(metrics.RoleReflector, op)
	}
	r.logger.Warn("reflector "+op+" failed",
		logging.KeyError, err,
		logging.KeyDetail, classifyError(err))
}

func (r *Reflector) emit(events chan<- Event, event Event) {
	if events == nil {
		return
	}
	select {
	case events <- event:
	default:
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
