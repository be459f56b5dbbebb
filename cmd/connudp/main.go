// Package main provides the CLI entry point for the connudp echo and ping tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/connudp/internal/config"
	"github.com/postalsys/connudp/internal/health"
	"github.com/postalsys/connudp/internal/logging"
	"github.com/postalsys/connudp/internal/metrics"
	"github.com/postalsys/connudp/internal/probe"
	"github.com/postalsys/connudp/internal/recovery"
	"github.com/postalsys/connudp/internal/sysinfo"
)

var (
	// Version is set at build time
	Version = "dev"
)

// globalOptions holds the persistent flags shared by all subcommands.
type globalOptions struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "connudp",
		Short: "connudp - connected UDP echo and ping tools",
		Long: `connudp exercises kernel-connected UDP sockets.

The echo command runs a reflector that sends every datagram back to its
source. The ping command connects a socket to a reflector and measures
round trips, reporting ICMP errors such as port unreachable.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve health and Prometheus metrics on this address")

	rootCmd.AddCommand(echoCmd(opts))
	rootCmd.AddCommand(pingCmd(opts))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// load reads the config file, if any, and applies the global flag overrides.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = o.metricsAddr != ""
		cfg.Metrics.Address = o.metricsAddr
	}

	return cfg, nil
}

func echoCmd(opts *globalOptions) *cobra.Command {
	var (
		listen    string
		verbatim  bool
		rateLimit string
	)

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a UDP reflector",
		Long:  "Listen on a UDP address and send every datagram back to its source, reversed unless --verbatim is set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Echo.Address = listen
			}
			if cmd.Flags().Changed("verbatim") {
				cfg.Echo.Reverse = !verbatim
			}
			if cmd.Flags().Changed("rate-limit") {
				cfg.Echo.RateLimit = rateLimit
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			limit, err := cfg.Echo.RateLimitBytes()
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			reg := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(reg)

			reflector := probe.NewReflector(probe.ReflectOptions{
				Address:         cfg.Echo.Address,
				Reverse:         cfg.Echo.Reverse,
				MaxDatagramSize: cfg.Echo.MaxDatagramSize,
				RateLimit:       limit,
				Logger:          logger,
				Metrics:         m,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Enabled {
				srv, err := startHealthServer(cfg.Metrics.Address, reg, reflector, logger)
				if err != nil {
					return err
				}
				defer srv.Stop()
			}

			done := recovery.Go(logger, "reflector", func() error {
				return reflector.Run(ctx, nil)
			})

			select {
			case <-reflector.Ready():
				fmt.Printf("Reflecting on %s (reverse: %v)\n", reflector.LocalAddr(), cfg.Echo.Reverse)
			case err := <-done:
				return fmt.Errorf("failed to start reflector: %w", err)
			}

			err = <-done
			stats := reflector.Stats()
			fmt.Printf("\nReflector stopped. %s datagrams in, %s out (%s / %s), %d errors\n",
				humanize.Comma(int64(stats.DatagramsReceived)),
				humanize.Comma(int64(stats.DatagramsSent)),
				humanize.Bytes(stats.BytesReceived),
				humanize.Bytes(stats.BytesSent),
				stats.Errors)

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config: 127.0.0.1:7777)")
	cmd.Flags().BoolVar(&verbatim, "verbatim", false, "Echo payloads unchanged instead of reversing them")
	cmd.Flags().StringVar(&rateLimit, "rate-limit", "", "Reply bandwidth cap in bytes per second (e.g. 256KiB)")

	return cmd
}

func pingCmd(opts *globalOptions) *cobra.Command {
	var (
		count    int
		interval time.Duration
		timeout  time.Duration
		size     string
		payload  string
		tos      int
		ttl      int
		local    string
	)

	cmd := &cobra.Command{
		Use:   "ping [PEER]",
		Short: "Ping a UDP reflector over a connected socket",
		Long: `Connect a UDP socket to PEER (host:port) and send probes.

Each probe carries an 8-byte sequence number followed by the payload. A
reply counts when it equals the probe, reversed or verbatim. Because the
socket is connected, ICMP errors such as port unreachable are reported.`,
		Example: `  connudp ping 127.0.0.1:7777
  connudp ping -n 10 -i 200ms --size 512B [::1]:7777`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if len(args) == 1 {
				cfg.Ping.Peer = args[0]
			}
			if f.Changed("count") {
				cfg.Ping.Count = count
			}
			if f.Changed("interval") {
				cfg.Ping.Interval = interval
			}
			if f.Changed("timeout") {
				cfg.Ping.Timeout = timeout
			}
			if f.Changed("payload") {
				cfg.Ping.Payload = payload
			}
			if f.Changed("size") {
				cfg.Ping.PayloadSize = size
			}
			if f.Changed("tos") {
				cfg.Ping.TOS = tos
			}
			if f.Changed("ttl") {
				cfg.Ping.TTL = ttl
			}
			if f.Changed("local") {
				cfg.Ping.Local = local
			}
			if cfg.Ping.Peer == "" {
				return fmt.Errorf("peer address is required")
			}

			peer, err := resolvePeer(cfg.Ping.Peer)
			if err != nil {
				return err
			}
			// Validate after resolving so hostnames are accepted.
			cfg.Ping.Peer = peer.String()
			if err := cfg.Validate(); err != nil {
				return err
			}

			var localAddr netip.AddrPort
			if cfg.Ping.Local != "" {
				localAddr = netip.MustParseAddrPort(cfg.Ping.Local)
			}
			bodySize, err := cfg.Ping.Size()
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			reg := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(reg)

			if cfg.Metrics.Enabled {
				srv, err := startHealthServer(cfg.Metrics.Address, reg, nil, logger)
				if err != nil {
					return err
				}
				defer srv.Stop()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("PING %s: %s probe body\n", peer, humanize.Bytes(uint64(bodySize)))

			result, err := probe.Ping(ctx, probe.PingOptions{
				Peer:     peer,
				Local:    localAddr,
				Count:    cfg.Ping.Count,
				Interval: cfg.Ping.Interval,
				Timeout:  cfg.Ping.Timeout,
				Payload:  []byte(cfg.Ping.Payload),
				Size:     bodySize,
				TOS:      cfg.Ping.TOS,
				TTL:      cfg.Ping.TTL,
				Logger:   logger,
				Metrics:  m,
			})
			if result == nil {
				return err
			}

			printResult(result)

			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if result.Received == 0 {
				return fmt.Errorf("no replies from %s", peer)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Number of probes (default from config: 4)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Interval between probes (default from config: 1s)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Reply timeout per probe (default from config: 2s)")
	cmd.Flags().StringVarP(&size, "size", "s", "", "Probe body size (e.g. 64B, 1KiB); defaults to the payload length")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Probe body contents, repeated to fill --size")
	cmd.Flags().IntVar(&tos, "tos", 0, "IP type of service / traffic class")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "IP TTL / hop limit")
	cmd.Flags().StringVar(&local, "local", "", "Local bind address (default: wildcard of the peer's family)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect(Version)
			fmt.Printf("connudp %s\n", info.Version)
			if info.Revision != "" {
				fmt.Printf("Revision: %s\n", info.Revision)
			}
			fmt.Printf("Go: %s %s/%s\n", info.GoVersion, info.OS, info.Arch)
			fmt.Printf("Host: %s\n", info.Hostname)
			for _, addr := range info.Addresses {
				fmt.Printf("  %s\n", addr)
			}
		},
	}
}

// resolvePeer accepts a literal address or a host:port to look up.
func resolvePeer(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func startHealthServer(addr string, reg *prometheus.Registry, provider health.StatsProvider, logger *slog.Logger) (*health.Server, error) {
	cfg := health.DefaultServerConfig()
	cfg.Address = addr
	cfg.Gatherer = reg

	srv := health.NewServer(cfg, provider)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger.Info("metrics server listening", slog.String("address", srv.Address().String()))
	return srv, nil
}

func printResult(r *probe.Result) {
	st := newStyles()

	for _, reply := range r.Replies {
		if reply.Success {
			fmt.Println(st.ok.Render(fmt.Sprintf("%s from %s: seq=%d time=%s",
				humanize.Bytes(uint64(reply.Bytes)), r.Peer, reply.Seq, formatRTT(reply.RTT))))
		} else {
			fmt.Println(st.fail.Render(fmt.Sprintf("seq=%d: %s", reply.Seq, reply.ErrorDetail)))
		}
	}

	fmt.Println()
	fmt.Println(st.heading.Render(fmt.Sprintf("--- %s ping statistics (local %s) ---", r.Peer, r.Local)))
	fmt.Printf("%d probes sent, %d received, %.1f%% loss\n", r.Sent, r.Received, r.LossRatio()*100)
	if r.Received > 0 {
		fmt.Printf("rtt min/avg/max = %s/%s/%s\n", formatRTT(r.MinRTT), formatRTT(r.AvgRTT), formatRTT(r.MaxRTT))
	}
}

func formatRTT(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
}
