package main

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePeer(t *testing.T) {
	tests := []struct {
		in      string
		want    netip.AddrPort
		wantErr bool
	}{
		{"127.0.0.1:7777", netip.MustParseAddrPort("127.0.0.1:7777"), false},
		{"[::1]:7777", netip.MustParseAddrPort("[::1]:7777"), false},
		{"localhost:7777", netip.AddrPort{}, false},
		{"not a peer", netip.AddrPort{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := resolvePeer(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolvePeer(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.want.IsValid() && got != tt.want {
				t.Errorf("resolvePeer(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.Port() != 7777 || got.Addr().Is4In6() {
				t.Errorf("resolvePeer(%q) = %v, want port 7777 and no mapped address", tt.in, got)
			}
		})
	}
}

func TestGlobalOptions_FlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("log_level: warn\nlog_format: text\nmetrics:\n  enabled: true\n  address: \"127.0.0.1:9999\"\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	root := newRootCmd()
	if err := root.ParseFlags([]string{"--config", path, "--log-format", "json", "--metrics-addr", ""}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	opts := &globalOptions{
		configPath:  path,
		logFormat:   "json",
		metricsAddr: "",
	}
	cfg, err := opts.load(root)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn from the file", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json from the flag", cfg.LogFormat)
	}
	if cfg.Metrics.Enabled {
		t.Error("an empty --metrics-addr should disable metrics")
	}
}

func TestGlobalOptions_MissingConfig(t *testing.T) {
	opts := &globalOptions{configPath: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := opts.load(newRootCmd()); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestNewRootCmd(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"echo", "ping", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
	for _, flag := range []string{"config", "log-level", "log-format", "metrics-addr"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
}
