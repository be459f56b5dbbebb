// Package sysinfo collects host and build information for the version command.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
)

// Info describes the running binary and host.
type Info struct {
	Version   string   `json:"version"`
	GoVersion string   `json:"go_version"`
	Revision  string   `json:"revision,omitempty"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	Hostname  string   `json:"hostname"`
	Addresses []string `json:"addresses"`
}

// Collect gathers build and host information. version is the release
// version set at build time.
func Collect(version string) Info {
	hostname, _ := os.Hostname()

	info := Info{
		Version:   version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		Addresses: LocalAddrs(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Revision = s.Value
			}
		}
	}

	return info
}

// LocalAddrs returns the non-loopback unicast addresses of this host, IPv4
// first, capped at ten.
func LocalAddrs() []string {
	var v4, v6 []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || !ipNet.IP.IsGlobalUnicast() && !ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipNet.IP.To4() != nil {
			v4 = append(v4, ipNet.IP.String())
		} else {
			v6 = append(v6, ipNet.IP.String())
		}
	}

	ips := append(v4, v6...)
	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}
