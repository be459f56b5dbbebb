package connudp

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addrOf(t *testing.T, conn *net.UDPConn) netip.AddrPort {
	t.Helper()
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func readFrom(t *testing.T, conn *net.UDPConn, buf []byte) (int, netip.AddrPort) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("ReadFromUDPAddrPort() error = %v", err)
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
}

func recvWithin(t *testing.T, s *Socket, buf []byte) int {
	t.Helper()
	if err := s.Conn().SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	n, err := s.Recv(buf)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	return n
}

func TestConnect_PeerAddr(t *testing.T) {
	host := listenLoopback(t)
	hostAddr := addrOf(t, host)

	sock, err := Connect(listenLoopback(t), hostAddr)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sock.Close()

	if got := sock.PeerAddr(); got != hostAddr {
		t.Errorf("PeerAddr() = %v, want %v", got, hostAddr)
	}
}

func TestConnect_SendRecv(t *testing.T) {
	host := listenLoopback(t)

	sock, err := Connect(listenLoopback(t), addrOf(t, host))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sock.Close()

	n, err := sock.Send([]byte("ping"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n != 4 {
		t.Errorf("Send() = %d, want 4", n)
	}

	buf := make([]byte, 32)
	n, from := readFrom(t, host, buf)
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Errorf("host received %q, want %q", buf[:n], "ping")
	}

	local, err := sock.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}
	if from != local {
		t.Errorf("source = %v, want %v", from, local)
	}
}

func TestConnect_PingReply(t *testing.T) {
	host := listenLoopback(t)
	sock, err := Connect(listenLoopback(t), addrOf(t, host))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sock.Close()

	if _, err := sock.Send([]byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, 32)
	n, from := readFrom(t, host, buf)
	if n != 4 || string(buf[:n]) != "ping" {
		t.Fatalf("host received %q, want %q", buf[:n], "ping")
	}

	reply := buf[:n]
	for i, j := 0, len(reply)-1; i < j; i, j = i+1, j-1 {
		reply[i], reply[j] = reply[j], reply[i]
	}
	if _, err := host.WriteToUDPAddrPort(reply, from); err != nil {
		t.Fatalf("WriteToUDPAddrPort() error = %v", err)
	}

	got := make([]byte, 32)
	n = recvWithin(t, sock, got)
	if n != 4 || string(got[:n]) != "gnip" {
		t.Errorf("Recv() = %q, want %q", got[:n], "gnip")
	}
}

func TestConnect_NilConn(t *testing.T) {
	_, err := Connect(nil, netip.MustParseAddrPort("127.0.0.1:9"))
	if !errors.Is(err, errNilConn) {
		t.Errorf("Connect(nil) error = %v, want %v", err, errNilConn)
	}
}

func TestConnect_InvalidPeer(t *testing.T) {
	conn := listenLoopback(t)

	_, err := Connect(conn, netip.AddrPort{})
	if !errors.Is(err, errInvalidPeer) {
		t.Errorf("Connect() error = %v, want %v", err, errInvalidPeer)
	}

	// The caller keeps the socket on failure.
	if _, err := FromConn(conn); !errors.Is(err, ErrNotConnected) {
		t.Errorf("FromConn() after failed Connect error = %v, want %v", err, ErrNotConnected)
	}
}

func TestConnect_FamilyMismatch(t *testing.T) {
	conn := listenLoopback(t)

	_, err := Connect(conn, netip.MustParseAddrPort("[2001:db8::1]:9"))
	if err == nil {
		t.Fatal("Connect() of IPv4 socket to IPv6 peer should fail")
	}

	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("Connect() error = %T, want *net.OpError", err)
	}
	if opErr.Op != "connect" {
		t.Errorf("Op = %q, want connect", opErr.Op)
	}
}

func TestConnect_ClosedConn(t *testing.T) {
	host := listenLoopback(t)
	conn := listenLoopback(t)
	conn.Close()

	_, err := Connect(conn, addrOf(t, host))
	if !errors.Is(err, net.ErrClosed) {
		t.Errorf("Connect() on closed conn error = %v, want net.ErrClosed", err)
	}
}

func TestConnect_DualStack(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv6unspecified})
	if err != nil {
		t.Skipf("dual-stack socket unavailable: %v", err)
	}
	defer conn.Close()

	host := listenLoopback(t)
	sock, err := Connect(conn, addrOf(t, host))
	if err != nil {
		t.Skipf("Connect() on dual-stack socket failed: %v", err)
	}

	if _, err := sock.Send([]byte("v4")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, 8)
	n, from := readFrom(t, host, buf)
	if string(buf[:n]) != "v4" {
		t.Errorf("host received %q, want %q", buf[:n], "v4")
	}

	local, err := sock.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}
	if local != from {
		t.Errorf("LocalAddr() = %v, want %v", local, from)
	}
}

func TestFromConn_NotConnected(t *testing.T) {
	conn := listenLoopback(t)

	sock, err := FromConn(conn)
	if err == nil {
		t.Fatal("FromConn() on unconnected socket should fail")
	}
	if sock != nil {
		t.Error("FromConn() should return nil Socket on error")
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("FromConn() error = %v, want ErrNotConnected", err)
	}
}

func TestFromConn_Connected(t *testing.T) {
	host := listenLoopback(t)
	hostAddr := addrOf(t, host)

	dialed, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(hostAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}

	sock, err := FromConn(dialed)
	if err != nil {
		t.Fatalf("FromConn() error = %v", err)
	}
	defer sock.Close()

	if got := sock.PeerAddr(); got != hostAddr {
		t.Errorf("PeerAddr() = %v, want %v", got, hostAddr)
	}

	local, err := sock.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}
	if !local.Addr().IsLoopback() {
		t.Errorf("LocalAddr() = %v, want a loopback address", local)
	}
	if want := addrOf(t, dialed); local != want {
		t.Errorf("LocalAddr() = %v, want %v", local, want)
	}
}

func TestFromConn_AfterConnect(t *testing.T) {
	host := listenLoopback(t)
	hostAddr := addrOf(t, host)

	first, err := Connect(listenLoopback(t), hostAddr)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	second, err := FromConn(first.Conn())
	if err != nil {
		t.Fatalf("FromConn() error = %v", err)
	}
	if second.PeerAddr() != first.PeerAddr() {
		t.Errorf("PeerAddr() = %v, want %v", second.PeerAddr(), first.PeerAddr())
	}
}

func TestFromConn_NilConn(t *testing.T) {
	if _, err := FromConn(nil); !errors.Is(err, errNilConn) {
		t.Errorf("FromConn(nil) error = %v, want %v", err, errNilConn)
	}
}

func TestSocket_ConnEscapeHatch(t *testing.T) {
	host := listenLoopback(t)
	hostAddr := addrOf(t, host)

	sock, err := Connect(listenLoopback(t), hostAddr)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sock.Close()

	raw := sock.Conn()
	if want := addrOf(t, raw); mustLocal(t, sock) != want {
		t.Errorf("LocalAddr() = %v, raw LocalAddr() = %v", mustLocal(t, sock), want)
	}

	n, err := raw.Write([]byte("asref"))
	if err != nil {
		t.Fatalf("raw Write() error = %v", err)
	}
	if n != 5 {
		t.Errorf("raw Write() = %d, want 5", n)
	}

	buf := make([]byte, 32)
	n, from := readFrom(t, host, buf)
	if string(buf[:n]) != "asref" {
		t.Errorf("host received %q, want %q", buf[:n], "asref")
	}
	if from != mustLocal(t, sock) {
		t.Errorf("source = %v, want %v", from, mustLocal(t, sock))
	}

	// The same bytes through Send are indistinguishable.
	if _, err := sock.Send([]byte("asref")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	n, from2 := readFrom(t, host, buf)
	if string(buf[:n]) != "asref" || from2 != from {
		t.Errorf("Send() delivered %q from %v, want %q from %v", buf[:n], from2, "asref", from)
	}
}

func TestSocket_RecvFiltersOtherSources(t *testing.T) {
	host := listenLoopback(t)
	stranger := listenLoopback(t)

	sock, err := Connect(listenLoopback(t), addrOf(t, host))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sock.Close()

	local := mustLocal(t, sock)
	if _, err := stranger.WriteToUDPAddrPort([]byte("stranger"), local); err != nil {
		t.Fatalf("stranger WriteToUDPAddrPort() error = %v", err)
	}
	if _, err := host.WriteToUDPAddrPort([]byte("host"), local); err != nil {
		t.Fatalf("host WriteToUDPAddrPort() error = %v", err)
	}

	buf := make([]byte, 32)
	n := recvWithin(t, sock, buf)
	if string(buf[:n]) != "host" {
		t.Errorf("Recv() = %q, want %q", buf[:n], "host")
	}
}

func TestSocket_SendTooLarge(t *testing.T) {
	host := listenLoopback(t)
	sock, err := Connect(listenLoopback(t), addrOf(t, host))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sock.Close()

	if _, err := sock.Send(make([]byte, 70000)); err == nil {
		t.Error("Send() of oversized datagram should fail")
	}
}

func TestSocket_CloseUnblocksRecv(t *testing.T) {
	host := listenLoopback(t)
	sock, err := Connect(listenLoopback(t), addrOf(t, host))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := sock.Recv(make([]byte, 16))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := sock.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Recv() after Close error = %v, want net.ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv() not unblocked by Close()")
	}

	if err := sock.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("second Close() error = %v, want net.ErrClosed", err)
	}
	if _, err := sock.LocalAddr(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("LocalAddr() after Close error = %v, want net.ErrClosed", err)
	}
	if _, err := sock.Send([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send() after Close error = %v, want net.ErrClosed", err)
	}
}

func TestSocket_String(t *testing.T) {
	host := listenLoopback(t)
	hostAddr := addrOf(t, host)
	sock, err := Connect(listenLoopback(t), hostAddr)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sock.Close()

	s := sock.String()
	if !strings.HasPrefix(s, "connudp.Socket(") {
		t.Errorf("String() = %q, want connudp.Socket prefix", s)
	}
	if !strings.Contains(s, "-> "+hostAddr.String()) {
		t.Errorf("String() = %q, want it to contain peer %v", s, hostAddr)
	}
}

func TestNotConnectedError(t *testing.T) {
	base := errors.New("transport endpoint is not connected")
	err := &notConnectedError{err: base}

	if !errors.Is(err, ErrNotConnected) {
		t.Error("notConnectedError should match ErrNotConnected")
	}
	if !errors.Is(err, base) {
		t.Error("notConnectedError should unwrap to the host error")
	}
	if err.Error() != base.Error() {
		t.Errorf("Error() = %q, want %q", err.Error(), base.Error())
	}
}

func TestZoneRoundTrip(t *testing.T) {
	if got := zoneToIndex(""); got != 0 {
		t.Errorf("zoneToIndex(\"\") = %d, want 0", got)
	}
	if got := indexToZone(0); got != "" {
		t.Errorf("indexToZone(0) = %q, want empty", got)
	}

	ifaces, err := net.Interfaces()
	if err != nil || len(ifaces) == 0 {
		t.Skip("no interfaces available")
	}
	ifi := ifaces[0]
	if got := zoneToIndex(ifi.Name); got != uint32(ifi.Index) {
		t.Errorf("zoneToIndex(%q) = %d, want %d", ifi.Name, got, ifi.Index)
	}
	if got := indexToZone(uint32(ifi.Index)); got != ifi.Name {
		t.Errorf("indexToZone(%d) = %q, want %q", ifi.Index, got, ifi.Name)
	}
}

func mustLocal(t *testing.T, s *Socket) netip.AddrPort {
	t.Helper()
	local, err := s.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr() error = %v", err)
	}
	return local
}
