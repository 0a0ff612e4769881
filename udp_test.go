package oniri

import "bytes"
import "context"
import "errors"
import "net"
import "testing"
import "time"

func start_udp_echo_server(t *testing.T) *net.UDPConn {
	var conn *net.UDPConn
	var err error

	conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil { t.Fatalf("unable to listen - %s", err.Error()) }

	go func() {
		var buf [2048]byte
		var n int
		var from *net.UDPAddr
		var err error

		for {
			n, from, err = conn.ReadFromUDP(buf[:])
			if err != nil { return }
			conn.WriteToUDP(buf[:n], from)
		}
	}()

	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUdpHeader(t *testing.T) {
	var addr *net.UDPAddr
	var b []byte
	var payload []byte
	var err error

	b, err = wrap_udp_message([]byte("hello"), &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 0xABCD})
	if err != nil { t.Fatalf("wrap failed - %s", err.Error()) }
	if !bytes.Equal(b[:6], []byte{10, 1, 2, 3, 0xAB, 0xCD}) { t.Fatalf("unexpected header %v", b[:6]) }

	addr, payload, err = unwrap_udp_message(b)
	if err != nil { t.Fatalf("unwrap failed - %s", err.Error()) }
	if addr.IP.String() != "10.1.2.3" || addr.Port != 0xABCD { t.Fatalf("unexpected address %s", addr.String()) }
	if string(payload) != "hello" { t.Fatalf("unexpected payload %q", payload) }

	_, _, err = unwrap_udp_message([]byte{1, 2, 3})
	if !errors.Is(err, ErrUdpShortMessage) { t.Fatalf("expected short message error, got %v", err) }

	_, err = wrap_udp_message(nil, &net.UDPAddr{IP: net.ParseIP("::1"), Port: 1})
	if !errors.Is(err, ErrUdpNotIPv4) { t.Fatalf("expected ipv4 error, got %v", err) }

	if udp_peer_id(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}) != "127.0.0.1-5000" {
		t.Fatalf("unexpected peer id")
	}
}

func TestUdpTunnelEndToEnd(t *testing.T) {
	var ov *MemoryOverlay
	var echo *net.UDPConn
	var srv_id *ServiceIdentity
	var srv *UdpServer
	var cli *UdpClient
	var conn *net.UDPConn
	var buf [64]byte
	var n int
	var err error

	ov = NewMemoryOverlay()
	echo = start_udp_echo_server(t)
	srv_id = new_test_identity(t)

	srv = NewUdpServer(srv_id, &ServiceConfig{Name: "usrv", Overlay: ov, TargetPort: echo.LocalAddr().(*net.UDPAddr).Port, EnableMetrics: true})
	if err = srv.Init(context.Background()); err != nil { t.Fatalf("server init failed - %s", err.Error()) }
	defer srv.Stop()

	cli = NewUdpClient(new_test_identity(t), &ServiceConfig{Name: "ucli", Overlay: ov, PeerToConnect: srv_id.Key(), EnableMetrics: true})
	if err = cli.Init(context.Background()); err != nil { t.Fatalf("client init failed - %s", err.Error()) }
	defer cli.Stop()

	conn, err = net.DialUDP("udp4", nil, cli.ProxyAddr())
	if err != nil { t.Fatalf("unable to dial proxy - %s", err.Error()) }
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("ping"))
	n, err = conn.Read(buf[:])
	if err != nil { t.Fatalf("read failed - %s", err.Error()) }
	if string(buf[:n]) != "ping" { t.Fatalf("unexpected reply %q", buf[:n]) }

	conn.Write([]byte("pong"))
	n, err = conn.Read(buf[:])
	if err != nil || string(buf[:n]) != "pong" { t.Fatalf("unexpected second reply %q %v", buf[:n], err) }

	if cli.GetMetrics().TotalConnections != 1 { t.Fatalf("one sender must map to one stream") }
	if srv.ActiveCount() != 1 { t.Fatalf("one sender must map to one target socket") }
}

func TestUdpClientSlowConnectDoesNotStall(t *testing.T) {
	var ov *hooked_overlay
	var echo *net.UDPConn
	var srv_id *ServiceIdentity
	var srv *UdpServer
	var cli *UdpClient
	var slow *net.UDPConn
	var fast *net.UDPConn
	var buf [64]byte
	var n int
	var err error

	ov = new_hooked_overlay()
	ov.gate = make(chan struct{})
	echo = start_udp_echo_server(t)
	srv_id = new_test_identity(t)

	srv = NewUdpServer(srv_id, &ServiceConfig{Name: "usrv", Overlay: ov, TargetPort: echo.LocalAddr().(*net.UDPAddr).Port})
	if err = srv.Init(context.Background()); err != nil { t.Fatalf("server init failed - %s", err.Error()) }
	defer srv.Stop()

	cli = NewUdpClient(new_test_identity(t), &ServiceConfig{Name: "ucli", Overlay: ov, PeerToConnect: srv_id.Key()})
	if err = cli.Init(context.Background()); err != nil { t.Fatalf("client init failed - %s", err.Error()) }
	defer cli.Stop()

	slow, err = net.DialUDP("udp4", nil, cli.ProxyAddr())
	if err != nil { t.Fatalf("unable to dial proxy - %s", err.Error()) }
	defer slow.Close()
	fast, err = net.DialUDP("udp4", nil, cli.ProxyAddr())
	if err != nil { t.Fatalf("unable to dial proxy - %s", err.Error()) }
	defer fast.Close()

	// the first sender's stream is held open
	slow.Write([]byte("first"))
	slow.Write([]byte("second"))
	wait_for(t, "held connect", 2 * time.Second, ov.gated.Load)

	fast.SetDeadline(time.Now().Add(5 * time.Second))
	fast.Write([]byte("other"))
	n, err = fast.Read(buf[:])
	if err != nil { t.Fatalf("other sender stalled - %v", err) }
	if string(buf[:n]) != "other" { t.Fatalf("unexpected reply %q", buf[:n]) }

	// the queued datagrams go out once the stream is ready
	close(ov.gate)
	slow.SetDeadline(time.Now().Add(5 * time.Second))
	n, err = slow.Read(buf[:])
	if err != nil || string(buf[:n]) != "first" { t.Fatalf("unexpected first reply %q %v", buf[:n], err) }
	n, err = slow.Read(buf[:])
	if err != nil || string(buf[:n]) != "second" { t.Fatalf("unexpected second reply %q %v", buf[:n], err) }

	if cli.ActiveCount() != 2 { t.Errorf("expected 2 peers, got %d", cli.ActiveCount()) }
}

func TestUdpServerFirewall(t *testing.T) {
	var store *AllowedStore
	var srv *UdpServer
	var allowed string

	store = NewAllowedStore()
	srv = NewUdpServer(new_test_identity(t), &ServiceConfig{Name: "usrv", Store: store})
	if !srv.firewall(new_test_identity(t).Key()) { t.Fatalf("server without a list must allow all") }

	allowed = new_test_identity(t).Key()
	store.CreateServiceStore(srv.Key(), []string{allowed})
	if !srv.firewall(allowed) { t.Fatalf("allowed key rejected") }
	if srv.firewall(new_test_identity(t).Key()) { t.Fatalf("unknown key allowed") }
	if srv.counters.rejected.Load() != 1 { t.Fatalf("rejected count %d", srv.counters.rejected.Load()) }
}

func TestUdpClientRequiresPeer(t *testing.T) {
	var cli *UdpClient
	var err error

	cli = NewUdpClient(new_test_identity(t), &ServiceConfig{Name: "ucli", Overlay: NewMemoryOverlay()})
	err = cli.Init(context.Background())
	if !errors.Is(err, ErrPeerToConnectRequired) { t.Fatalf("expected peer required, got %v", err) }
	if !cli.Stop() { t.Fatalf("stop on a never-started client must succeed") }
}
