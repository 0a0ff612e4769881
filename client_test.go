package oniri

import "context"
import "errors"
import "io"
import "net"
import "testing"
import "time"

import "github.com/prometheus/client_golang/prometheus"
import dto "github.com/prometheus/client_model/go"

func start_test_relay(t *testing.T) (*RelayServer, string) {
	var s *RelayServer
	var err error

	s, err = NewRelayServer(context.Background(), "relay", nil, &RelayServerConfig{RpcAddrs: []string{"127.0.0.1:0"}, AuthTimeout: 2 * time.Second})
	if err != nil { t.Fatalf("unable to create relay - %s", err.Error()) }
	s.StartService(nil)
	t.Cleanup(func() {
		s.StopServices()
		s.WaitForTermination()
	})
	return s, s.Addrs()[0].String()
}

func new_relay_node(t *testing.T, ov *RelayOverlay) OverlayNode {
	var n OverlayNode
	var err error

	n, err = ov.NewNode(new_test_identity(t))
	if err != nil { t.Fatalf("unable to create relay node - %s", err.Error()) }
	t.Cleanup(func() { n.Close() })
	return n
}

func read_with_timeout(s OverlayStream, buf []byte, tmout time.Duration) (int, error) {
	var n int
	var err error
	var done chan struct{}

	done = make(chan struct{})
	go func() {
		n, err = s.Read(buf)
		close(done)
	}()
	select {
		case <-done:
			return n, err
		case <-time.After(tmout):
			return 0, ErrTimeout
	}
}

func TestRelayStreamBoundariesAndHalfClose(t *testing.T) {
	var relay *RelayServer
	var addr string
	var ov *RelayOverlay
	var n1 OverlayNode
	var n2 OverlayNode
	var lsn OverlayServer
	var c OverlayStream
	var s OverlayStream
	var buf []byte
	var n int
	var err error

	relay, addr = start_test_relay(t)
	ov = NewRelayOverlay(RelayOverlayConfig{Addr: addr}, nil)
	n1 = new_relay_node(t, ov)
	n2 = new_relay_node(t, ov)

	lsn, err = n2.Listen(nil)
	if err != nil { t.Fatalf("listen failed - %s", err.Error()) }
	_, err = n2.Listen(nil)
	if err == nil { t.Fatalf("second listener must fail") }

	// LISTEN travels asynchronously
	wait_for(t, "listener registration", 3 * time.Second, func() bool {
		var cts *RelayConn
		cts = relay.find_key(n2.Key())
		return cts != nil && cts.listening.Load()
	})

	c, err = n1.Connect(context.Background(), n2.Key(), nil)
	if err != nil { t.Fatalf("connect failed - %s", err.Error()) }
	s, err = lsn.Accept()
	if err != nil { t.Fatalf("accept failed - %s", err.Error()) }

	if s.RemoteKey() != n1.Key() || c.RemoteKey() != n2.Key() { t.Fatalf("stream keys mismatch") }
	if c.LocalKey() != n1.Key() || s.LocalKey() != n2.Key() { t.Fatalf("local keys mismatch") }

	c.Write([]byte("first"))
	c.Write([]byte("second"))
	buf = make([]byte, 64)
	n, err = read_with_timeout(s, buf, 3 * time.Second)
	if err != nil || string(buf[:n]) != "first" { t.Fatalf("expected first write, got %q - %v", buf[:n], err) }
	n, err = read_with_timeout(s, buf, 3 * time.Second)
	if err != nil || string(buf[:n]) != "second" { t.Fatalf("expected second write, got %q - %v", buf[:n], err) }

	c.CloseWrite()
	_, err = read_with_timeout(s, buf, 3 * time.Second)
	if !errors.Is(err, io.EOF) { t.Fatalf("expected EOF after half close, got %v", err) }

	_, err = s.Write([]byte("pong"))
	if err != nil { t.Fatalf("write after peer half close failed - %s", err.Error()) }
	n, err = read_with_timeout(c, buf, 3 * time.Second)
	if err != nil || string(buf[:n]) != "pong" { t.Fatalf("expected pong, got %q - %v", buf[:n], err) }

	if relay.StreamCount() != 1 { t.Fatalf("relay must carry one stream, got %d", relay.StreamCount()) }

	s.Close()
	_, err = read_with_timeout(c, buf, 3 * time.Second)
	if !errors.Is(err, ErrStreamReset) { t.Fatalf("expected reset after peer close, got %v", err) }
	_, err = s.Read(buf)
	if !errors.Is(err, net.ErrClosed) { t.Fatalf("expected closed on local close, got %v", err) }
	wait_for(t, "route removal", 3 * time.Second, func() bool { return relay.StreamCount() == 0 })
}

func TestRelayConnectRefusals(t *testing.T) {
	var addr string
	var ov *RelayOverlay
	var n1 OverlayNode
	var n2 OverlayNode
	var n3 OverlayNode
	var lsn OverlayServer
	var err error

	_, addr = start_test_relay(t)
	ov = NewRelayOverlay(RelayOverlayConfig{Addr: addr}, nil)
	n1 = new_relay_node(t, ov)
	n2 = new_relay_node(t, ov)
	n3 = new_relay_node(t, ov)

	_, err = n1.Connect(context.Background(), n2.Key(), nil)
	if !errors.Is(err, ErrPeerConnectionFailed) { t.Fatalf("connect without a listener must fail, got %v", err) }

	lsn, err = n2.Listen(func(remote_key string) bool { return remote_key == n3.Key() })
	if err != nil { t.Fatalf("listen failed - %s", err.Error()) }
	defer lsn.Close()

	wait_for(t, "listener", 3 * time.Second, func() bool {
		var s OverlayStream
		s, err = n3.Connect(context.Background(), n2.Key(), nil)
		if err != nil { return false }
		s.Close()
		return true
	})

	_, err = n1.Connect(context.Background(), n2.Key(), nil)
	if !errors.Is(err, ErrPeerConnectionFailed) { t.Fatalf("firewalled connect must fail, got %v", err) }

	_, err = n3.Connect(context.Background(), n2.Key(), &ConnectOptions{RelayThrough: "00ff"})
	if !errors.Is(err, ErrPeerConnectionFailed) { t.Fatalf("unknown relay-through peer must fail, got %v", err) }
}

func TestRelayLookupAndAnnounce(t *testing.T) {
	var addr string
	var ov *RelayOverlay
	var n1 OverlayNode
	var n2 OverlayNode
	var peers []OverlayPeer
	var err error

	_, addr = start_test_relay(t)
	ov = NewRelayOverlay(RelayOverlayConfig{Addr: addr}, nil)
	n1 = new_relay_node(t, ov)
	n2 = new_relay_node(t, ov)

	err = n2.Announce(context.Background(), "oniri-test")
	if err != nil { t.Fatalf("announce failed - %s", err.Error()) }

	wait_for(t, "announced peer", 3 * time.Second, func() bool {
		peers, err = n1.Lookup(context.Background(), "oniri-test")
		return err == nil && len(peers) == 1
	})
	if peers[0].Key != n2.Key() { t.Fatalf("unexpected peer %s", peers[0].Key) }
	if len(peers[0].RelayAddresses) != 1 || peers[0].RelayAddresses[0] != addr { t.Fatalf("unexpected relay addresses %v", peers[0].RelayAddresses) }

	peers, err = n1.Lookup(context.Background(), "nobody")
	if err != nil || len(peers) != 0 { t.Fatalf("expected no peers, got %v - %v", peers, err) }

	n2.Close()
	wait_for(t, "peer removal", 3 * time.Second, func() bool {
		peers, err = n1.Lookup(context.Background(), "oniri-test")
		return err == nil && len(peers) == 0
	})
}

func TestRelayTcpTunnel(t *testing.T) {
	var relay *RelayServer
	var addr string
	var ov *RelayOverlay
	var store *AllowedStore
	var es *echo_server
	var srv_id *ServiceIdentity
	var cli_id *ServiceIdentity
	var srv *TcpServer
	var cli *TcpClient
	var reg *prometheus.Registry
	var mfs []*dto.MetricFamily
	var mf *dto.MetricFamily
	var bytes float64
	var err error

	relay, addr = start_test_relay(t)
	ov = NewRelayOverlay(RelayOverlayConfig{Addr: addr}, nil)
	store = NewAllowedStore()
	es = start_echo_server(t)
	srv_id = new_test_identity(t)
	cli_id = new_test_identity(t)
	store.CreateServiceStore(srv_id.Key(), []string{cli_id.Key()})

	srv = NewTcpServer(srv_id, &ServiceConfig{Name: "srv", Overlay: ov, Store: store, TargetPort: es.port()})
	err = srv.Init(context.Background())
	if err != nil { t.Fatalf("server init failed - %s", err.Error()) }
	defer srv.Stop()

	wait_for(t, "server listener", 3 * time.Second, func() bool {
		var cts *RelayConn
		cts = relay.find_key(srv_id.Key())
		return cts != nil && cts.listening.Load()
	})

	cli = NewTcpClient(cli_id, &ServiceConfig{Name: "cli", Overlay: ov, PeerToConnect: srv_id.Key()})
	err = cli.Init(context.Background())
	if err != nil { t.Fatalf("client init failed - %s", err.Error()) }
	defer cli.Stop()

	round_trip(t, cli.ProxyAddr(), "ping")

	reg = prometheus.NewRegistry()
	reg.MustRegister(NewRelayCollector(relay))
	mfs, err = reg.Gather()
	if err != nil { t.Fatalf("gather failed - %s", err.Error()) }
	for _, mf = range mfs {
		if mf.GetName() == "relay_relay_bytes_total" { bytes = mf.GetMetric()[0].GetCounter().GetValue() }
	}
	if bytes < 8 { t.Fatalf("relay must have carried the round trip, got %v bytes", bytes) }
}

func TestRelayRejectsBadSignature(t *testing.T) {
	var addr string
	var ov *RelayOverlay
	var id *ServiceIdentity
	var other *ServiceIdentity
	var err error

	_, addr = start_test_relay(t)
	ov = NewRelayOverlay(RelayOverlayConfig{Addr: addr, DialTimeout: 3 * time.Second}, nil)
	id = new_test_identity(t)
	other = new_test_identity(t)

	// claim one key but sign with another
	id.priv = other.priv
	_, err = ov.NewNode(id)
	if err == nil { t.Fatalf("node with a forged key must not connect") }

	_, err = NewRelayOverlay(RelayOverlayConfig{Addr: addr}, nil).NewNode(nil)
	if !errors.Is(err, ErrSeedRequired) { t.Fatalf("expected seed error, got %v", err) }
}
