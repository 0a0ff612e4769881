package oniri

import "context"
import "errors"
import "io"
import "net"
import "sync"
import "sync/atomic"
import "testing"
import "time"

type echo_server struct {
	l net.Listener
	accepted atomic.Int32
	wg sync.WaitGroup
}

func start_echo_server(t *testing.T) *echo_server {
	var es echo_server
	var err error

	es.l, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil { t.Fatalf("unable to listen - %s", err.Error()) }

	es.wg.Add(1)
	go func() {
		var conn net.Conn
		var err error

		defer es.wg.Done()
		for {
			conn, err = es.l.Accept()
			if err != nil { return }
			es.accepted.Add(1)
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()

	t.Cleanup(func() {
		es.l.Close()
		es.wg.Wait()
	})
	return &es
}

func (es *echo_server) port() int {
	return es.l.Addr().(*net.TCPAddr).Port
}

// round_trip writes msg through the proxy at addr and expects it echoed.
func round_trip(t *testing.T, addr net.Addr, msg string) {
	var conn net.Conn
	var err error

	conn, err = net.Dial("tcp", addr.String())
	if err != nil { t.Fatalf("unable to dial proxy - %s", err.Error()) }
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte(msg))
	if err != nil { t.Fatalf("write failed - %s", err.Error()) }
	if string(read_exactly(t, conn, len(msg))) != msg { t.Fatalf("echo mismatch") }
}

func TestTcpTunnelEndToEnd(t *testing.T) {
	var ov *MemoryOverlay
	var store *AllowedStore
	var es *echo_server
	var srv_id *ServiceIdentity
	var cli_id *ServiceIdentity
	var srv *TcpServer
	var cli *TcpClient
	var conn net.Conn
	var err error

	ov = NewMemoryOverlay()
	store = NewAllowedStore()
	es = start_echo_server(t)
	srv_id = new_test_identity(t)
	cli_id = new_test_identity(t)
	store.CreateServiceStore(srv_id.Key(), []string{cli_id.Key()})

	srv = NewTcpServer(srv_id, &ServiceConfig{Name: "srv", Overlay: ov, Store: store, TargetPort: es.port(), EnableMetrics: true})
	err = srv.Init(context.Background())
	if err != nil { t.Fatalf("server init failed - %s", err.Error()) }
	defer srv.Stop()

	cli = NewTcpClient(cli_id, &ServiceConfig{Name: "cli", Overlay: ov, PeerToConnect: srv_id.Key(), EnableMetrics: true})
	err = cli.Init(context.Background())
	if err != nil { t.Fatalf("client init failed - %s", err.Error()) }
	defer cli.Stop()

	conn, err = net.Dial("tcp", cli.ProxyAddr().String())
	if err != nil { t.Fatalf("unable to dial proxy - %s", err.Error()) }
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte("ping"))
	if err != nil { t.Fatalf("write failed - %s", err.Error()) }
	if string(read_exactly(t, conn, 4)) != "ping" { t.Fatalf("echo mismatch") }

	if srv.GetMetrics().TotalConnections != 1 { t.Fatalf("server total connections %d", srv.GetMetrics().TotalConnections) }
	if cli.GetMetrics().TotalConnections != 1 { t.Fatalf("client total connections %d", cli.GetMetrics().TotalConnections) }
}

func TestTcpTunnelCompressed(t *testing.T) {
	var ov *MemoryOverlay
	var store *AllowedStore
	var es *echo_server
	var srv_id *ServiceIdentity
	var cli_id *ServiceIdentity
	var srv *TcpServer
	var cli *TcpClient
	var conn net.Conn
	var msg []byte
	var i int
	var err error

	ov = NewMemoryOverlay()
	store = NewAllowedStore()
	es = start_echo_server(t)
	srv_id = new_test_identity(t)
	cli_id = new_test_identity(t)
	store.CreateServiceStore(srv_id.Key(), []string{cli_id.Key()})

	srv = NewTcpServer(srv_id, &ServiceConfig{Name: "srv", Overlay: ov, Store: store, TargetPort: es.port(), Compress: true})
	if err = srv.Init(context.Background()); err != nil { t.Fatalf("server init failed - %s", err.Error()) }
	defer srv.Stop()
	cli = NewTcpClient(cli_id, &ServiceConfig{Name: "cli", Overlay: ov, PeerToConnect: srv_id.Key(), Compress: true})
	if err = cli.Init(context.Background()); err != nil { t.Fatalf("client init failed - %s", err.Error()) }
	defer cli.Stop()

	msg = make([]byte, 100000)
	for i = range msg { msg[i] = byte(i % 7) }

	conn, err = net.Dial("tcp", cli.ProxyAddr().String())
	if err != nil { t.Fatalf("unable to dial proxy - %s", err.Error()) }
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	go conn.Write(msg)
	if string(read_exactly(t, conn, len(msg))) != string(msg) { t.Fatalf("compressed echo mismatch") }
}

func TestTcpServerFirewallRejects(t *testing.T) {
	var ov *MemoryOverlay
	var store *AllowedStore
	var es *echo_server
	var srv_id *ServiceIdentity
	var srv *TcpServer
	var cli *TcpClient
	var conn net.Conn
	var buf [8]byte
	var err error

	ov = NewMemoryOverlay()
	store = NewAllowedStore()
	es = start_echo_server(t)
	srv_id = new_test_identity(t)
	store.CreateServiceStore(srv_id.Key(), []string{new_test_identity(t).Key()})

	srv = NewTcpServer(srv_id, &ServiceConfig{Name: "srv", Overlay: ov, Store: store, TargetPort: es.port(), EnableMetrics: true})
	if err = srv.Init(context.Background()); err != nil { t.Fatalf("server init failed - %s", err.Error()) }
	defer srv.Stop()

	cli = NewTcpClient(new_test_identity(t), &ServiceConfig{Name: "intruder", Overlay: ov, PeerToConnect: srv_id.Key(), EnableMetrics: true})
	if err = cli.Init(context.Background()); err != nil { t.Fatalf("client init failed - %s", err.Error()) }
	defer cli.Stop()

	conn, err = net.Dial("tcp", cli.ProxyAddr().String())
	if err != nil { t.Fatalf("unable to dial proxy - %s", err.Error()) }
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Read(buf[:])
	if err == nil { t.Fatalf("rejected connection must be closed") }

	if srv.GetMetrics().RejectedConnections != 1 { t.Fatalf("rejected count %d", srv.GetMetrics().RejectedConnections) }
	if es.accepted.Load() != 0 { t.Fatalf("target was dialed for a rejected peer") }
	if cli.GetMetrics().FailedConnections != 1 { t.Fatalf("client failed count %d", cli.GetMetrics().FailedConnections) }
}

func TestTcpServerWithoutStoreRejectsAll(t *testing.T) {
	var srv *TcpServer

	srv = NewTcpServer(new_test_identity(t), &ServiceConfig{Name: "srv"})
	if srv.firewall(new_test_identity(t).Key()) { t.Fatalf("server without a store must reject") }
	if len(srv.GetAllowed()) != 0 { t.Fatalf("unexpected allowed list") }
}

func TestTcpClientPortTaken(t *testing.T) {
	var l net.Listener
	var cli *TcpClient
	var events []*ServiceEvent
	var err error

	l, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil { t.Fatalf("unable to listen - %s", err.Error()) }
	defer l.Close()

	cli = NewTcpClient(new_test_identity(t), &ServiceConfig{
		Name: "cli",
		Overlay: NewMemoryOverlay(),
		PeerToConnect: new_test_identity(t).Key(),
		ProxyPort: l.Addr().(*net.TCPAddr).Port,
		OnUpdate: func(evt *ServiceEvent) { events = append(events, evt) },
	})
	err = cli.Init(context.Background())
	if !errors.Is(err, ErrPortTaken) { t.Fatalf("expected port taken, got %v", err) }
	if cli.IsStarted() { t.Fatalf("client must not be started") }
	if len(events) != 1 || events[0].Msg.Type != SERVICE_EVENT_ERROR {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if events[0].Msg.Data.(*ServiceErrorData).Msg != "cannot start proxy, port is already taken" {
		t.Fatalf("unexpected error message %+v", events[0].Msg.Data)
	}
}

func TestTcpServiceStopIsIdempotent(t *testing.T) {
	var ov *MemoryOverlay
	var srv *TcpServer
	var events []ServiceEventType
	var err error

	ov = NewMemoryOverlay()
	srv = NewTcpServer(new_test_identity(t), &ServiceConfig{
		Name: "srv",
		Overlay: ov,
		OnUpdate: func(evt *ServiceEvent) { events = append(events, evt.Msg.Type) },
	})

	if !srv.Stop() { t.Fatalf("stop on a never-started service must succeed") }
	if len(events) != 0 { t.Fatalf("stop on a never-started service must emit nothing") }

	if err = srv.Init(context.Background()); err != nil { t.Fatalf("init failed - %s", err.Error()) }
	if !srv.Stop() { t.Fatalf("stop failed") }
	if !srv.Stop() { t.Fatalf("second stop failed") }
	if ov.NodeCount() != 0 { t.Fatalf("overlay node leaked") }

	if len(events) != 2 || events[0] != SERVICE_EVENT_STARTED || events[1] != SERVICE_EVENT_STOPPED {
		t.Fatalf("unexpected events %v", events)
	}

	// restart is a fresh init
	if err = srv.Init(context.Background()); err != nil { t.Fatalf("restart failed - %s", err.Error()) }
	if !srv.IsStarted() { t.Fatalf("not started after restart") }
	srv.Stop()
}

func TestTcpServiceDefaults(t *testing.T) {
	var srv *TcpServer
	var cli *TcpClient
	var m ServiceMetrics

	srv = NewTcpServer(new_test_identity(t), &ServiceConfig{})
	if srv.target_addr() != "127.0.0.1:8080" { t.Fatalf("unexpected default target %s", srv.target_addr()) }

	cli = NewTcpClient(new_test_identity(t), &ServiceConfig{})
	if cli.cfg.ProxyHost != "127.0.0.1" { t.Fatalf("unexpected default proxy host %s", cli.cfg.ProxyHost) }

	m = cli.GetMetrics()
	if m.Enabled || m.TotalConnections != 0 { t.Fatalf("disabled metrics must report nothing but activity") }
}
