package oniri

import "context"
import "errors"
import "fmt"
import "net"
import "strconv"
import "sync"

const TCP_SERVER_DEFAULT_TARGET_HOST string = "127.0.0.1"
const TCP_SERVER_DEFAULT_TARGET_PORT int = 8080

// TcpServer accepts overlay streams from allowed peers and pipes each of
// them to a fresh TCP connection towards the target.
type TcpServer struct {
	service_base

	node OverlayNode
	server OverlayServer

	conn_mtx sync.Mutex
	conn_map map[uint64]*PipeHandle
	conn_seq uint64

	wg sync.WaitGroup
}

func NewTcpServer(id *ServiceIdentity, cfg *ServiceConfig) *TcpServer {
	var s TcpServer

	s.init_base(id, SERVICE_KIND_TCP_SERVER, cfg)
	if s.cfg.TargetHost == "" { s.cfg.TargetHost = TCP_SERVER_DEFAULT_TARGET_HOST }
	if s.cfg.TargetPort <= 0 { s.cfg.TargetPort = TCP_SERVER_DEFAULT_TARGET_PORT }
	s.conn_map = make(map[uint64]*PipeHandle)
	return &s
}

func (s *TcpServer) target_addr() string {
	return net.JoinHostPort(s.cfg.TargetHost, strconv.Itoa(s.cfg.TargetPort))
}

// firewall admits remote_key only if it is on the allowed list of this
// service. Without a store every peer is rejected.
func (s *TcpServer) firewall(remote_key string) bool {
	var store *AllowedStore
	var ok bool

	store = s.cfg.Store
	ok = store != nil && call_firewall(func(k string) bool { return store.IsAllowed(s.Key(), k) }, remote_key)
	if !ok {
		s.counters.rejected.Add(1)
		s.log.Write(s.log_id(), LOG_INFO, "Firewall: Rejected %s", remote_key)
	}
	return ok
}

func (s *TcpServer) GetAllowed() []string {
	if s.cfg.Store == nil { return []string{} }
	return s.cfg.Store.GetAllowedList(s.Key())
}

func (s *TcpServer) SetAllowed(list []string) {
	if s.cfg.Store == nil { return }
	s.cfg.Store.SetAllowedList(s.Key(), list)
}

func (s *TcpServer) Init(ctx context.Context) error {
	var node OverlayNode
	var server OverlayServer
	var err error

	s.life_mtx.Lock()
	defer s.life_mtx.Unlock()

	if s.started.Load() { return nil }

	if s.cfg.Overlay == nil {
		err = fmt.Errorf("no overlay for %s", s.cfg.Name)
		goto oops
	}

	node, err = s.cfg.Overlay.NewNode(s.id)
	if err != nil {
		err = fmt.Errorf("unable to create overlay node - %s", err.Error())
		goto oops
	}

	err = run_with_timeout("listen", LISTEN_TIMEOUT, func() error {
		var e error
		server, e = node.Listen(s.firewall)
		return e
	})
	if err != nil { goto oops }

	s.node = node
	s.server = server
	s.new_context()
	s.mark_started()

	s.log.Write(s.log_id(), LOG_INFO, "Serving %s as %s", s.target_addr(), s.Key())
	s.emit(SERVICE_EVENT_STARTED, &ServicePeerData{PublicKey: s.Key()})

	s.wg.Add(1)
	go s.accept_loop(s.ctx, server)
	return nil

oops:
	if node != nil { node.Close() }
	s.log.Write(s.log_id(), LOG_ERROR, "Failed to start - %s", err.Error())
	s.emit_error(err.Error())
	return err
}

func (s *TcpServer) accept_loop(ctx context.Context, server OverlayServer) {
	var strm OverlayStream
	var err error

	defer s.wg.Done()

	for {
		strm, err = server.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil { break }
			s.log.Write(s.log_id(), LOG_WARN, "Failed to accept - %s", err.Error())
			continue
		}

		s.wg.Add(1)
		go s.handle_stream(ctx, strm)
	}

	s.log.Write(s.log_id(), LOG_DEBUG, "Accept loop ended")
}

func (s *TcpServer) handle_stream(ctx context.Context, strm OverlayStream) {
	var conn_id uint64
	var ph *PipeHandle
	var dial_err error

	defer s.wg.Done()

	s.counters.total.Add(1)

	s.conn_mtx.Lock()
	s.conn_seq++
	conn_id = s.conn_seq
	s.conn_mtx.Unlock()

	s.log.Write(s.log_id(), LOG_DEBUG, "Peer %s connected", strm.RemoteKey())

	ph = ConnPiper(strm,
		func() DuplexConn {
			var d net.Dialer
			var conn net.Conn
			conn, dial_err = d.DialContext(ctx, "tcp", s.target_addr())
			if dial_err != nil {
				s.counters.failed.Add(1)
				return nil
			}
			return conn.(*net.TCPConn)
		},
		&PipeOptions{
			IsServer: true,
			Compress: s.cfg.Compress,
			IdleTimeout: s.cfg.IdleTimeout,
			Log: s.log,
			LogId: s.log_id(),
			OnDestroy: func(err error) {
				s.conn_mtx.Lock()
				delete(s.conn_map, conn_id)
				s.conn_mtx.Unlock()
				if err != nil { s.counters.failed.Add(1) }
			},
		},
		&s.stats)
	if ph == nil {
		if dial_err != nil {
			s.log.Write(s.log_id(), LOG_ERROR, "Failed to connect to %s - %s", s.target_addr(), dial_err.Error())
		}
		return
	}

	s.conn_mtx.Lock()
	if !ph.IsDestroyed() { s.conn_map[conn_id] = ph }
	s.conn_mtx.Unlock()
}

func (s *TcpServer) close_all_pipes() {
	var phs []*PipeHandle
	var ph *PipeHandle

	s.conn_mtx.Lock()
	phs = make([]*PipeHandle, 0, len(s.conn_map))
	for _, ph = range s.conn_map { phs = append(phs, ph) }
	s.conn_mtx.Unlock()

	for _, ph = range phs { ph.Destroy(nil) }
}

func (s *TcpServer) Stop() bool {
	var ok bool

	s.life_mtx.Lock()
	defer s.life_mtx.Unlock()

	if !s.started.Load() { return true }

	ok = true
	s.cancel_context()
	s.close_all_pipes()

	if s.server != nil { ok = s.close_step("overlay server", CLOSE_TIMEOUT, s.server.Close) && ok }
	if s.node != nil { ok = s.close_step("overlay node", CLOSE_TIMEOUT, s.node.Close) && ok }
	if ok {
		s.wg.Wait()
		s.close_all_pipes()
	}

	s.server = nil
	s.node = nil
	s.started.Store(false)

	s.log.Write(s.log_id(), LOG_INFO, "Stopped")
	s.emit(SERVICE_EVENT_STOPPED, nil)
	return ok
}

func (s *TcpServer) ActiveCount() int {
	s.conn_mtx.Lock()
	defer s.conn_mtx.Unlock()
	return len(s.conn_map)
}

func (s *TcpServer) GetMetrics() ServiceMetrics {
	var m ServiceMetrics
	m = s.base_metrics(int64(s.ActiveCount()))
	m.Connected = s.started.Load()
	return m
}
