package oniri

import "context"
import "errors"
import "fmt"
import "io"
import "net"
import "strconv"
import "sync"

type udp_target_sock struct {
	key string
	conn *net.UDPConn
}

// UdpServer accepts overlay streams and forwards the datagrams found on them
// to the target, using one connected socket per originating sender.
type UdpServer struct {
	service_base

	node OverlayNode
	server OverlayServer

	strm_mtx sync.Mutex
	strm_map map[OverlayStream]struct{}

	sock_mtx sync.Mutex
	sock_map map[string]*udp_target_sock

	wg sync.WaitGroup
}

func NewUdpServer(id *ServiceIdentity, cfg *ServiceConfig) *UdpServer {
	var s UdpServer

	s.init_base(id, SERVICE_KIND_UDP_SERVER, cfg)
	if s.cfg.TargetHost == "" { s.cfg.TargetHost = TCP_SERVER_DEFAULT_TARGET_HOST }
	if s.cfg.TargetPort <= 0 { s.cfg.TargetPort = TCP_SERVER_DEFAULT_TARGET_PORT }
	s.strm_map = make(map[OverlayStream]struct{})
	s.sock_map = make(map[string]*udp_target_sock)
	return &s
}

func (s *UdpServer) target_addr() string {
	return net.JoinHostPort(s.cfg.TargetHost, strconv.Itoa(s.cfg.TargetPort))
}

// firewall only filters when an allowed list exists for this service.
func (s *UdpServer) firewall(remote_key string) bool {
	var store *AllowedStore
	var ok bool

	store = s.cfg.Store
	if store == nil || !store.HasServiceStore(s.Key()) { return true }

	ok = call_firewall(func(k string) bool { return store.IsAllowed(s.Key(), k) }, remote_key)
	if !ok {
		s.counters.rejected.Add(1)
		s.log.Write(s.log_id(), LOG_INFO, "Firewall: Rejected %s", remote_key)
	}
	return ok
}

func (s *UdpServer) Init(ctx context.Context) error {
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
	if err != nil {
		err = fmt.Errorf("failed to start - %s", err.Error())
		goto oops
	}

	s.node = node
	s.server = server
	s.new_context()
	s.mark_started()

	s.log.Write(s.log_id(), LOG_INFO, "UDP server listening on %s", s.Key())
	s.emit(SERVICE_EVENT_STARTED, nil)

	s.wg.Add(1)
	go s.accept_loop(s.ctx, server)
	return nil

oops:
	if node != nil { node.Close() }
	s.log.Write(s.log_id(), LOG_ERROR, "Failed to start - %s", err.Error())
	s.emit_error(err.Error())
	return err
}

func (s *UdpServer) accept_loop(ctx context.Context, server OverlayServer) {
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

		s.strm_mtx.Lock()
		s.strm_map[strm] = struct{}{}
		s.strm_mtx.Unlock()

		s.wg.Add(1)
		go s.handle_stream(ctx, strm)
	}
}

func (s *UdpServer) handle_stream(ctx context.Context, strm OverlayStream) {
	var buf []byte
	var n int
	var from *net.UDPAddr
	var payload []byte
	var ts *udp_target_sock
	var owned []string
	var k string
	var err error

	defer s.wg.Done()

	s.counters.total.Add(1)
	s.log.Write(s.log_id(), LOG_DEBUG, "New connection from %s", strm.RemoteKey())

	buf = make([]byte, UDP_MAX_DATAGRAM + UDP_HEADER_LEN)
	for {
		n, err = strm.Read(buf)
		if n > 0 {
			s.counters.bytes_in.Add(int64(n))
			from, payload, err = unwrap_udp_message(buf[:n])
			if err != nil {
				s.log.Write(s.log_id(), LOG_WARN, "Dropped message from %s - %s", strm.RemoteKey(), err.Error())
				continue
			}

			ts, err = s.get_target_sock(ctx, strm, from)
			if err != nil {
				s.counters.failed.Add(1)
				s.log.Write(s.log_id(), LOG_ERROR, "Unable to open socket to %s - %s", s.target_addr(), err.Error())
				continue
			}
			if !has_string(owned, ts.key) { owned = append(owned, ts.key) }

			_, err = ts.conn.Write(payload)
			if err != nil {
				s.log.Write(s.log_id(), LOG_ERROR, "Error sending to target - %s", err.Error())
				s.drop_target_sock(ts, true)
			} else {
				s.counters.bytes_out.Add(int64(len(payload)))
			}
			continue
		}
		if err != nil { break }
	}

	if !errors.Is(err, io.EOF) && !is_clean_close(err) {
		s.counters.failed.Add(1)
		s.log.Write(s.log_id(), LOG_ERROR, "Connection error from %s - %s", strm.RemoteKey(), err.Error())
	} else {
		s.log.Write(s.log_id(), LOG_DEBUG, "Connection closed from %s", strm.RemoteKey())
	}

	strm.Close()
	s.strm_mtx.Lock()
	delete(s.strm_map, strm)
	s.strm_mtx.Unlock()

	s.sock_mtx.Lock()
	for _, k = range owned {
		ts = s.sock_map[k]
		if ts != nil {
			delete(s.sock_map, k)
			ts.conn.Close()
		}
	}
	s.sock_mtx.Unlock()
}

func has_string(list []string, v string) bool {
	var x string
	for _, x = range list {
		if x == v { return true }
	}
	return false
}

func (s *UdpServer) get_target_sock(ctx context.Context, strm OverlayStream, from *net.UDPAddr) (*udp_target_sock, error) {
	var key string
	var ts *udp_target_sock
	var ok bool
	var raddr *net.UDPAddr
	var conn *net.UDPConn
	var err error

	key = strm.RemoteKey() + "/" + udp_peer_id(from)

	s.sock_mtx.Lock()
	defer s.sock_mtx.Unlock()

	ts, ok = s.sock_map[key]
	if ok { return ts, nil }
	if ctx.Err() != nil { return nil, ctx.Err() }

	raddr, err = net.ResolveUDPAddr("udp4", s.target_addr())
	if err != nil { return nil, err }
	conn, err = net.DialUDP("udp4", nil, raddr)
	if err != nil { return nil, err }

	s.log.Write(s.log_id(), LOG_DEBUG, "New UDP client %s", udp_peer_id(from))
	ts = &udp_target_sock{key: key, conn: conn}
	s.sock_map[key] = ts

	s.wg.Add(1)
	go s.reply_loop(strm, ts)
	return ts, nil
}

// reply_loop relays what the target sends back, tagged with the target's
// own address.
func (s *UdpServer) reply_loop(strm OverlayStream, ts *udp_target_sock) {
	var buf []byte
	var n int
	var info *net.UDPAddr
	var err error

	defer s.wg.Done()

	buf = make([]byte, UDP_HEADER_LEN + UDP_MAX_DATAGRAM)
	info = ts.conn.RemoteAddr().(*net.UDPAddr)
	for {
		n, err = ts.conn.Read(buf[UDP_HEADER_LEN:])
		if err != nil { break }

		put_udp_header(buf, info)
		_, err = strm.Write(buf[:UDP_HEADER_LEN + n])
		if err != nil { break }
		s.counters.bytes_in.Add(int64(n))
	}

	if err != nil && !is_clean_close(err) {
		s.log.Write(s.log_id(), LOG_ERROR, "UDP client %s error - %s", ts.key, err.Error())
		s.counters.failed.Add(1)
	}
	s.drop_target_sock(ts, false)
}

func (s *UdpServer) drop_target_sock(ts *udp_target_sock, log_it bool) {
	s.sock_mtx.Lock()
	if s.sock_map[ts.key] == ts { delete(s.sock_map, ts.key) }
	s.sock_mtx.Unlock()
	ts.conn.Close()
	if log_it { s.log.Write(s.log_id(), LOG_DEBUG, "Closed socket %s", ts.key) }
}

func (s *UdpServer) close_all() {
	var strms []OverlayStream
	var strm OverlayStream
	var socks []*udp_target_sock
	var ts *udp_target_sock

	s.sock_mtx.Lock()
	socks = make([]*udp_target_sock, 0, len(s.sock_map))
	for _, ts = range s.sock_map { socks = append(socks, ts) }
	s.sock_map = make(map[string]*udp_target_sock)
	s.sock_mtx.Unlock()
	for _, ts = range socks { ts.conn.Close() }

	s.strm_mtx.Lock()
	strms = make([]OverlayStream, 0, len(s.strm_map))
	for strm = range s.strm_map { strms = append(strms, strm) }
	s.strm_mtx.Unlock()
	for _, strm = range strms { strm.Close() }
}

func (s *UdpServer) Stop() bool {
	var ok bool

	s.life_mtx.Lock()
	defer s.life_mtx.Unlock()

	if !s.started.Load() { return true }

	s.log.Write(s.log_id(), LOG_INFO, "Stopping with %d active UDP clients", s.ActiveCount())

	ok = true
	s.cancel_context()
	s.close_all()

	if s.server != nil { ok = s.close_step("overlay server", CLOSE_TIMEOUT, s.server.Close) && ok }
	if s.node != nil { ok = s.close_step("overlay node", CLOSE_TIMEOUT, s.node.Close) && ok }
	if ok {
		s.wg.Wait()
		s.close_all()
	}

	s.server = nil
	s.node = nil
	s.started.Store(false)

	s.emit(SERVICE_EVENT_STOPPED, nil)
	return ok
}

func (s *UdpServer) ActiveCount() int {
	s.sock_mtx.Lock()
	defer s.sock_mtx.Unlock()
	return len(s.sock_map)
}

func (s *UdpServer) GetMetrics() ServiceMetrics {
	var m ServiceMetrics
	m = s.base_metrics(int64(s.ActiveCount()))
	m.Connected = s.started.Load()
	return m
}

func (s *UdpServer) GetAllowed() []string {
	if s.cfg.Store == nil { return []string{} }
	return s.cfg.Store.GetAllowedList(s.Key())
}

func (s *UdpServer) SetAllowed(list []string) {
	if s.cfg.Store == nil { return }
	s.cfg.Store.SetAllowedList(s.Key(), list)
}
