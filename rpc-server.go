package oniri

import "context"
import "encoding/json"
import "errors"
import "fmt"
import "net"
import "sync"
import "time"

// RpcServer announces its topic and serves one control session per
// connected client key.
type RpcServer struct {
	service_base

	node OverlayNode
	server OverlayServer

	sess_mtx sync.Mutex
	sess_map map[string]*RpcSession

	tmr_mtx sync.Mutex
	announce_tmr *time.Timer
	announce_intvl time.Duration
	announce_retry time.Duration

	wg sync.WaitGroup
}

func NewRpcServer(id *ServiceIdentity, cfg *ServiceConfig) *RpcServer {
	var s RpcServer

	s.init_base(id, SERVICE_KIND_RPC_SERVER, cfg)
	if s.cfg.Topic == "" { s.cfg.Topic = default_rpc_topic }
	s.sess_map = make(map[string]*RpcSession)
	s.announce_intvl = RPC_ANNOUNCE_INTERVAL
	s.announce_retry = RPC_RETRY_ANNOUNCE
	return &s
}

func (s *RpcServer) firewall(remote_key string) bool {
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

func (s *RpcServer) GetAllowed() []string {
	if s.cfg.Store == nil { return []string{} }
	return s.cfg.Store.GetAllowedList(s.Key())
}

func (s *RpcServer) SetAllowed(list []string) {
	if s.cfg.Store == nil { return }
	s.cfg.Store.SetAllowedList(s.Key(), list)
}

func (s *RpcServer) Init(ctx context.Context) error {
	var node OverlayNode
	var server OverlayServer
	var err error

	s.life_mtx.Lock()
	defer s.life_mtx.Unlock()

	if s.started.Load() { return nil }

	if s.id == nil {
		err = ErrSeedRequired
		goto oops
	}
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

	s.log.Write(s.log_id(), LOG_INFO, "RPC server listening on %s", s.Key())
	s.emit(SERVICE_EVENT_STARTED, nil)

	s.wg.Add(1)
	go s.accept_loop(s.ctx, server)

	s.announce(s.ctx, node)
	return nil

oops:
	if node != nil { node.Close() }
	s.log.Write(s.log_id(), LOG_ERROR, "Failed to start - %s", err.Error())
	s.emit_error(err.Error())
	return err
}

// announce publishes the topic and rearms itself while the server runs. A
// failed attempt is retried sooner than the regular interval.
func (s *RpcServer) announce(ctx context.Context, node OverlayNode) {
	var delay time.Duration
	var err error

	if ctx.Err() != nil { return }

	delay = s.announce_intvl
	err = node.Announce(ctx, s.cfg.Topic)
	if err != nil {
		if ctx.Err() != nil { return }
		s.log.Write(s.log_id(), LOG_ERROR, "Error announcing - %s", err.Error())
		delay = s.announce_retry
	}

	s.tmr_mtx.Lock()
	if ctx.Err() == nil {
		if s.announce_tmr != nil { s.announce_tmr.Stop() }
		s.announce_tmr = time.AfterFunc(delay, func() { s.announce(ctx, node) })
	}
	s.tmr_mtx.Unlock()
}

func (s *RpcServer) accept_loop(ctx context.Context, server OverlayServer) {
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
		s.handle_stream(ctx, strm)
	}
}

func (s *RpcServer) handle_stream(ctx context.Context, strm OverlayStream) {
	var remote string
	var sess *RpcSession
	var old *RpcSession

	remote = strm.RemoteKey()
	s.log.Write(s.log_id(), LOG_INFO, "New connection from %s", remote)
	s.counters.total.Add(1)

	sess = NewRpcSession(strm, &RpcSessionOptions{
		Methods: s.cfg.Methods,
		RemoteKey: remote,
		Log: s.log,
		LogId: s.log_id(),
		Stats: &s.stats,
		OnClose: func(err error) {
			var mine bool

			s.sess_mtx.Lock()
			mine = s.sess_map[remote] == sess
			if mine { delete(s.sess_map, remote) }
			s.sess_mtx.Unlock()
			if !mine { return }

			if err != nil { s.counters.failed.Add(1) }
			s.log.Write(s.log_id(), LOG_DEBUG, "Disconnected from %s", remote)
			s.emit(SERVICE_EVENT_DISCONNECTED, remote)
		},
	})

	s.sess_mtx.Lock()
	if ctx.Err() != nil {
		s.sess_mtx.Unlock()
		sess.Close()
		return
	}
	old = s.sess_map[remote]
	s.sess_map[remote] = sess
	s.sess_mtx.Unlock()

	if old != nil { s.cleanup_session(old) }
	if sess.IsClosed() {
		// the stream died before the session got registered
		s.sess_mtx.Lock()
		if s.sess_map[remote] == sess { delete(s.sess_map, remote) }
		s.sess_mtx.Unlock()
		return
	}

	s.emit(SERVICE_EVENT_CONNECTED, remote)
}

// cleanup_session closes a session that is no longer registered without
// reporting a disconnection.
func (s *RpcServer) cleanup_session(sess *RpcSession) {
	sess.RejectAllPending("Connection closed - cleanup")
	sess.Close()
}

func (s *RpcServer) cleanup_all() {
	var sessions []*RpcSession
	var sess *RpcSession

	s.sess_mtx.Lock()
	sessions = make([]*RpcSession, 0, len(s.sess_map))
	for _, sess = range s.sess_map { sessions = append(sessions, sess) }
	s.sess_map = make(map[string]*RpcSession)
	s.sess_mtx.Unlock()

	for _, sess = range sessions { s.cleanup_session(sess) }
}

// SendRequest calls method on the client identified by remote_key.
func (s *RpcServer) SendRequest(ctx context.Context, method string, data interface{}, remote_key string) (json.RawMessage, error) {
	var sess *RpcSession
	var params *RpcRequestParams
	var res json.RawMessage
	var err error

	s.sess_mtx.Lock()
	sess = s.sess_map[remote_key]
	s.sess_mtx.Unlock()
	if sess == nil { return nil, fmt.Errorf("%w - %s", ErrRpcNotConnected, remote_key) }

	params, err = make_rpc_params(s.Key(), data)
	if err != nil { return nil, err }

	res, err = sess.Request(ctx, method, params)
	if err != nil {
		s.log.Write(s.log_id(), LOG_ERROR, "Error sending request %s to %s - %s", method, remote_key, err.Error())
	}
	return res, err
}

func (s *RpcServer) ConnectedPeers() []string {
	var keys []string
	var k string

	s.sess_mtx.Lock()
	defer s.sess_mtx.Unlock()
	keys = make([]string, 0, len(s.sess_map))
	for k = range s.sess_map { keys = append(keys, k) }
	return keys
}

func (s *RpcServer) Stop() bool {
	var ok bool

	s.life_mtx.Lock()
	defer s.life_mtx.Unlock()

	if !s.started.Load() { return true }

	s.log.Write(s.log_id(), LOG_INFO, "Stopping RPC server, %d active connections", s.ActiveCount())

	ok = true
	s.cancel_context()

	s.tmr_mtx.Lock()
	if s.announce_tmr != nil {
		s.announce_tmr.Stop()
		s.announce_tmr = nil
	}
	s.tmr_mtx.Unlock()

	s.cleanup_all()

	if s.server != nil { ok = s.close_step("overlay server", CLOSE_TIMEOUT, s.server.Close) && ok }
	if s.node != nil { ok = s.close_step("overlay node", CLOSE_TIMEOUT, s.node.Close) && ok }
	if ok {
		s.wg.Wait()
		s.cleanup_all()
	}

	s.server = nil
	s.node = nil
	s.started.Store(false)

	s.emit(SERVICE_EVENT_STOPPED, nil)
	return ok
}

func (s *RpcServer) ActiveCount() int {
	s.sess_mtx.Lock()
	defer s.sess_mtx.Unlock()
	return len(s.sess_map)
}

func (s *RpcServer) GetMetrics() ServiceMetrics {
	var m ServiceMetrics
	m = s.base_metrics(int64(s.ActiveCount()))
	m.Connected = s.started.Load()
	return m
}
