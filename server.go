package oniri

import "context"
import "crypto/rand"
import "crypto/tls"
import "errors"
import "fmt"
import "io"
import "net"
import "slices"
import "sync"
import "sync/atomic"
import "time"

import "google.golang.org/grpc"
import "google.golang.org/grpc/credentials"
import "google.golang.org/grpc/keepalive"
import "google.golang.org/grpc/peer"
import "google.golang.org/grpc/stats"

const RELAY_SERVICE_NAME string = "oniri.Relay"
const RELAY_CHANNEL_METHOD string = "/oniri.Relay/Channel"
const RELAY_AUTH_TIMEOUT time.Duration = 10 * time.Second
const RELAY_CHALLENGE_LEN int = 32

type RelayConnId uint64

type RelayServerConfig struct {
	RpcAddrs []string
	RpcTls *tls.Config
	RpcMinPingIntvl time.Duration
	AuthTimeout time.Duration
}

type relay_channel_stream interface {
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// guarded_relay_stream serializes SendMsg. grpc-go allows one concurrent
// sender and one concurrent receiver per stream.
type guarded_relay_stream struct {
	mtx sync.Mutex
	strm relay_channel_stream
}

func (g *guarded_relay_stream) Send(pkt *RelayPacket) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.strm.SendMsg(pkt)
}

func (g *guarded_relay_stream) Recv() (*RelayPacket, error) {
	var pkt RelayPacket
	var err error

	err = g.strm.RecvMsg(&pkt)
	if err != nil { return nil, err }
	return &pkt, nil
}

type relay_route_end struct {
	cts *RelayConn
	sid RelayStreamId
}

// RelayConn is a node attached to the relay through one Channel call.
type RelayConn struct {
	S *RelayServer
	Id RelayConnId
	RemoteAddr string

	pss *guarded_relay_stream
	key string // set once authenticated
	nonce []byte
	ready atomic.Bool
	listening atomic.Bool
	topics map[string]struct{} // guarded by S.cts_mtx

	stop_req atomic.Bool
	stop_chan chan bool
}

// RelayServer is the rendezvous point of the relay overlay. It matches
// nodes by their public key and forwards stream packets between them.
type RelayServer struct {
	Ctx context.Context
	CtxCancel context.CancelFunc
	Cfg *RelayServerConfig

	name string
	log Logger
	wg sync.WaitGroup
	stop_req atomic.Bool
	stop_chan chan bool

	rpc []*net.TCPListener
	rpc_svr *grpc.Server
	rpc_wg sync.WaitGroup

	cts_mtx sync.Mutex
	cts_next_id RelayConnId
	cts_map map[RelayConnId]*RelayConn
	cts_map_by_key map[string]*RelayConn
	topic_map map[string]map[string]struct{}
	cts_wg sync.WaitGroup

	route_mtx sync.Mutex
	route_map map[relay_route_end]relay_route_end
	route_next_id RelayStreamId

	stats struct {
		conns atomic.Int64
		streams atomic.Int64
		refused atomic.Int64
		bytes atomic.Int64
	}
}

// the service descriptor is written out by hand. the message type is
// RelayPacket carried by relay_codec, so no generated stubs are involved.
var relay_service_desc = grpc.ServiceDesc{
	ServiceName: RELAY_SERVICE_NAME,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Channel",
			Handler: relay_channel_handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "oniri/relay",
}

func relay_channel_handler(srv interface{}, strm grpc.ServerStream) error {
	return srv.(*RelayServer).Channel(strm)
}

// ------------------------------------

type relay_conn_catcher struct {
	server *RelayServer
}

func (cc *relay_conn_catcher) TagRPC(ctx context.Context, info *stats.RPCTagInfo) context.Context {
	return ctx
}

func (cc *relay_conn_catcher) HandleRPC(ctx context.Context, s stats.RPCStats) {
}

func (cc *relay_conn_catcher) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	return ctx
}

func (cc *relay_conn_catcher) HandleConn(ctx context.Context, cs stats.ConnStats) {
	var p *peer.Peer
	var ok bool
	var addr string

	p, ok = peer.FromContext(ctx)
	if ok { addr = p.Addr.String() }

	switch cs.(type) {
		case *stats.ConnBegin:
			cc.server.log.Write(cc.server.name, LOG_DEBUG, "Transport connected - %s", addr)
		case *stats.ConnEnd:
			cc.server.log.Write(cc.server.name, LOG_DEBUG, "Transport disconnected - %s", addr)
	}
}

// ------------------------------------

func NewRelayServer(ctx context.Context, name string, logger Logger, cfg *RelayServerConfig) (*RelayServer, error) {
	var s RelayServer
	var l *net.TCPListener
	var rpcaddr *net.TCPAddr
	var addr string
	var opts []grpc.ServerOption
	var err error

	if len(cfg.RpcAddrs) <= 0 {
		return nil, fmt.Errorf("no relay addresses provided")
	}

	s.Ctx, s.CtxCancel = context.WithCancel(ctx)
	s.name = name
	s.log = logger_or_nop(logger)
	s.Cfg = cfg
	s.stop_chan = make(chan bool, 8)
	s.cts_next_id = 1
	s.cts_map = make(map[RelayConnId]*RelayConn)
	s.cts_map_by_key = make(map[string]*RelayConn)
	s.topic_map = make(map[string]map[string]struct{})
	s.route_map = make(map[relay_route_end]relay_route_end)

	s.rpc = make([]*net.TCPListener, 0)
	for _, addr = range cfg.RpcAddrs {
		var addr_class string

		addr_class = tcp_addr_str_class(addr)
		rpcaddr, err = net.ResolveTCPAddr(addr_class, addr)
		if err != nil { goto oops }

		l, err = net.ListenTCP(addr_class, rpcaddr)
		if err != nil { goto oops }

		s.rpc = append(s.rpc, l)
	}

	opts = append(opts, grpc.StatsHandler(&relay_conn_catcher{server: &s}))
	opts = append(opts, grpc.ForceServerCodec(relay_codec{}))
	if s.Cfg.RpcMinPingIntvl > 0 {
		// grpc library default is 5 minutes if this option is not added.
		opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime: s.Cfg.RpcMinPingIntvl,
			PermitWithoutStream: true,
		}))
	}
	if s.Cfg.RpcTls != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.Cfg.RpcTls))) }
	s.rpc_svr = grpc.NewServer(opts...)
	s.rpc_svr.RegisterService(&relay_service_desc, &s)

	return &s, nil

oops:
	for _, l = range s.rpc { l.Close() }
	s.rpc = nil
	s.CtxCancel()
	return nil, err
}

func (s *RelayServer) Name() string {
	return s.name
}

// Addrs returns the bound listener addresses. Useful when listening on port 0.
func (s *RelayServer) Addrs() []net.Addr {
	var l *net.TCPListener
	var out []net.Addr

	for _, l = range s.rpc { out = append(out, l.Addr()) }
	return out
}

func (s *RelayServer) run_grpc_server(idx int, wg *sync.WaitGroup) error {
	var l *net.TCPListener
	var err error

	defer wg.Done()

	l = s.rpc[idx]
	s.log.Write(s.name, LOG_INFO, "Starting relay server on %s", l.Addr().String())
	err = s.rpc_svr.Serve(l)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, grpc.ErrServerStopped) {
			s.log.Write(s.name, LOG_INFO, "Relay server on %s closed", l.Addr().String())
		} else {
			s.log.Write(s.name, LOG_ERROR, "Error from relay server on %s - %s", l.Addr().String(), err.Error())
		}
		return err
	}
	return nil
}

func (s *RelayServer) RunTask(wg *sync.WaitGroup) {
	var idx int

	defer wg.Done()

	for idx = range s.rpc {
		s.rpc_wg.Add(1)
		go s.run_grpc_server(idx, &s.rpc_wg)
	}

	<-s.stop_chan

	s.ReqStop()

	s.cts_wg.Wait()
	s.log.Write(s.name, LOG_DEBUG, "All relay channels ended")

	s.rpc_svr.Stop()
	s.rpc_wg.Wait()
	s.log.Write(s.name, LOG_DEBUG, "All relay listeners ended")
}

func (s *RelayServer) ReqStop() {
	if s.stop_req.CompareAndSwap(false, true) {
		var cts *RelayConn

		s.CtxCancel()

		s.cts_mtx.Lock()
		for _, cts = range s.cts_map { cts.ReqStop() }
		s.cts_mtx.Unlock()

		s.stop_chan <- true
	}
}

func (s *RelayServer) StartService(data interface{}) {
	s.wg.Add(1)
	go s.RunTask(&s.wg)
}

func (s *RelayServer) StopServices() {
	s.ReqStop()
}

func (s *RelayServer) WaitForTermination() {
	s.wg.Wait()
	s.log.Write(s.name, LOG_INFO, "End of relay service")
}

func (s *RelayServer) WriteLog(id string, level LogLevel, fmtstr string, args ...interface{}) {
	s.log.Write(id, level, fmtstr, args...)
}

// ------------------------------------

// Channel serves one node for the lifetime of its bidi stream.
func (s *RelayServer) Channel(strm grpc.ServerStream) error {
	var ctx context.Context
	var p *peer.Peer
	var ok bool
	var cts *RelayConn

	ctx = strm.Context()
	p, ok = peer.FromContext(ctx)
	if !ok { return fmt.Errorf("failed to get peer from relay stream context") }

	if s.stop_req.Load() {
		return fmt.Errorf("new connection prohibited after stop - %s", p.Addr.String())
	}

	cts = &RelayConn{
		S: s,
		RemoteAddr: p.Addr.String(),
		pss: &guarded_relay_stream{strm: strm},
		topics: make(map[string]struct{}),
		stop_chan: make(chan bool, 1),
	}

	s.cts_mtx.Lock()
	cts.Id = s.cts_next_id
	s.cts_next_id++
	s.cts_map[cts.Id] = cts
	s.cts_mtx.Unlock()
	s.stats.conns.Add(1)

	// the handler itself runs in a goroutine started by grpc.
	s.cts_wg.Add(1)
	cts.RunTask(&s.cts_wg)
	return nil
}

func (s *RelayServer) remove_conn(cts *RelayConn) {
	var topic string
	var set map[string]struct{}
	var ends []relay_route_end
	var a relay_route_end
	var b relay_route_end

	s.cts_mtx.Lock()
	if s.cts_map[cts.Id] == cts {
		delete(s.cts_map, cts.Id)
		s.stats.conns.Add(-1)
	}
	if cts.key != "" && s.cts_map_by_key[cts.key] == cts {
		delete(s.cts_map_by_key, cts.key)
		for topic = range cts.topics {
			set = s.topic_map[topic]
			delete(set, cts.key)
			if len(set) == 0 { delete(s.topic_map, topic) }
		}
	}
	s.cts_mtx.Unlock()

	s.route_mtx.Lock()
	for a, b = range s.route_map {
		if a.cts != cts { continue }
		delete(s.route_map, a)
		delete(s.route_map, b)
		ends = append(ends, b)
		s.stats.streams.Add(-1)
	}
	s.route_mtx.Unlock()

	for _, b = range ends {
		b.cts.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_CLOSE, b.sid))
	}
}

// bind_key makes cts the holder of key. an older holder is stopped.
func (s *RelayServer) bind_key(cts *RelayConn, key string) {
	var old *RelayConn
	var ok bool

	s.cts_mtx.Lock()
	old, ok = s.cts_map_by_key[key]
	cts.key = key
	s.cts_map_by_key[key] = cts
	s.cts_mtx.Unlock()

	if ok && old != cts {
		s.log.Write(s.name, LOG_WARN, "Superseding relay connection %d for %s", old.Id, key)
		old.send(MakeRelayErrorPacket("superseded by another connection"))
		old.ReqStop()
	}
}

func (s *RelayServer) find_key(key string) *RelayConn {
	s.cts_mtx.Lock()
	defer s.cts_mtx.Unlock()
	return s.cts_map_by_key[key]
}

func (s *RelayServer) announce(cts *RelayConn, topic string) {
	var set map[string]struct{}
	var ok bool

	s.cts_mtx.Lock()
	if s.cts_map_by_key[cts.key] == cts {
		set, ok = s.topic_map[topic]
		if !ok {
			set = make(map[string]struct{})
			s.topic_map[topic] = set
		}
		set[cts.key] = struct{}{}
		cts.topics[topic] = struct{}{}
	}
	s.cts_mtx.Unlock()
}

func (s *RelayServer) lookup(topic string) []string {
	var keys []string
	var k string

	s.cts_mtx.Lock()
	for k = range s.topic_map[topic] { keys = append(keys, k) }
	s.cts_mtx.Unlock()
	slices.Sort(keys)
	return keys
}

func (s *RelayServer) add_route(a relay_route_end, b_cts *RelayConn) relay_route_end {
	var b relay_route_end

	s.route_mtx.Lock()
	// even ids are assigned here. dialers use odd ids of their own.
	s.route_next_id += 2
	b = relay_route_end{cts: b_cts, sid: s.route_next_id}
	s.route_map[a] = b
	s.route_map[b] = a
	s.route_mtx.Unlock()
	s.stats.streams.Add(1)
	return b
}

func (s *RelayServer) find_route(end relay_route_end) (relay_route_end, bool) {
	var other relay_route_end
	var ok bool

	s.route_mtx.Lock()
	other, ok = s.route_map[end]
	s.route_mtx.Unlock()
	return other, ok
}

func (s *RelayServer) remove_route(end relay_route_end) (relay_route_end, bool) {
	var other relay_route_end
	var ok bool

	s.route_mtx.Lock()
	other, ok = s.route_map[end]
	if ok {
		delete(s.route_map, end)
		delete(s.route_map, other)
		s.stats.streams.Add(-1)
	}
	s.route_mtx.Unlock()
	return other, ok
}

func (s *RelayServer) ConnCount() int {
	return int(s.stats.conns.Load())
}

func (s *RelayServer) StreamCount() int {
	return int(s.stats.streams.Load())
}

// ------------------------------------

func (cts *RelayConn) send(pkt *RelayPacket) error {
	var err error

	err = cts.pss.Send(pkt)
	if err != nil {
		cts.S.log.Write(cts.S.name, LOG_DEBUG, "Failed to send %s to %s - %s", pkt.Kind.String(), cts.RemoteAddr, err.Error())
	}
	return err
}

func (cts *RelayConn) ReqStop() {
	if cts.stop_req.CompareAndSwap(false, true) {
		cts.stop_chan <- true
	}
}

func (cts *RelayConn) RunTask(wg *sync.WaitGroup) {
	var rwg sync.WaitGroup
	var recv_done chan struct{}
	var auth_tmr *time.Timer
	var auth_tmout time.Duration

	defer wg.Done()

	auth_tmout = cts.S.Cfg.AuthTimeout
	if auth_tmout <= 0 { auth_tmout = RELAY_AUTH_TIMEOUT }
	auth_tmr = time.NewTimer(auth_tmout)
	defer auth_tmr.Stop()

	recv_done = make(chan struct{})
	rwg.Add(1)
	go cts.receive_from_stream(&rwg, recv_done)

	for {
		select {
			case <-recv_done:
				goto done

			case <-cts.stop_chan:
				goto done

			case <-cts.S.Ctx.Done():
				goto done

			case <-auth_tmr.C:
				if !cts.ready.Load() {
					cts.S.log.Write(cts.S.name, LOG_WARN, "Authentication timed out for %s", cts.RemoteAddr)
					cts.send(MakeRelayErrorPacket("authentication timed out"))
					goto done
				}
		}
	}

done:
	cts.S.remove_conn(cts)
	// returning from the grpc handler cancels the stream and breaks Recv.
	// the receiver is left to finish on its own.
	cts.S.log.Write(cts.S.name, LOG_INFO, "Relay connection %d(%s) for %s ended", cts.Id, cts.RemoteAddr, cts.key)
}

func (cts *RelayConn) receive_from_stream(wg *sync.WaitGroup, recv_done chan struct{}) {
	var pkt *RelayPacket
	var err error

	defer wg.Done()
	defer close(recv_done)

	for !cts.stop_req.Load() {
		pkt, err = cts.pss.Recv()
		if errors.Is(err, io.EOF) {
			cts.S.log.Write(cts.S.name, LOG_INFO, "Relay stream closed by %s", cts.RemoteAddr)
			return
		}
		if err != nil {
			cts.S.log.Write(cts.S.name, LOG_DEBUG, "Relay stream error from %s - %s", cts.RemoteAddr, err.Error())
			return
		}

		if !cts.ready.Load() {
			err = cts.handle_handshake(pkt)
		} else {
			err = cts.handle_packet(pkt)
		}
		if err != nil {
			cts.S.log.Write(cts.S.name, LOG_WARN, "Dropping relay connection %s - %s", cts.RemoteAddr, err.Error())
			cts.send(MakeRelayErrorPacket(err.Error()))
			return
		}
	}
}

func (cts *RelayConn) handle_handshake(pkt *RelayPacket) error {
	var err error

	switch pkt.Kind {
		case RELAY_PACKET_KIND_HELLO:
			if cts.key != "" || cts.nonce != nil { return fmt.Errorf("duplicate %s", pkt.Kind.String()) }
			if !IsValidServiceKey(pkt.Key) { return fmt.Errorf("invalid key in %s", pkt.Kind.String()) }
			cts.nonce = make([]byte, RELAY_CHALLENGE_LEN)
			_, err = rand.Read(cts.nonce)
			if err != nil { return err }
			cts.key = pkt.Key
			return cts.send(MakeRelayChallengePacket(cts.nonce))

		case RELAY_PACKET_KIND_AUTH:
			if cts.nonce == nil { return fmt.Errorf("%s before %s", pkt.Kind.String(), RELAY_PACKET_KIND_HELLO.String()) }
			if !VerifyServiceKey(cts.key, cts.nonce, pkt.Data) {
				return fmt.Errorf("bad signature for %s", cts.key)
			}
			cts.nonce = nil
			cts.S.bind_key(cts, cts.key)
			cts.ready.Store(true)
			cts.S.log.Write(cts.S.name, LOG_INFO, "Relay connection %d(%s) authenticated as %s", cts.Id, cts.RemoteAddr, cts.key)
			return cts.send(&RelayPacket{Kind: RELAY_PACKET_KIND_READY, Key: cts.key})

		default:
			return fmt.Errorf("unexpected %s before authentication", pkt.Kind.String())
	}
}

func (cts *RelayConn) handle_packet(pkt *RelayPacket) error {
	var end relay_route_end
	var other relay_route_end
	var ok bool

	end = relay_route_end{cts: cts, sid: pkt.StreamId}

	switch pkt.Kind {
		case RELAY_PACKET_KIND_LISTEN:
			cts.listening.Store(true)

		case RELAY_PACKET_KIND_UNLISTEN:
			cts.listening.Store(false)

		case RELAY_PACKET_KIND_ANNOUNCE:
			cts.S.announce(cts, pkt.Topic)

		case RELAY_PACKET_KIND_LOOKUP:
			return cts.send(MakeRelayLookupResultPacket(pkt.StreamId, pkt.Topic, cts.S.lookup(pkt.Topic)))

		case RELAY_PACKET_KIND_CONNECT:
			var target *RelayConn

			if pkt.StreamId & 1 == 0 {
				return cts.send(MakeRelayRefusedPacket(pkt.StreamId, "invalid stream id"))
			}
			if pkt.Text != "" && cts.S.find_key(pkt.Text) == nil {
				cts.S.stats.refused.Add(1)
				return cts.send(MakeRelayRefusedPacket(pkt.StreamId, "relay peer " + pkt.Text + " not reachable"))
			}
			target = cts.S.find_key(pkt.Key)
			if target == nil || !target.listening.Load() {
				cts.S.stats.refused.Add(1)
				return cts.send(MakeRelayRefusedPacket(pkt.StreamId, "no listener for " + pkt.Key))
			}

			other = cts.S.add_route(end, target)
			if target.send(MakeRelayIncomingPacket(other.sid, cts.key)) != nil {
				cts.S.remove_route(end)
				cts.S.stats.refused.Add(1)
				return cts.send(MakeRelayRefusedPacket(pkt.StreamId, "listener unreachable"))
			}

		case RELAY_PACKET_KIND_ACCEPT:
			other, ok = cts.S.find_route(end)
			if ok { other.cts.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_CONNECTED, other.sid)) }

		case RELAY_PACKET_KIND_REJECT:
			other, ok = cts.S.remove_route(end)
			if ok {
				cts.S.stats.refused.Add(1)
				other.cts.send(MakeRelayRefusedPacket(other.sid, ErrFirewallRejected.Error()))
			}

		case RELAY_PACKET_KIND_DATA:
			other, ok = cts.S.find_route(end)
			if !ok { return cts.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_CLOSE, pkt.StreamId)) }
			cts.S.stats.bytes.Add(int64(len(pkt.Data)))
			other.cts.send(MakeRelayDataPacket(other.sid, pkt.Data))

		case RELAY_PACKET_KIND_EOF:
			other, ok = cts.S.find_route(end)
			if !ok { return cts.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_CLOSE, pkt.StreamId)) }
			other.cts.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_EOF, other.sid))

		case RELAY_PACKET_KIND_CLOSE:
			other, ok = cts.S.remove_route(end)
			if ok { other.cts.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_CLOSE, other.sid)) }

		default:
			cts.S.log.Write(cts.S.name, LOG_WARN, "Ignoring %s from %s", pkt.Kind.String(), cts.RemoteAddr)
	}

	return nil
}
