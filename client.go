package oniri

import "context"
import "crypto/tls"
import "errors"
import "fmt"
import "io"
import "net"
import "sync"
import "sync/atomic"
import "time"

import "github.com/jpillora/backoff"
import "google.golang.org/grpc"
import "google.golang.org/grpc/credentials"
import "google.golang.org/grpc/credentials/insecure"
import "google.golang.org/grpc/keepalive"

const RELAY_DIAL_TIMEOUT time.Duration = 10 * time.Second
const RELAY_RETRY_MIN time.Duration = 200 * time.Millisecond
const RELAY_RETRY_MAX time.Duration = 30 * time.Second
const RELAY_MAX_DATA int = 1024 * 1024

const relay_stream_queue_len int = 256
const relay_accept_queue_len int = 64

var ErrRelayDisconnected = errors.New("relay disconnected")

type RelayOverlayConfig struct {
	Addr string
	Tls *tls.Config
	PingIntvl time.Duration
	DialTimeout time.Duration
	RetryMax time.Duration
}

// RelayOverlay connects nodes through a RelayServer. Every node keeps one
// authenticated grpc stream to the relay and multiplexes its overlay
// streams over it.
type RelayOverlay struct {
	Cfg RelayOverlayConfig
	log Logger
}

type RelayNode struct {
	ov *RelayOverlay
	id *ServiceIdentity
	ctx context.Context
	ctx_cancel context.CancelFunc
	conn *grpc.ClientConn
	closed atomic.Bool
	wg sync.WaitGroup

	psc_mtx sync.Mutex
	psc *guarded_relay_stream
	psc_cancel context.CancelFunc

	next_id atomic.Uint64

	strm_mtx sync.Mutex
	strm_map map[RelayStreamId]*RelayStream

	req_mtx sync.Mutex
	req_map map[RelayStreamId]chan *RelayPacket

	lsn_mtx sync.Mutex
	lsn *relay_listener
	topics map[string]struct{}
}

type relay_listener struct {
	node *RelayNode
	firewall FirewallFunc
	accept_chan chan *RelayStream
	done chan struct{}
	close_once sync.Once
}

// RelayStream is one overlay stream carried over the node's relay channel.
type RelayStream struct {
	node *RelayNode
	sid RelayStreamId
	local_key string
	remote_key string

	in_chan chan []byte
	eof_chan chan struct{}
	eof_once sync.Once
	done chan struct{}
	done_once sync.Once
	est_chan chan *RelayPacket

	rd_mtx sync.Mutex
	leftover []byte
	wr_shut atomic.Bool
	closed atomic.Bool
}

func NewRelayOverlay(cfg RelayOverlayConfig, log Logger) *RelayOverlay {
	if cfg.DialTimeout <= 0 { cfg.DialTimeout = RELAY_DIAL_TIMEOUT }
	if cfg.RetryMax <= 0 { cfg.RetryMax = RELAY_RETRY_MAX }
	return &RelayOverlay{Cfg: cfg, log: logger_or_nop(log)}
}

func (ov *RelayOverlay) NewNode(id *ServiceIdentity) (OverlayNode, error) {
	var n *RelayNode
	var opts []grpc.DialOption
	var err error

	if id == nil { return nil, ErrSeedRequired }

	n = &RelayNode{
		ov: ov,
		id: id,
		strm_map: make(map[RelayStreamId]*RelayStream),
		req_map: make(map[RelayStreamId]chan *RelayPacket),
		topics: make(map[string]struct{}),
	}
	n.ctx, n.ctx_cancel = context.WithCancel(context.Background())

	if ov.Cfg.Tls != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(ov.Cfg.Tls)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if ov.Cfg.PingIntvl > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time: ov.Cfg.PingIntvl,
			Timeout: ov.Cfg.PingIntvl,
			PermitWithoutStream: true,
		}))
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(relay_codec{})))

	n.conn, err = grpc.NewClient(ov.Cfg.Addr, opts...)
	if err != nil { goto oops }

	// the first attempt is synchronous so that a bad relay address or
	// a refused key surfaces to the caller.
	err = n.connect()
	if err != nil { goto oops }

	n.wg.Add(1)
	go n.RunTask(&n.wg)
	return n, nil

oops:
	if n.conn != nil { n.conn.Close() }
	n.ctx_cancel()
	return nil, err
}

func (n *RelayNode) Key() string {
	return n.id.Key()
}

func (n *RelayNode) log_id() string {
	var k string
	k = n.id.Key()
	if len(k) > 8 { k = k[:8] }
	return "relay-" + k
}

func (n *RelayNode) alloc_id() RelayStreamId {
	return RelayStreamId(n.next_id.Add(1) * 2 - 1)
}

// connect opens a new channel and authenticates on it.
func (n *RelayNode) connect() error {
	var sctx context.Context
	var cancel context.CancelFunc
	var cs grpc.ClientStream
	var g *guarded_relay_stream
	var pkt *RelayPacket
	var tmr *time.Timer
	var err error

	sctx, cancel = context.WithCancel(n.ctx)
	tmr = time.AfterFunc(n.ov.Cfg.DialTimeout, cancel)

	cs, err = n.conn.NewStream(sctx, &relay_service_desc.Streams[0], RELAY_CHANNEL_METHOD)
	if err != nil { goto oops }
	g = &guarded_relay_stream{strm: cs}

	err = g.Send(MakeRelayHelloPacket(n.id.Key()))
	if err != nil { goto oops }

	pkt, err = g.Recv()
	if err != nil { goto oops }
	if pkt.Kind != RELAY_PACKET_KIND_CHALLENGE {
		err = relay_unexpected(pkt, RELAY_PACKET_KIND_CHALLENGE)
		goto oops
	}

	err = g.Send(MakeRelayAuthPacket(n.id.Sign(pkt.Data)))
	if err != nil { goto oops }

	pkt, err = g.Recv()
	if err != nil { goto oops }
	if pkt.Kind != RELAY_PACKET_KIND_READY {
		err = relay_unexpected(pkt, RELAY_PACKET_KIND_READY)
		goto oops
	}

	if !tmr.Stop() {
		err = context.DeadlineExceeded
		goto oops
	}

	n.psc_mtx.Lock()
	n.psc = g
	n.psc_cancel = cancel
	n.psc_mtx.Unlock()

	n.restore_state()
	n.ov.log.Write(n.log_id(), LOG_INFO, "Connected to relay %s", n.ov.Cfg.Addr)
	return nil

oops:
	tmr.Stop()
	cancel()
	return fmt.Errorf("unable to connect to relay %s - %s", n.ov.Cfg.Addr, err.Error())
}

func relay_unexpected(pkt *RelayPacket, expected RelayPacketKind) error {
	if pkt.Kind == RELAY_PACKET_KIND_ERROR {
		return fmt.Errorf("relay error - %s", pkt.Text)
	}
	return fmt.Errorf("%s received while expecting %s", pkt.Kind.String(), expected.String())
}

// restore_state replays the listener and the announced topics on a
// fresh channel.
func (n *RelayNode) restore_state() {
	var topic string
	var listening bool
	var topics []string

	n.lsn_mtx.Lock()
	listening = n.lsn != nil
	for topic = range n.topics { topics = append(topics, topic) }
	n.lsn_mtx.Unlock()

	if listening { n.send(&RelayPacket{Kind: RELAY_PACKET_KIND_LISTEN}) }
	for _, topic = range topics {
		n.send(MakeRelayTopicPacket(RELAY_PACKET_KIND_ANNOUNCE, 0, topic))
	}
}

func (n *RelayNode) current() *guarded_relay_stream {
	n.psc_mtx.Lock()
	defer n.psc_mtx.Unlock()
	return n.psc
}

func (n *RelayNode) send(pkt *RelayPacket) error {
	var g *guarded_relay_stream

	g = n.current()
	if g == nil { return ErrRelayDisconnected }
	return g.Send(pkt)
}

func (n *RelayNode) drop_channel() {
	var cancel context.CancelFunc
	var strms []*RelayStream
	var s *RelayStream
	var c chan *RelayPacket
	var id RelayStreamId

	n.psc_mtx.Lock()
	cancel = n.psc_cancel
	n.psc = nil
	n.psc_cancel = nil
	n.psc_mtx.Unlock()
	if cancel != nil { cancel() }

	// streams don't survive a channel. their peers see them reset too.
	n.strm_mtx.Lock()
	for _, s = range n.strm_map { strms = append(strms, s) }
	n.strm_map = make(map[RelayStreamId]*RelayStream)
	n.strm_mtx.Unlock()
	for _, s = range strms { s.reset() }

	n.req_mtx.Lock()
	for id, c = range n.req_map {
		close(c)
		delete(n.req_map, id)
	}
	n.req_mtx.Unlock()
}

// RunTask reads the channel and reconnects with backoff when it breaks.
func (n *RelayNode) RunTask(wg *sync.WaitGroup) {
	var g *guarded_relay_stream
	var pkt *RelayPacket
	var retry backoff.Backoff
	var tmr *time.Timer
	var err error

	defer wg.Done()

	retry = backoff.Backoff{Min: RELAY_RETRY_MIN, Max: n.ov.Cfg.RetryMax, Factor: 2, Jitter: true}

start_over:
	g = n.current()
	if g == nil { goto reconnect_to_relay }

	for {
		pkt, err = g.Recv()
		if errors.Is(err, io.EOF) {
			n.ov.log.Write(n.log_id(), LOG_INFO, "Relay %s closed the channel", n.ov.Cfg.Addr)
			goto reconnect_to_relay
		}
		if err != nil {
			if n.closed.Load() { goto done }
			n.ov.log.Write(n.log_id(), LOG_WARN, "Relay %s receive error - %s", n.ov.Cfg.Addr, err.Error())
			goto reconnect_to_relay
		}
		retry.Reset()
		n.handle_packet(pkt)
	}

reconnect_to_relay:
	n.drop_channel()
	if n.closed.Load() { goto done }

	tmr = time.NewTimer(retry.Duration())
	select {
		case <-n.ctx.Done():
			tmr.Stop()
			goto done
		case <-tmr.C:
	}

	err = n.connect()
	if err != nil {
		n.ov.log.Write(n.log_id(), LOG_WARN, "Reconnect attempt %d failed - %s", int(retry.Attempt()), err.Error())
		goto reconnect_to_relay
	}
	goto start_over

done:
	n.drop_channel()
}

func (n *RelayNode) find_stream(sid RelayStreamId) *RelayStream {
	n.strm_mtx.Lock()
	defer n.strm_mtx.Unlock()
	return n.strm_map[sid]
}

func (n *RelayNode) untrack_stream(s *RelayStream) {
	n.strm_mtx.Lock()
	if n.strm_map[s.sid] == s { delete(n.strm_map, s.sid) }
	n.strm_mtx.Unlock()
}

func (n *RelayNode) handle_packet(pkt *RelayPacket) {
	var s *RelayStream

	switch pkt.Kind {
		case RELAY_PACKET_KIND_INCOMING:
			n.handle_incoming(pkt)

		case RELAY_PACKET_KIND_CONNECTED, RELAY_PACKET_KIND_REFUSED:
			s = n.find_stream(pkt.StreamId)
			if s != nil {
				select {
					case s.est_chan <- pkt:
					default:
				}
			}

		case RELAY_PACKET_KIND_DATA:
			s = n.find_stream(pkt.StreamId)
			if s == nil {
				n.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_CLOSE, pkt.StreamId))
				return
			}
			select {
				case s.in_chan <- pkt.Data:
				case <-s.done:
			}

		case RELAY_PACKET_KIND_EOF:
			s = n.find_stream(pkt.StreamId)
			if s != nil { s.eof_once.Do(func() { close(s.eof_chan) }) }

		case RELAY_PACKET_KIND_CLOSE:
			s = n.find_stream(pkt.StreamId)
			if s != nil {
				n.untrack_stream(s)
				s.reset()
			}

		case RELAY_PACKET_KIND_LOOKUP_RESULT:
			var c chan *RelayPacket
			var ok bool

			n.req_mtx.Lock()
			c, ok = n.req_map[pkt.StreamId]
			if ok { delete(n.req_map, pkt.StreamId) }
			n.req_mtx.Unlock()
			if ok {
				c <- pkt
				close(c)
			}

		case RELAY_PACKET_KIND_ERROR:
			n.ov.log.Write(n.log_id(), LOG_WARN, "Error from relay %s - %s", n.ov.Cfg.Addr, pkt.Text)

		default:
			n.ov.log.Write(n.log_id(), LOG_DEBUG, "Ignoring %s from relay %s", pkt.Kind.String(), n.ov.Cfg.Addr)
	}
}

func (n *RelayNode) handle_incoming(pkt *RelayPacket) {
	var l *relay_listener
	var s *RelayStream

	n.lsn_mtx.Lock()
	l = n.lsn
	n.lsn_mtx.Unlock()

	if l == nil || !call_firewall(l.firewall, pkt.Key) {
		n.ov.log.Write(n.log_id(), LOG_INFO, "Rejecting stream from %s", pkt.Key)
		n.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_REJECT, pkt.StreamId))
		return
	}

	s = n.new_stream(pkt.StreamId, pkt.Key)
	if n.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_ACCEPT, pkt.StreamId)) != nil {
		n.untrack_stream(s)
		s.reset()
		return
	}

	select {
		case l.accept_chan <- s:
		case <-l.done:
			s.Close()
		default:
			n.ov.log.Write(n.log_id(), LOG_WARN, "Accept queue full. dropping stream from %s", pkt.Key)
			s.Close()
	}
}

func (n *RelayNode) new_stream(sid RelayStreamId, remote_key string) *RelayStream {
	var s *RelayStream

	s = &RelayStream{
		node: n,
		sid: sid,
		local_key: n.id.Key(),
		remote_key: remote_key,
		in_chan: make(chan []byte, relay_stream_queue_len),
		eof_chan: make(chan struct{}),
		done: make(chan struct{}),
		est_chan: make(chan *RelayPacket, 1),
	}
	n.strm_mtx.Lock()
	n.strm_map[sid] = s
	n.strm_mtx.Unlock()
	return s
}

func (n *RelayNode) Connect(ctx context.Context, remote_key string, opts *ConnectOptions) (OverlayStream, error) {
	var s *RelayStream
	var pkt *RelayPacket
	var relay_through string
	var err error

	if n.closed.Load() { return nil, net.ErrClosed }
	if opts != nil { relay_through = opts.RelayThrough }

	s = n.new_stream(n.alloc_id(), remote_key)
	err = n.send(MakeRelayConnectPacket(s.sid, remote_key, relay_through))
	if err != nil {
		n.untrack_stream(s)
		s.reset()
		return nil, fmt.Errorf("%w - %s", ErrPeerConnectionFailed, err.Error())
	}

	select {
		case pkt = <-s.est_chan:
			if pkt.Kind == RELAY_PACKET_KIND_CONNECTED { return s, nil }
			n.untrack_stream(s)
			s.reset()
			return nil, fmt.Errorf("%w - %s", ErrPeerConnectionFailed, pkt.Text)

		case <-s.done:
			return nil, fmt.Errorf("%w - %s", ErrPeerConnectionFailed, ErrRelayDisconnected.Error())

		case <-ctx.Done():
			s.Close()
			return nil, ctx.Err()
	}
}

func (n *RelayNode) Listen(firewall FirewallFunc) (OverlayServer, error) {
	var l *relay_listener

	if n.closed.Load() { return nil, net.ErrClosed }

	n.lsn_mtx.Lock()
	if n.lsn != nil {
		n.lsn_mtx.Unlock()
		return nil, fmt.Errorf("listener already exists for %s", n.id.Key())
	}
	l = &relay_listener{
		node: n,
		firewall: firewall,
		accept_chan: make(chan *RelayStream, relay_accept_queue_len),
		done: make(chan struct{}),
	}
	n.lsn = l
	n.lsn_mtx.Unlock()

	// a failure here is repaired by restore_state on reconnect
	n.send(&RelayPacket{Kind: RELAY_PACKET_KIND_LISTEN})
	return l, nil
}

func (n *RelayNode) Lookup(ctx context.Context, topic string) ([]OverlayPeer, error) {
	var id RelayStreamId
	var c chan *RelayPacket
	var pkt *RelayPacket
	var ok bool
	var k string
	var peers []OverlayPeer
	var err error

	if n.closed.Load() { return nil, net.ErrClosed }

	id = n.alloc_id()
	c = make(chan *RelayPacket, 1)
	n.req_mtx.Lock()
	n.req_map[id] = c
	n.req_mtx.Unlock()

	err = n.send(MakeRelayTopicPacket(RELAY_PACKET_KIND_LOOKUP, id, topic))
	if err != nil { goto oops }

	select {
		case pkt, ok = <-c:
			if !ok {
				err = ErrRelayDisconnected
				goto oops
			}
		case <-ctx.Done():
			err = ctx.Err()
			goto oops
	}

	peers = make([]OverlayPeer, 0, len(pkt.Keys))
	for _, k = range pkt.Keys {
		peers = append(peers, OverlayPeer{Key: k, RelayAddresses: []string{n.ov.Cfg.Addr}})
	}
	return unique_overlay_peers(peers), nil

oops:
	n.req_mtx.Lock()
	delete(n.req_map, id)
	n.req_mtx.Unlock()
	return nil, err
}

func (n *RelayNode) Announce(ctx context.Context, topic string) error {
	if n.closed.Load() { return net.ErrClosed }
	if ctx.Err() != nil { return ctx.Err() }

	n.lsn_mtx.Lock()
	n.topics[topic] = struct{}{}
	n.lsn_mtx.Unlock()
	return n.send(MakeRelayTopicPacket(RELAY_PACKET_KIND_ANNOUNCE, 0, topic))
}

func (n *RelayNode) Close() error {
	var l *relay_listener

	if !n.closed.CompareAndSwap(false, true) { return nil }

	n.lsn_mtx.Lock()
	l = n.lsn
	n.lsn_mtx.Unlock()
	if l != nil { l.Close() }

	n.ctx_cancel()
	n.wg.Wait()
	n.conn.Close()
	return nil
}

// ------------------------------------------------------------------------

func (l *relay_listener) Key() string {
	return l.node.id.Key()
}

func (l *relay_listener) Accept() (OverlayStream, error) {
	var s *RelayStream

	select {
		case s = <-l.accept_chan:
			return s, nil
		case <-l.done:
			return nil, net.ErrClosed
	}
}

func (l *relay_listener) Close() error {
	l.close_once.Do(func() {
		var s *RelayStream

		l.node.lsn_mtx.Lock()
		if l.node.lsn == l { l.node.lsn = nil }
		l.node.lsn_mtx.Unlock()
		l.node.send(&RelayPacket{Kind: RELAY_PACKET_KIND_UNLISTEN})
		close(l.done)

	drain:
		for {
			select {
				case s = <-l.accept_chan:
					s.Close()
				default:
					break drain
			}
		}
	})
	return nil
}

// ------------------------------------------------------------------------

func (s *RelayStream) LocalKey() string {
	return s.local_key
}

func (s *RelayStream) RemoteKey() string {
	return s.remote_key
}

func (s *RelayStream) reset() {
	s.done_once.Do(func() { close(s.done) })
}

func (s *RelayStream) terminal_error() error {
	if s.closed.Load() { return net.ErrClosed }
	return ErrStreamReset
}

func (s *RelayStream) deliver(b []byte, msg []byte) int {
	var n int
	n = copy(b, msg)
	if n < len(msg) { s.leftover = msg[n:] }
	return n
}

func (s *RelayStream) Read(b []byte) (int, error) {
	var msg []byte
	var n int

	s.rd_mtx.Lock()
	defer s.rd_mtx.Unlock()

	if len(s.leftover) > 0 {
		n = copy(b, s.leftover)
		s.leftover = s.leftover[n:]
		if len(s.leftover) == 0 { s.leftover = nil }
		return n, nil
	}
	if s.closed.Load() { return 0, net.ErrClosed }

	select {
		case msg = <-s.in_chan:
			return s.deliver(b, msg), nil

		case <-s.eof_chan:
			select {
				case msg = <-s.in_chan:
					return s.deliver(b, msg), nil
				default:
					return 0, io.EOF
			}

		case <-s.done:
			select {
				case msg = <-s.in_chan:
					if !s.closed.Load() { return s.deliver(b, msg), nil }
				default:
			}
			return 0, s.terminal_error()
	}
}

func (s *RelayStream) Write(b []byte) (int, error) {
	var off int
	var end int
	var chunk []byte
	var err error

	if s.closed.Load() { return 0, net.ErrClosed }
	if s.wr_shut.Load() { return 0, errors.New("write after shutdown") }

	select {
		case <-s.done:
			return 0, s.terminal_error()
		default:
	}

	for off < len(b) {
		end = off + RELAY_MAX_DATA
		if end > len(b) { end = len(b) }
		chunk = make([]byte, end - off)
		copy(chunk, b[off:end])
		err = s.node.send(MakeRelayDataPacket(s.sid, chunk))
		if err != nil { return off, ErrStreamReset }
		off = end
	}
	return off, nil
}

func (s *RelayStream) CloseWrite() error {
	if s.wr_shut.CompareAndSwap(false, true) {
		select {
			case <-s.done:
				return nil
			default:
		}
		return s.node.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_EOF, s.sid))
	}
	return nil
}

func (s *RelayStream) Close() error {
	var reset bool

	if s.closed.CompareAndSwap(false, true) {
		select {
			case <-s.done:
				reset = true
			default:
		}
		s.node.untrack_stream(s)
		s.reset()
		if !reset { s.node.send(MakeRelayStreamPacket(RELAY_PACKET_KIND_CLOSE, s.sid)) }
	}
	return nil
}
