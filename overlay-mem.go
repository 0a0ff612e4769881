package oniri

import "context"
import "errors"
import "fmt"
import "io"
import "net"
import "sync"
import "sync/atomic"

const mem_stream_queue_len int = 64
const mem_accept_queue_len int = 64

type mem_half struct {
	data_chan chan []byte
	eof_chan chan struct{}
	eof_once sync.Once
}

type mem_link struct {
	done chan struct{}
	done_once sync.Once
}

type MemoryStream struct {
	node *MemoryNode
	link *mem_link
	in *mem_half
	out *mem_half
	leftover []byte
	rd_mtx sync.Mutex
	wr_shut atomic.Bool
	closed atomic.Bool

	local_key string
	remote_key string
}

type memory_server struct {
	node *MemoryNode
	firewall FirewallFunc
	accept_chan chan *MemoryStream
	done chan struct{}
	close_once sync.Once
}

type MemoryNode struct {
	ov *MemoryOverlay
	id *ServiceIdentity
	closed atomic.Bool

	strm_mtx sync.Mutex
	strm_map map[*MemoryStream]struct{}
}

// MemoryOverlay is an in-process overlay. Nodes created from the same
// overlay can discover and connect to each other.
type MemoryOverlay struct {
	mtx sync.Mutex
	node_map map[string]*MemoryNode
	server_map map[string]*memory_server
	topic_map map[string][]string
}

func NewMemoryOverlay() *MemoryOverlay {
	return &MemoryOverlay{
		node_map: make(map[string]*MemoryNode),
		server_map: make(map[string]*memory_server),
		topic_map: make(map[string][]string),
	}
}

func new_mem_half() *mem_half {
	return &mem_half{
		data_chan: make(chan []byte, mem_stream_queue_len),
		eof_chan: make(chan struct{}),
	}
}

func new_memory_stream_pair(a *MemoryNode, b_key string) (*MemoryStream, *MemoryStream) {
	var link *mem_link
	var ab *mem_half
	var ba *mem_half
	var sa *MemoryStream
	var sb *MemoryStream

	link = &mem_link{done: make(chan struct{})}
	ab = new_mem_half()
	ba = new_mem_half()

	sa = &MemoryStream{node: a, link: link, in: ba, out: ab, local_key: a.id.Key(), remote_key: b_key}
	sb = &MemoryStream{link: link, in: ab, out: ba, local_key: b_key, remote_key: a.id.Key()}
	return sa, sb
}

func (ov *MemoryOverlay) NewNode(id *ServiceIdentity) (OverlayNode, error) {
	var n *MemoryNode

	if id == nil { return nil, ErrSeedRequired }

	n = &MemoryNode{ov: ov, id: id, strm_map: make(map[*MemoryStream]struct{})}
	ov.mtx.Lock()
	ov.node_map[id.Key()] = n
	ov.mtx.Unlock()
	return n, nil
}

func (ov *MemoryOverlay) NodeCount() int {
	ov.mtx.Lock()
	defer ov.mtx.Unlock()
	return len(ov.node_map)
}

// ------------------------------------------------------------------------

func (n *MemoryNode) Key() string {
	return n.id.Key()
}

func (n *MemoryNode) track_stream(s *MemoryStream) {
	n.strm_mtx.Lock()
	n.strm_map[s] = struct{}{}
	n.strm_mtx.Unlock()
}

func (n *MemoryNode) untrack_stream(s *MemoryStream) {
	n.strm_mtx.Lock()
	delete(n.strm_map, s)
	n.strm_mtx.Unlock()
}

func (n *MemoryNode) Connect(ctx context.Context, remote_key string, opts *ConnectOptions) (OverlayStream, error) {
	var ov *MemoryOverlay
	var srv *memory_server
	var ok bool
	var local *MemoryStream
	var remote *MemoryStream

	if n.closed.Load() { return nil, net.ErrClosed }

	ov = n.ov
	ov.mtx.Lock()
	if opts != nil && opts.RelayThrough != "" {
		_, ok = ov.node_map[opts.RelayThrough]
		if !ok {
			ov.mtx.Unlock()
			return nil, fmt.Errorf("%w - relay peer %s not reachable", ErrPeerConnectionFailed, opts.RelayThrough)
		}
	}
	srv, ok = ov.server_map[remote_key]
	ov.mtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w - no listener for %s", ErrPeerConnectionFailed, remote_key)
	}

	if !call_firewall(srv.firewall, n.id.Key()) {
		return nil, fmt.Errorf("%w - %s", ErrPeerConnectionFailed, ErrFirewallRejected.Error())
	}

	local, remote = new_memory_stream_pair(n, remote_key)
	remote.node = srv.node
	n.track_stream(local)
	srv.node.track_stream(remote)

	select {
		case srv.accept_chan <- remote:
			return local, nil

		case <-srv.done:
			local.Close()
			remote.Close()
			return nil, fmt.Errorf("%w - listener closed", ErrPeerConnectionFailed)

		case <-ctx.Done():
			local.Close()
			remote.Close()
			return nil, ctx.Err()
	}
}

func (n *MemoryNode) Listen(firewall FirewallFunc) (OverlayServer, error) {
	var srv *memory_server
	var ok bool

	if n.closed.Load() { return nil, net.ErrClosed }

	n.ov.mtx.Lock()
	_, ok = n.ov.server_map[n.id.Key()]
	if ok {
		n.ov.mtx.Unlock()
		return nil, fmt.Errorf("listener already exists for %s", n.id.Key())
	}
	srv = &memory_server{
		node: n,
		firewall: firewall,
		accept_chan: make(chan *MemoryStream, mem_accept_queue_len),
		done: make(chan struct{}),
	}
	n.ov.server_map[n.id.Key()] = srv
	n.ov.mtx.Unlock()
	return srv, nil
}

func (n *MemoryNode) Lookup(ctx context.Context, topic string) ([]OverlayPeer, error) {
	var keys []string
	var k string
	var peers []OverlayPeer

	if n.closed.Load() { return nil, net.ErrClosed }
	if ctx.Err() != nil { return nil, ctx.Err() }

	n.ov.mtx.Lock()
	keys = n.ov.topic_map[topic]
	peers = make([]OverlayPeer, 0, len(keys))
	for _, k = range keys {
		peers = append(peers, OverlayPeer{Key: k})
	}
	n.ov.mtx.Unlock()
	return peers, nil
}

func (n *MemoryNode) Announce(ctx context.Context, topic string) error {
	var keys []string
	var k string

	if n.closed.Load() { return net.ErrClosed }
	if ctx.Err() != nil { return ctx.Err() }

	n.ov.mtx.Lock()
	keys = n.ov.topic_map[topic]
	for _, k = range keys {
		if k == n.id.Key() {
			n.ov.mtx.Unlock()
			return nil
		}
	}
	n.ov.topic_map[topic] = append(keys, n.id.Key())
	n.ov.mtx.Unlock()
	return nil
}

func (n *MemoryNode) Close() error {
	var srv *memory_server
	var topic string
	var keys []string
	var nkeys []string
	var k string
	var s *MemoryStream
	var strms []*MemoryStream
	var ok bool

	if !n.closed.CompareAndSwap(false, true) { return nil }

	n.ov.mtx.Lock()
	if n.ov.node_map[n.id.Key()] == n { delete(n.ov.node_map, n.id.Key()) }
	srv, ok = n.ov.server_map[n.id.Key()]
	if ok && srv.node != n { srv = nil }
	for topic, keys = range n.ov.topic_map {
		nkeys = make([]string, 0, len(keys))
		for _, k = range keys {
			if k != n.id.Key() { nkeys = append(nkeys, k) }
		}
		if len(nkeys) == 0 {
			delete(n.ov.topic_map, topic)
		} else {
			n.ov.topic_map[topic] = nkeys
		}
	}
	n.ov.mtx.Unlock()

	if srv != nil { srv.Close() }

	n.strm_mtx.Lock()
	strms = make([]*MemoryStream, 0, len(n.strm_map))
	for s = range n.strm_map { strms = append(strms, s) }
	n.strm_mtx.Unlock()
	for _, s = range strms { s.Close() }
	return nil
}

// ------------------------------------------------------------------------

func (srv *memory_server) Key() string {
	return srv.node.id.Key()
}

func (srv *memory_server) Accept() (OverlayStream, error) {
	var s *MemoryStream

	select {
		case s = <-srv.accept_chan:
			return s, nil
		case <-srv.done:
			return nil, net.ErrClosed
	}
}

func (srv *memory_server) Close() error {
	srv.close_once.Do(func() {
		var s *MemoryStream

		srv.node.ov.mtx.Lock()
		if srv.node.ov.server_map[srv.node.id.Key()] == srv {
			delete(srv.node.ov.server_map, srv.node.id.Key())
		}
		srv.node.ov.mtx.Unlock()
		close(srv.done)

	drain:
		for {
			select {
				case s = <-srv.accept_chan:
					s.Close()
				default:
					break drain
			}
		}
	})
	return nil
}

// ------------------------------------------------------------------------

func (s *MemoryStream) LocalKey() string {
	return s.local_key
}

func (s *MemoryStream) RemoteKey() string {
	return s.remote_key
}

func (s *MemoryStream) take_leftover(b []byte) int {
	var n int
	n = copy(b, s.leftover)
	s.leftover = s.leftover[n:]
	if len(s.leftover) == 0 { s.leftover = nil }
	return n
}

func (s *MemoryStream) deliver(b []byte, msg []byte) int {
	var n int
	n = copy(b, msg)
	if n < len(msg) { s.leftover = msg[n:] }
	return n
}

func (s *MemoryStream) terminal_error() error {
	if s.closed.Load() { return net.ErrClosed }
	return ErrStreamReset
}

func (s *MemoryStream) Read(b []byte) (int, error) {
	var msg []byte

	s.rd_mtx.Lock()
	defer s.rd_mtx.Unlock()

	if len(s.leftover) > 0 { return s.take_leftover(b), nil }
	if s.closed.Load() { return 0, net.ErrClosed }

	select {
		case msg = <-s.in.data_chan:
			return s.deliver(b, msg), nil

		case <-s.in.eof_chan:
			select {
				case msg = <-s.in.data_chan:
					return s.deliver(b, msg), nil
				default:
					return 0, io.EOF
			}

		case <-s.link.done:
			select {
				case msg = <-s.in.data_chan:
					if !s.closed.Load() { return s.deliver(b, msg), nil }
				default:
			}
			return 0, s.terminal_error()
	}
}

func (s *MemoryStream) Write(b []byte) (int, error) {
	var msg []byte

	if s.closed.Load() { return 0, net.ErrClosed }
	if s.wr_shut.Load() { return 0, errors.New("write after shutdown") }
	if len(b) == 0 { return 0, nil }

	msg = make([]byte, len(b))
	copy(msg, b)

	select {
		case <-s.link.done:
			return 0, s.terminal_error()
		default:
	}

	select {
		case s.out.data_chan <- msg:
			return len(b), nil
		case <-s.link.done:
			return 0, s.terminal_error()
	}
}

func (s *MemoryStream) CloseWrite() error {
	if s.wr_shut.CompareAndSwap(false, true) {
		s.out.eof_once.Do(func() { close(s.out.eof_chan) })
	}
	return nil
}

func (s *MemoryStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.link.done_once.Do(func() { close(s.link.done) })
		if s.node != nil { s.node.untrack_stream(s) }
	}
	return nil
}
