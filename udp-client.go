package oniri

import "context"
import "errors"
import "fmt"
import "io"
import "net"
import "strconv"
import "sync"

type udp_client_peer struct {
	id string
	addr *net.UDPAddr
	sock *net.UDPConn
	send_chan chan []byte
	done chan struct{}
	done_once sync.Once

	strm_mtx sync.Mutex
	strm OverlayStream
}

// UdpClient binds a local udp socket and relays the datagrams of every
// distinct local sender over its own overlay stream.
type UdpClient struct {
	service_base

	node OverlayNode
	sock *net.UDPConn
	addr *net.UDPAddr

	peer_mtx sync.Mutex
	peer_map map[string]*udp_client_peer

	wg sync.WaitGroup
}

func NewUdpClient(id *ServiceIdentity, cfg *ServiceConfig) *UdpClient {
	var c UdpClient

	c.init_base(id, SERVICE_KIND_UDP_CLIENT, cfg)
	if c.cfg.ProxyHost == "" { c.cfg.ProxyHost = TCP_CLIENT_DEFAULT_PROXY_HOST }
	c.peer_map = make(map[string]*udp_client_peer)
	return &c
}

func (c *UdpClient) ProxyAddr() *net.UDPAddr {
	c.life_mtx.Lock()
	defer c.life_mtx.Unlock()
	return c.addr
}

func (c *UdpClient) Init(ctx context.Context) error {
	var node OverlayNode
	var laddr *net.UDPAddr
	var sock *net.UDPConn
	var err error

	c.life_mtx.Lock()
	defer c.life_mtx.Unlock()

	if c.started.Load() { return nil }

	if c.cfg.PeerToConnect == "" {
		err = ErrPeerToConnectRequired
		goto oops
	}
	if c.cfg.Overlay == nil {
		err = fmt.Errorf("no overlay for %s", c.cfg.Name)
		goto oops
	}

	node, err = c.cfg.Overlay.NewNode(c.id)
	if err != nil {
		err = fmt.Errorf("unable to create overlay node - %s", err.Error())
		goto oops
	}

	laddr, err = net.ResolveUDPAddr("udp4", net.JoinHostPort(c.cfg.ProxyHost, strconv.Itoa(c.cfg.ProxyPort)))
	if err != nil { goto oops }
	sock, err = net.ListenUDP("udp4", laddr)
	if err != nil {
		err = fmt.Errorf("failed to bind - %s", err.Error())
		goto oops
	}

	c.node = node
	c.sock = sock
	c.addr = sock.LocalAddr().(*net.UDPAddr)
	c.new_context()
	c.mark_started()

	c.log.Write(c.log_id(), LOG_INFO, "UDP proxy listening on %s for peer %s", c.addr.String(), c.cfg.PeerToConnect)
	c.emit(SERVICE_EVENT_STARTED, &ServiceAddressData{Address: c.addr.IP.String(), Port: c.addr.Port})

	c.wg.Add(1)
	go c.read_loop(c.ctx, sock, node)
	return nil

oops:
	if node != nil { node.Close() }
	c.log.Write(c.log_id(), LOG_ERROR, "Failed to start - %s", err.Error())
	c.emit_error(err.Error())
	return err
}

func (c *UdpClient) read_loop(ctx context.Context, sock *net.UDPConn, node OverlayNode) {
	var buf []byte
	var n int
	var from *net.UDPAddr
	var peer *udp_client_peer
	var msg []byte
	var err error

	defer c.wg.Done()

	buf = make([]byte, UDP_MAX_DATAGRAM)
	for {
		n, from, err = sock.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil { break }
			c.log.Write(c.log_id(), LOG_WARN, "Proxy error - %s", err.Error())
			c.emit_error(fmt.Sprintf("Proxy error: %s", err.Error()))
			continue
		}
		c.counters.bytes_in.Add(int64(n))

		msg, err = wrap_udp_message(buf[:n], from)
		if err != nil {
			c.log.Write(c.log_id(), LOG_WARN, "Dropped datagram - %s", err.Error())
			continue
		}

		peer = c.get_peer(ctx, sock, from, node)
		select {
			case peer.send_chan <- msg:
			default:
				c.log.Write(c.log_id(), LOG_DEBUG, "Dropped datagram for %s - queue full", peer.id)
		}
	}

	c.log.Write(c.log_id(), LOG_DEBUG, "Read loop ended")
}

// get_peer returns the peer of a sender, registering a new one whose stream
// is opened in the background. Datagrams queue up until it is ready.
func (c *UdpClient) get_peer(ctx context.Context, sock *net.UDPConn, from *net.UDPAddr, node OverlayNode) *udp_client_peer {
	var id string
	var peer *udp_client_peer
	var ok bool

	id = udp_peer_id(from)
	c.peer_mtx.Lock()
	peer, ok = c.peer_map[id]
	if !ok {
		peer = &udp_client_peer{
			id: id,
			addr: from,
			sock: sock,
			send_chan: make(chan []byte, UDP_PEER_QUEUE_LEN),
			done: make(chan struct{}),
		}
		c.peer_map[id] = peer
	}
	c.peer_mtx.Unlock()
	if ok { return peer }

	c.log.Write(c.log_id(), LOG_DEBUG, "New UDP client %s", id)
	c.counters.total.Add(1)

	c.wg.Add(1)
	go c.peer_task(ctx, peer, node)
	return peer
}

// peer_task opens the stream of a peer and feeds it the queued datagrams.
func (c *UdpClient) peer_task(ctx context.Context, peer *udp_client_peer, node OverlayNode) {
	var strm OverlayStream
	var msg []byte
	var err error

	defer c.wg.Done()

	strm, err = node.Connect(ctx, c.cfg.PeerToConnect, &ConnectOptions{RelayThrough: c.cfg.RelayThrough})
	if err != nil {
		if ctx.Err() != nil { err = nil }
		if err != nil { c.log.Write(c.log_id(), LOG_ERROR, "Failed to connect to peer %s - %s", c.cfg.PeerToConnect, err.Error()) }
		c.drop_peer(peer, err)
		return
	}

	peer.strm_mtx.Lock()
	select {
		case <-peer.done:
			peer.strm_mtx.Unlock()
			strm.Close()
			return
		default:
			peer.strm = strm
	}
	peer.strm_mtx.Unlock()

	c.wg.Add(1)
	go c.peer_loop(peer, strm)

	for {
		select {
			case msg = <-peer.send_chan:
				_, err = strm.Write(msg)
				if err != nil {
					c.log.Write(c.log_id(), LOG_ERROR, "UDP client %s error - %s", peer.id, err.Error())
					c.drop_peer(peer, err)
					return
				}

			case <-peer.done:
				return
		}
	}
}

func (c *UdpClient) peer_loop(peer *udp_client_peer, strm OverlayStream) {
	var buf []byte
	var n int
	var payload []byte
	var err error

	defer c.wg.Done()

	buf = make([]byte, UDP_MAX_DATAGRAM + UDP_HEADER_LEN)
	for {
		n, err = strm.Read(buf)
		if n > 0 {
			_, payload, err = unwrap_udp_message(buf[:n])
			if err != nil {
				c.log.Write(c.log_id(), LOG_WARN, "Dropped reply for %s - %s", peer.id, err.Error())
				continue
			}
			// replies always go back to the sender the stream was opened for
			_, err = peer.sock.WriteToUDP(payload, peer.addr)
			if err != nil {
				c.log.Write(c.log_id(), LOG_ERROR, "Failed to send response to %s - %s", peer.id, err.Error())
			} else {
				c.counters.bytes_out.Add(int64(len(payload)))
			}
			continue
		}
		if err != nil { break }
	}

	if errors.Is(err, io.EOF) || is_clean_close(err) { err = nil }
	c.drop_peer(peer, err)
}

func (c *UdpClient) drop_peer(peer *udp_client_peer, err error) {
	var cur *udp_client_peer

	c.peer_mtx.Lock()
	cur = c.peer_map[peer.id]
	if cur == peer { delete(c.peer_map, peer.id) }
	c.peer_mtx.Unlock()
	if cur != peer { return }

	peer.done_once.Do(func() { close(peer.done) })
	peer.strm_mtx.Lock()
	if peer.strm != nil { peer.strm.Close() }
	peer.strm_mtx.Unlock()
	if err != nil { c.counters.failed.Add(1) }
	c.log.Write(c.log_id(), LOG_DEBUG, "UDP client %s disconnected", peer.id)
}

func (c *UdpClient) close_all_peers() {
	var peers []*udp_client_peer
	var peer *udp_client_peer

	c.peer_mtx.Lock()
	peers = make([]*udp_client_peer, 0, len(c.peer_map))
	for _, peer = range c.peer_map { peers = append(peers, peer) }
	c.peer_mtx.Unlock()

	for _, peer = range peers { c.drop_peer(peer, nil) }
}

func (c *UdpClient) Stop() bool {
	var ok bool

	c.life_mtx.Lock()
	defer c.life_mtx.Unlock()

	if !c.started.Load() { return true }

	c.log.Write(c.log_id(), LOG_INFO, "Stopping with %d active peers", c.ActiveCount())

	ok = true
	c.cancel_context()
	c.close_all_peers()

	if c.sock != nil { ok = c.close_step("udp socket", CLOSE_TIMEOUT, c.sock.Close) && ok }
	if c.node != nil { ok = c.close_step("overlay node", CLOSE_TIMEOUT, c.node.Close) && ok }
	if ok {
		c.wg.Wait()
		c.close_all_peers()
	}

	c.sock = nil
	c.node = nil
	c.addr = nil
	c.started.Store(false)

	c.emit(SERVICE_EVENT_STOPPED, nil)
	return ok
}

func (c *UdpClient) ActiveCount() int {
	c.peer_mtx.Lock()
	defer c.peer_mtx.Unlock()
	return len(c.peer_map)
}

func (c *UdpClient) GetMetrics() ServiceMetrics {
	var m ServiceMetrics
	m = c.base_metrics(int64(c.ActiveCount()))
	m.Connected = c.started.Load()
	return m
}
