package oniri

import "context"
import "errors"
import "fmt"
import "net"
import "strconv"
import "sync"
import "syscall"
import "time"

const TCP_CLIENT_DEFAULT_PROXY_HOST string = "127.0.0.1"

// TcpClient exposes a remote TCP server service on a local port. Every local
// connection accepted is piped to a fresh overlay stream towards the peer.
type TcpClient struct {
	service_base

	node OverlayNode
	listener *net.TCPListener
	addr *net.TCPAddr

	conn_mtx sync.Mutex
	conn_map map[uint64]*PipeHandle
	conn_seq uint64

	wg sync.WaitGroup
}

func NewTcpClient(id *ServiceIdentity, cfg *ServiceConfig) *TcpClient {
	var c TcpClient

	c.init_base(id, SERVICE_KIND_TCP_CLIENT, cfg)
	if c.cfg.ProxyHost == "" { c.cfg.ProxyHost = TCP_CLIENT_DEFAULT_PROXY_HOST }
	c.conn_map = make(map[uint64]*PipeHandle)
	return &c
}

// ProxyAddr returns the local address bound. It is nil when not started.
func (c *TcpClient) ProxyAddr() *net.TCPAddr {
	c.life_mtx.Lock()
	defer c.life_mtx.Unlock()
	return c.addr
}

func (c *TcpClient) Init(ctx context.Context) error {
	var node OverlayNode
	var lc net.ListenConfig
	var lctx context.Context
	var cancel context.CancelFunc
	var l net.Listener
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

	if c.cfg.ProxyPort > 0 && !is_port_available(c.cfg.ProxyHost, c.cfg.ProxyPort) {
		err = ErrPortTaken
		goto oops
	}

	node, err = c.cfg.Overlay.NewNode(c.id)
	if err != nil {
		err = fmt.Errorf("unable to create overlay node - %s", err.Error())
		goto oops
	}

	lctx, cancel = context.WithTimeout(ctx, LISTEN_TIMEOUT)
	l, err = lc.Listen(lctx, tcp_addr_str_class(c.cfg.ProxyHost), net.JoinHostPort(c.cfg.ProxyHost, strconv.Itoa(c.cfg.ProxyPort)))
	cancel()
	if err != nil {
		if c.cfg.ProxyPort > 0 && errors.Is(err, syscall.EADDRINUSE) { err = ErrPortTaken }
		goto oops
	}

	c.node = node
	c.listener = l.(*net.TCPListener)
	c.addr = l.Addr().(*net.TCPAddr)
	c.new_context()
	c.mark_started()

	c.log.Write(c.log_id(), LOG_INFO, "Proxy listening on %s for peer %s", c.addr.String(), c.cfg.PeerToConnect)
	c.emit(SERVICE_EVENT_STARTED, &ServiceAddressData{Address: c.addr.IP.String(), Port: c.addr.Port})

	c.wg.Add(1)
	go c.accept_loop(c.ctx, c.listener, c.node)
	return nil

oops:
	if node != nil { node.Close() }
	c.log.Write(c.log_id(), LOG_ERROR, "Failed to start - %s", err.Error())
	c.emit_error(err.Error())
	return err
}

func (c *TcpClient) accept_loop(ctx context.Context, l *net.TCPListener, node OverlayNode) {
	var conn *net.TCPConn
	var err error

	defer c.wg.Done()

	for {
		conn, err = l.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil { break }
			c.log.Write(c.log_id(), LOG_WARN, "Failed to accept - %s", err.Error())
			continue
		}

		c.wg.Add(1)
		go c.handle_conn(ctx, conn, node)
	}

	c.log.Write(c.log_id(), LOG_DEBUG, "Accept loop ended")
}

func (c *TcpClient) handle_conn(ctx context.Context, conn *net.TCPConn, node OverlayNode) {
	var conn_id uint64
	var ph *PipeHandle
	var connect_err error

	defer c.wg.Done()

	c.counters.total.Add(1)

	c.conn_mtx.Lock()
	c.conn_seq++
	conn_id = c.conn_seq
	c.conn_mtx.Unlock()

	ph = ConnPiper(conn,
		func() DuplexConn {
			var s OverlayStream
			s, connect_err = node.Connect(ctx, c.cfg.PeerToConnect, &ConnectOptions{RelayThrough: c.cfg.RelayThrough})
			if connect_err != nil {
				c.counters.failed.Add(1)
				return nil
			}
			return s
		},
		&PipeOptions{
			Compress: c.cfg.Compress,
			IdleTimeout: c.cfg.IdleTimeout,
			Log: c.log,
			LogId: c.log_id(),
			OnDestroy: func(err error) {
				c.conn_mtx.Lock()
				delete(c.conn_map, conn_id)
				c.conn_mtx.Unlock()
				if err != nil { c.counters.failed.Add(1) }
			},
		},
		&c.stats)
	if ph == nil {
		if connect_err != nil {
			c.log.Write(c.log_id(), LOG_ERROR, "Failed to connect to peer %s - %s", c.cfg.PeerToConnect, connect_err.Error())
		}
		return
	}

	c.conn_mtx.Lock()
	if !ph.IsDestroyed() { c.conn_map[conn_id] = ph }
	c.conn_mtx.Unlock()
}

func (c *TcpClient) close_all_pipes() {
	var phs []*PipeHandle
	var ph *PipeHandle

	c.conn_mtx.Lock()
	phs = make([]*PipeHandle, 0, len(c.conn_map))
	for _, ph = range c.conn_map { phs = append(phs, ph) }
	c.conn_mtx.Unlock()

	for _, ph = range phs { ph.Destroy(nil) }
}

func (c *TcpClient) Stop() bool {
	var ok bool
	var l *net.TCPListener
	var node OverlayNode

	c.life_mtx.Lock()
	defer c.life_mtx.Unlock()

	if !c.started.Load() { return true }

	ok = true
	c.cancel_context()
	c.close_all_pipes()
	time.Sleep(STOP_SETTLE_DELAY)

	l = c.listener
	node = c.node
	if l != nil { ok = c.close_step("listener", CLOSE_TIMEOUT, l.Close) && ok }
	if node != nil { ok = c.close_step("overlay node", CLOSE_TIMEOUT, node.Close) && ok }
	if ok {
		c.wg.Wait()
		c.close_all_pipes() // accepted while stopping
	}

	c.listener = nil
	c.node = nil
	c.addr = nil
	c.started.Store(false)

	c.log.Write(c.log_id(), LOG_INFO, "Stopped")
	c.emit(SERVICE_EVENT_STOPPED, nil)
	return ok
}

func (c *TcpClient) ActiveCount() int {
	c.conn_mtx.Lock()
	defer c.conn_mtx.Unlock()
	return len(c.conn_map)
}

func (c *TcpClient) GetMetrics() ServiceMetrics {
	var m ServiceMetrics
	m = c.base_metrics(int64(c.ActiveCount()))
	m.Connected = c.started.Load()
	return m
}
