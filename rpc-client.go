package oniri

import "context"
import "encoding/json"
import "errors"
import "fmt"
import "sync"
import "sync/atomic"
import "time"

import "github.com/jpillora/backoff"

// RpcClient keeps a single control session to one of the peers announcing
// its topic, reconnecting whenever the session is lost.
type RpcClient struct {
	service_base

	node OverlayNode
	connected atomic.Bool

	conn_mtx sync.Mutex // serializes connection attempts

	sess_mtx sync.Mutex
	sess *RpcSession
	peer string

	tmr_mtx sync.Mutex
	reconnect_tmr *time.Timer
	retry backoff.Backoff
	retry_no_peers time.Duration
	retry_all_omitted time.Duration
}

func NewRpcClient(id *ServiceIdentity, cfg *ServiceConfig) *RpcClient {
	var c RpcClient

	c.init_base(id, SERVICE_KIND_RPC_CLIENT, cfg)
	if c.cfg.Topic == "" { c.cfg.Topic = default_rpc_topic }
	c.retry = backoff.Backoff{Min: 100 * time.Millisecond, Max: RPC_RETRY_NO_PEERS, Factor: 2}
	c.retry_no_peers = RPC_RETRY_NO_PEERS
	c.retry_all_omitted = RPC_RETRY_ALL_OMITTED
	return &c
}

func (c *RpcClient) Init(ctx context.Context) error {
	var node OverlayNode
	var err error

	c.life_mtx.Lock()
	defer c.life_mtx.Unlock()

	if c.started.Load() { return nil }

	if c.cfg.Overlay == nil {
		err = fmt.Errorf("no overlay for %s", c.cfg.Name)
		goto oops
	}

	node, err = c.cfg.Overlay.NewNode(c.id)
	if err != nil {
		err = fmt.Errorf("unable to create overlay node - %s", err.Error())
		goto oops
	}

	c.node = node
	c.new_context()
	c.mark_started()
	c.tmr_mtx.Lock()
	c.retry.Reset()
	c.tmr_mtx.Unlock()

	c.log.Write(c.log_id(), LOG_INFO, "RPC client started on topic %s", c.cfg.Topic)
	c.emit(SERVICE_EVENT_STARTED, nil)

	go c.connect(c.ctx, node, nil)
	return nil

oops:
	c.log.Write(c.log_id(), LOG_ERROR, "Failed to start - %s", err.Error())
	c.emit_error(err.Error())
	return err
}

func (c *RpcClient) schedule(ctx context.Context, node OverlayNode, delay time.Duration) {
	c.tmr_mtx.Lock()
	defer c.tmr_mtx.Unlock()

	if ctx.Err() != nil { return }
	if c.reconnect_tmr != nil { c.reconnect_tmr.Stop() }
	c.reconnect_tmr = time.AfterFunc(delay, func() { c.connect(ctx, node, nil) })
}

func (c *RpcClient) clear_timer() {
	c.tmr_mtx.Lock()
	if c.reconnect_tmr != nil {
		c.reconnect_tmr.Stop()
		c.reconnect_tmr = nil
	}
	c.tmr_mtx.Unlock()
}

func (c *RpcClient) next_retry_delay() time.Duration {
	c.tmr_mtx.Lock()
	defer c.tmr_mtx.Unlock()
	return c.retry.Duration()
}

// detach_session unhooks the current session so that its closure is not
// reported, then closes it.
func (c *RpcClient) detach_session(reason string) {
	var s *RpcSession

	c.sess_mtx.Lock()
	s = c.sess
	c.sess = nil
	c.peer = ""
	c.sess_mtx.Unlock()

	if s != nil {
		s.RejectAllPending(reason)
		s.Close()
	}
	c.connected.Store(false)
}

// connect looks up the topic and opens a session to the first candidate not
// in omit. A peer that refuses the connection is omitted on the next try.
func (c *RpcClient) connect(ctx context.Context, node OverlayNode, omit []string) {
	var peers []OverlayPeer
	var cands []OverlayPeer
	var p OverlayPeer
	var opts ConnectOptions
	var strm OverlayStream
	var sess *RpcSession
	var err error

	c.conn_mtx.Lock()
	defer c.conn_mtx.Unlock()

	for {
		if ctx.Err() != nil { return }
		c.counters.reconnects.Add(1)
		c.detach_session("Reconnecting")

		peers, err = node.Lookup(ctx, c.cfg.Topic)
		if err != nil {
			if ctx.Err() != nil { return }
			c.log.Write(c.log_id(), LOG_ERROR, "Error finding peers - %s", err.Error())
			peers = nil
		}
		peers = unique_overlay_peers(peers)

		if len(peers) == 0 {
			c.schedule(ctx, node, c.retry_no_peers)
			return
		}

		cands = cands[:0]
		for _, p = range peers {
			if !has_string(omit, p.Key) { cands = append(cands, p) }
		}
		if len(cands) == 0 {
			c.schedule(ctx, node, c.retry_all_omitted)
			return
		}

		p = cands[0]
		opts.RelayThrough = c.cfg.RelayThrough
		if opts.RelayThrough == "" && len(p.RelayAddresses) > 0 { opts.RelayThrough = p.RelayAddresses[0] }

		c.log.Write(c.log_id(), LOG_DEBUG, "Connecting to peer %s", p.Key)
		strm, err = node.Connect(ctx, p.Key, &opts)
		if err != nil {
			if ctx.Err() != nil { return }
			c.counters.failed.Add(1)
			c.log.Write(c.log_id(), LOG_ERROR, "Connection to %s failed - %s", p.Key, err.Error())
			if errors.Is(err, ErrPeerConnectionFailed) {
				omit = append(omit, p.Key)
				continue
			}
			c.schedule(ctx, node, c.next_retry_delay())
			return
		}
		break
	}

	sess = c.start_session(ctx, node, strm, p.Key)

	c.sess_mtx.Lock()
	if ctx.Err() != nil {
		c.sess_mtx.Unlock()
		sess.Close()
		return
	}
	c.sess = sess
	c.peer = p.Key
	c.sess_mtx.Unlock()

	c.tmr_mtx.Lock()
	c.retry.Reset()
	c.tmr_mtx.Unlock()

	c.connected.Store(true)
	c.counters.total.Add(1)
	c.log.Write(c.log_id(), LOG_DEBUG, "Connected to %s", p.Key)
	c.emit(SERVICE_EVENT_CONNECTED, p.Key)
}

func (c *RpcClient) start_session(ctx context.Context, node OverlayNode, strm OverlayStream, peer string) *RpcSession {
	var sess *RpcSession

	sess = NewRpcSession(strm, &RpcSessionOptions{
		Methods: c.cfg.Methods,
		RemoteKey: peer,
		Log: c.log,
		LogId: c.log_id(),
		Stats: &c.stats,
		OnClose: func(err error) {
			var mine bool

			c.sess_mtx.Lock()
			mine = c.sess == sess
			if mine {
				c.sess = nil
				c.peer = ""
			}
			c.sess_mtx.Unlock()
			if !mine { return }

			c.connected.Store(false)
			if err != nil {
				c.counters.failed.Add(1)
				c.log.Write(c.log_id(), LOG_DEBUG, "Disconnected from %s - %s", peer, err.Error())
			} else {
				c.log.Write(c.log_id(), LOG_DEBUG, "Disconnected from %s", peer)
			}
			c.emit(SERVICE_EVENT_DISCONNECTED, peer)
			c.schedule(ctx, node, c.next_retry_delay())
		},
	})
	return sess
}

// SendRequest calls method on the connected server with the client's key
// attached to data.
func (c *RpcClient) SendRequest(ctx context.Context, method string, data interface{}) (json.RawMessage, error) {
	var s *RpcSession
	var params *RpcRequestParams
	var res json.RawMessage
	var err error

	c.sess_mtx.Lock()
	s = c.sess
	c.sess_mtx.Unlock()
	if s == nil { return nil, ErrRpcNotConnected }

	params, err = make_rpc_params(c.Key(), data)
	if err != nil { return nil, err }

	res, err = s.Request(ctx, method, params)
	if err != nil {
		c.log.Write(c.log_id(), LOG_ERROR, "Error sending request %s - %s", method, err.Error())
	}
	return res, err
}

func (c *RpcClient) ConnectedPeer() string {
	c.sess_mtx.Lock()
	defer c.sess_mtx.Unlock()
	return c.peer
}

func (c *RpcClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *RpcClient) Stop() bool {
	var ok bool

	c.life_mtx.Lock()
	defer c.life_mtx.Unlock()

	if !c.started.Load() { return true }

	c.log.Write(c.log_id(), LOG_INFO, "Stopping RPC client")

	ok = true
	c.cancel_context()
	c.clear_timer()
	c.detach_session("Client stopping")

	if c.node != nil { ok = c.close_step("overlay node", CLOSE_TIMEOUT, c.node.Close) }

	// wait for an attempt in flight to observe the cancellation
	c.conn_mtx.Lock()
	c.conn_mtx.Unlock()
	c.clear_timer()

	c.node = nil
	c.started.Store(false)

	c.emit(SERVICE_EVENT_STOPPED, nil)
	return ok
}

func (c *RpcClient) GetMetrics() ServiceMetrics {
	var m ServiceMetrics
	var active int64

	if c.connected.Load() { active = 1 }
	m = c.base_metrics(active)
	m.Connected = c.connected.Load()
	return m
}
