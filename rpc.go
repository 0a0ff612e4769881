package oniri

import "context"
import "encoding/binary"
import "encoding/json"
import "errors"
import "fmt"
import "strconv"
import "sync"
import "sync/atomic"
import "time"

const RPC_VERSION string = "2.0"
const RPC_FRAME_HDR_LEN int = 4
const RPC_MAX_FRAME_LEN int = 16 * 1024 * 1024

const (
	RPC_ERR_PARSE            int = -32700
	RPC_ERR_INVALID_REQUEST  int = -32600
	RPC_ERR_METHOD_NOT_FOUND int = -32601
	RPC_ERR_INVALID_PARAMS   int = -32602
	RPC_ERR_INTERNAL         int = -32603
	RPC_ERR_REJECTED         int = -32000
)

var ErrRpcFrameTooLarge = errors.New("rpc frame too large")
var ErrRpcNotConnected = errors.New("rpc session not connected")
var ErrRpcSessionClosed = errors.New("rpc session closed")

type RpcMethod func(params json.RawMessage) (interface{}, error)
type RpcMethodMap map[string]RpcMethod

type RpcError struct {
	Code int `json:"code"`
	Message string `json:"message"`
	Data interface{} `json:"data,omitempty"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d - %s", e.Code, e.Message)
}

// RpcRequestParams is the parameter object both rpc services send along
// with their own requests.
type RpcRequestParams struct {
	PublicKey string `json:"publicKey"`
	Data json.RawMessage `json:"data,omitempty"`
}

type rpc_message struct {
	JsonRpc string `json:"jsonrpc"`
	Id json.RawMessage `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error *RpcError `json:"error,omitempty"`
}

type rpc_result struct {
	result json.RawMessage
	err error
}

type RpcSessionOptions struct {
	Methods RpcMethodMap
	RemoteKey string
	Timeout time.Duration // inactivity timeout. 0 for the default
	PingInterval time.Duration // 0 for the default. negative to disable
	OnClose func(err error)
	Log Logger
	LogId string
	Stats *PipeStats
}

// RpcSession runs json-rpc 2.0 in both directions over one stream. Every
// message is framed with a 4-byte big-endian length. A zero-length frame
// is a keepalive.
type RpcSession struct {
	ch *CtrlHandle
	opts RpcSessionOptions
	log Logger
	ready chan struct{}

	rd_buf []byte // touched by the reader goroutine only

	pending_mtx sync.Mutex
	pending_map map[uint64]chan *rpc_result
	seq atomic.Uint64

	close_err error
	done chan struct{}
}

func NewRpcSession(conn DuplexConn, opts *RpcSessionOptions) *RpcSession {
	var s *RpcSession

	s = &RpcSession{
		ready: make(chan struct{}),
		pending_map: make(map[uint64]chan *rpc_result),
		done: make(chan struct{}),
	}
	if opts != nil { s.opts = *opts }
	if s.opts.PingInterval == 0 { s.opts.PingInterval = RPC_PING_INTERVAL }
	s.log = logger_or_nop(s.opts.Log)

	s.ch = ConnRemoteCtrl(conn, &CtrlOptions{
		Timeout: s.opts.Timeout,
		OnData: s.feed,
		OnDestroy: s.on_destroy,
		Log: s.log,
		LogId: s.opts.LogId,
	}, s.opts.Stats)
	close(s.ready)

	if s.opts.PingInterval > 0 { go s.ping_loop() }
	return s
}

func (s *RpcSession) RemoteKey() string {
	return s.opts.RemoteKey
}

func (s *RpcSession) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that closed the session. It is nil while the
// session is open or when it was closed cleanly.
func (s *RpcSession) Err() error {
	if !s.IsClosed() { return nil }
	return s.close_err
}

func (s *RpcSession) IsClosed() bool {
	select {
		case <-s.done:
			return true
		default:
			return false
	}
}

func (s *RpcSession) Close() {
	<-s.ready
	s.ch.Destroy(nil)
}

func (s *RpcSession) on_destroy(err error) {
	s.close_err = err
	s.RejectAllPending("Connection closed")
	close(s.done)
	if s.opts.OnClose != nil { s.opts.OnClose(err) }
}

func (s *RpcSession) ping_loop() {
	var tkr *time.Ticker
	var hdr [RPC_FRAME_HDR_LEN]byte

	<-s.ready
	tkr = time.NewTicker(s.opts.PingInterval)
	defer tkr.Stop()

	for {
		select {
			case <-tkr.C:
				if !s.ch.Send(hdr[:]) { return }
			case <-s.done:
				return
		}
	}
}

func (s *RpcSession) send_message(msg *rpc_message) error {
	var b []byte
	var frame []byte
	var err error

	msg.JsonRpc = RPC_VERSION
	b, err = json.Marshal(msg)
	if err != nil { return err }
	if len(b) > RPC_MAX_FRAME_LEN { return ErrRpcFrameTooLarge }

	frame = make([]byte, RPC_FRAME_HDR_LEN + len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[RPC_FRAME_HDR_LEN:], b)

	<-s.ready
	if !s.ch.Send(frame) { return ErrRpcSessionClosed }
	return nil
}

// feed accumulates stream data and dispatches every complete frame.
func (s *RpcSession) feed(data []byte) {
	var n int
	var frame []byte

	<-s.ready
	s.rd_buf = append(s.rd_buf, data...)
	for len(s.rd_buf) >= RPC_FRAME_HDR_LEN {
		n = int(binary.BigEndian.Uint32(s.rd_buf))
		if n > RPC_MAX_FRAME_LEN {
			s.ch.Destroy(fmt.Errorf("%w - %d bytes", ErrRpcFrameTooLarge, n))
			return
		}
		if len(s.rd_buf) < RPC_FRAME_HDR_LEN + n { break }

		frame = s.rd_buf[RPC_FRAME_HDR_LEN:RPC_FRAME_HDR_LEN + n]
		s.rd_buf = s.rd_buf[RPC_FRAME_HDR_LEN + n:]
		if n > 0 { s.dispatch(frame) }
	}
	if len(s.rd_buf) == 0 { s.rd_buf = nil }
}

func (s *RpcSession) dispatch(frame []byte) {
	var msg rpc_message
	var err error

	err = json.Unmarshal(frame, &msg)
	if err != nil {
		s.log.Write(s.opts.LogId, LOG_WARN, "Invalid rpc message from %s - %s", s.opts.RemoteKey, err.Error())
		s.send_message(&rpc_message{Id: json.RawMessage("null"), Error: &RpcError{Code: RPC_ERR_PARSE, Message: "Parse error"}})
		return
	}

	if msg.Method != "" {
		// handlers may block or issue requests of their own
		go s.serve(&msg)
		return
	}

	if len(msg.Id) > 0 { s.resolve(&msg) }
}

func (s *RpcSession) serve(req *rpc_message) {
	var method RpcMethod
	var ok bool
	var result interface{}
	var rb []byte
	var resp rpc_message
	var rpc_err *RpcError
	var err error

	method, ok = s.opts.Methods[req.Method]
	if !ok {
		err = &RpcError{Code: RPC_ERR_METHOD_NOT_FOUND, Message: "Method not found"}
	} else {
		result, err = s.call(req.Method, method, req.Params)
	}

	if len(req.Id) == 0 { return } // notification

	resp.Id = req.Id
	if err != nil {
		if !errors.As(err, &rpc_err) { rpc_err = &RpcError{Code: RPC_ERR_INTERNAL, Message: err.Error()} }
		resp.Error = rpc_err
	} else {
		rb, err = json.Marshal(result)
		if err != nil {
			resp.Error = &RpcError{Code: RPC_ERR_INTERNAL, Message: err.Error()}
		} else {
			resp.Result = rb
		}
	}

	err = s.send_message(&resp)
	if err != nil && !errors.Is(err, ErrRpcSessionClosed) {
		s.log.Write(s.opts.LogId, LOG_ERROR, "Failed to send response for %s - %s", req.Method, err.Error())
	}
}

func (s *RpcSession) call(name string, method RpcMethod, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		var r interface{} = recover()
		if r != nil {
			s.log.Write(s.opts.LogId, LOG_ERROR, "Panic in rpc method %s - %v", name, r)
			result = nil
			err = &RpcError{Code: RPC_ERR_INTERNAL, Message: fmt.Sprintf("%v", r)}
		}
	}()
	return method(params)
}

func (s *RpcSession) resolve(msg *rpc_message) {
	var id uint64
	var c chan *rpc_result
	var ok bool
	var err error

	id, err = strconv.ParseUint(string(msg.Id), 10, 64)
	if err != nil { return }

	s.pending_mtx.Lock()
	c, ok = s.pending_map[id]
	if ok { delete(s.pending_map, id) }
	s.pending_mtx.Unlock()
	if !ok { return }

	if msg.Error != nil {
		c <- &rpc_result{err: msg.Error}
	} else {
		c <- &rpc_result{result: msg.Result}
	}
}

// Request sends a call and waits for its response.
func (s *RpcSession) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var id uint64
	var c chan *rpc_result
	var pb []byte
	var res *rpc_result
	var err error

	if s.IsClosed() { return nil, ErrRpcSessionClosed }

	pb, err = json.Marshal(params)
	if err != nil { return nil, err }

	id = s.seq.Add(1)
	c = make(chan *rpc_result, 1)
	s.pending_mtx.Lock()
	s.pending_map[id] = c
	s.pending_mtx.Unlock()

	err = s.send_message(&rpc_message{Id: json.RawMessage(strconv.FormatUint(id, 10)), Method: method, Params: pb})
	if err != nil {
		s.forget(id)
		return nil, err
	}

	select {
		case res = <-c:
			return res.result, res.err

		case <-ctx.Done():
			s.forget(id)
			return nil, ctx.Err()
	}
}

// Notify sends a call that expects no response.
func (s *RpcSession) Notify(method string, params interface{}) error {
	var pb []byte
	var err error

	pb, err = json.Marshal(params)
	if err != nil { return err }
	return s.send_message(&rpc_message{Method: method, Params: pb})
}

func (s *RpcSession) forget(id uint64) {
	s.pending_mtx.Lock()
	delete(s.pending_map, id)
	s.pending_mtx.Unlock()
}

// RejectAllPending fails every outstanding call with reason.
func (s *RpcSession) RejectAllPending(reason string) {
	var pending map[uint64]chan *rpc_result
	var c chan *rpc_result

	s.pending_mtx.Lock()
	pending = s.pending_map
	s.pending_map = make(map[uint64]chan *rpc_result)
	s.pending_mtx.Unlock()

	for _, c = range pending {
		c <- &rpc_result{err: &RpcError{Code: RPC_ERR_REJECTED, Message: reason}}
	}
}

func (s *RpcSession) PendingCount() int {
	s.pending_mtx.Lock()
	defer s.pending_mtx.Unlock()
	return len(s.pending_map)
}

// ------------------------------------------------------------------------

var default_rpc_topic string = make_rpc_topic("oniriCloudRpc")

func make_rpc_topic(name string) string {
	var b [32]byte
	var i int

	for i = range b { b[i] = name[i % len(name)] }
	return fmt.Sprintf("%x", b[:])
}

func DefaultRpcTopic() string {
	return default_rpc_topic
}

func make_rpc_params(key string, data interface{}) (*RpcRequestParams, error) {
	var b []byte
	var err error

	if data == nil { return &RpcRequestParams{PublicKey: key}, nil }
	b, err = json.Marshal(data)
	if err != nil { return nil, err }
	return &RpcRequestParams{PublicKey: key, Data: b}, nil
}
