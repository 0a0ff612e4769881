package oniri

import "context"
import "encoding/json"
import "fmt"
import "sync"
import "sync/atomic"
import "time"

type ServiceKind int

const (
	SERVICE_KIND_TCP_CLIENT ServiceKind = iota
	SERVICE_KIND_TCP_SERVER
	SERVICE_KIND_UDP_CLIENT
	SERVICE_KIND_UDP_SERVER
	SERVICE_KIND_RPC_CLIENT
	SERVICE_KIND_RPC_SERVER
)

func (k ServiceKind) String() string {
	switch k {
		case SERVICE_KIND_TCP_CLIENT:
			return "tcp-client"
		case SERVICE_KIND_TCP_SERVER:
			return "tcp-server"
		case SERVICE_KIND_UDP_CLIENT:
			return "udp-client"
		case SERVICE_KIND_UDP_SERVER:
			return "udp-server"
		case SERVICE_KIND_RPC_CLIENT:
			return "rpc-client"
		case SERVICE_KIND_RPC_SERVER:
			return "rpc-server"
	}
	return "unknown"
}

func (k ServiceKind) IsServer() bool {
	return k == SERVICE_KIND_TCP_SERVER || k == SERVICE_KIND_UDP_SERVER || k == SERVICE_KIND_RPC_SERVER
}

func (k ServiceKind) Transport() string {
	switch k {
		case SERVICE_KIND_UDP_CLIENT, SERVICE_KIND_UDP_SERVER:
			return TRANSPORT_UDP
		case SERVICE_KIND_RPC_CLIENT, SERVICE_KIND_RPC_SERVER:
			return TRANSPORT_RPC
	}
	return TRANSPORT_TCP
}

type ServiceEventType int

const (
	SERVICE_EVENT_STARTED ServiceEventType = iota
	SERVICE_EVENT_STOPPED
	SERVICE_EVENT_CONNECTED
	SERVICE_EVENT_DISCONNECTED
	SERVICE_EVENT_ERROR
)

func (t ServiceEventType) String() string {
	switch t {
		case SERVICE_EVENT_STARTED:
			return "started"
		case SERVICE_EVENT_STOPPED:
			return "stopped"
		case SERVICE_EVENT_CONNECTED:
			return "connected"
		case SERVICE_EVENT_DISCONNECTED:
			return "disconnected"
		case SERVICE_EVENT_ERROR:
			return "error"
	}
	return "unknown"
}

func (t ServiceEventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ServiceEventType) UnmarshalJSON(b []byte) error {
	var s string
	var err error

	err = json.Unmarshal(b, &s)
	if err != nil { return err }
	switch s {
		case "started":
			*t = SERVICE_EVENT_STARTED
		case "stopped":
			*t = SERVICE_EVENT_STOPPED
		case "connected":
			*t = SERVICE_EVENT_CONNECTED
		case "disconnected":
			*t = SERVICE_EVENT_DISCONNECTED
		case "error":
			*t = SERVICE_EVENT_ERROR
		default:
			return fmt.Errorf("unknown service event type %s", s)
	}
	return nil
}

type ServiceRef struct {
	ServiceKey string `json:"serviceKey"`
	Name string `json:"name"`
}

type ServiceEventMsg struct {
	Type ServiceEventType `json:"type"`
	Data interface{} `json:"data"`
}

type ServiceEvent struct {
	Service ServiceRef `json:"service"`
	Msg ServiceEventMsg `json:"msg"`
}

type ServiceEventSink func(evt *ServiceEvent)

type ServiceErrorData struct {
	Msg string `json:"msg"`
}

type ServiceAddressData struct {
	Address string `json:"address"`
	Port int `json:"port"`
}

type ServicePeerData struct {
	PublicKey string `json:"publicKey"`
}

type ServiceMetrics struct {
	Enabled bool `json:"enabled"`
	TotalConnections int64 `json:"totalConnections"`
	ActiveConnections int64 `json:"activeConnections"`
	FailedConnections int64 `json:"failedConnections"`
	RejectedConnections int64 `json:"rejectedConnections"`
	ReconnectAttempts int64 `json:"reconnectAttempts"`
	BytesIn int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
	Uptime int64 `json:"uptime"` // milliseconds
	Connected bool `json:"connected"`
}

type TransportService interface {
	Init(ctx context.Context) error
	Stop() bool
	GetMetrics() ServiceMetrics
	Key() string
	Name() string
	Kind() ServiceKind
	IsStarted() bool
}

// ServiceConfig carries the construction parameters of every service kind.
// Fields irrelevant to a kind are ignored.
type ServiceConfig struct {
	Name string
	Seed string
	Overlay Overlay
	Log Logger
	OnUpdate ServiceEventSink
	AutoStart *bool

	EnableMetrics bool
	Compress bool
	IdleTimeout time.Duration

	// client side
	PeerToConnect string
	RelayThrough string
	ProxyHost string
	ProxyPort int

	// server side
	TargetHost string
	TargetPort int
	Allowed []string
	Store *AllowedStore

	// rpc
	Topic string
	Methods RpcMethodMap
}

type service_counters struct {
	total atomic.Int64
	failed atomic.Int64
	rejected atomic.Int64
	reconnects atomic.Int64
	bytes_in atomic.Int64
	bytes_out atomic.Int64
}

// service_base holds what all transport services share.
type service_base struct {
	id *ServiceIdentity
	kind ServiceKind
	cfg ServiceConfig
	log Logger

	life_mtx sync.Mutex // serializes Init and Stop
	started atomic.Bool
	start_time atomic.Uint64
	ctx context.Context
	ctx_cancel context.CancelFunc

	counters service_counters
	stats PipeStats
}

func (b *service_base) init_base(id *ServiceIdentity, kind ServiceKind, cfg *ServiceConfig) {
	b.id = id
	b.kind = kind
	b.cfg = *cfg
	b.log = logger_or_nop(cfg.Log)
}

func (b *service_base) Key() string {
	return b.id.Key()
}

func (b *service_base) Name() string {
	return b.cfg.Name
}

func (b *service_base) Kind() ServiceKind {
	return b.kind
}

func (b *service_base) IsStarted() bool {
	return b.started.Load()
}

func (b *service_base) Config() ServiceConfig {
	return b.cfg
}

func (b *service_base) log_id() string {
	return b.cfg.Name
}

func (b *service_base) emit(typ ServiceEventType, data interface{}) {
	var evt ServiceEvent

	if b.cfg.OnUpdate == nil { return }

	evt.Service.ServiceKey = b.id.Key()
	evt.Service.Name = b.cfg.Name
	evt.Msg.Type = typ
	evt.Msg.Data = data

	defer func() {
		var r interface{} = recover()
		if r != nil { b.log.Write(b.log_id(), LOG_ERROR, "Panic in update handler - %v", r) }
	}()
	b.cfg.OnUpdate(&evt)
}

func (b *service_base) emit_error(msg string) {
	b.emit(SERVICE_EVENT_ERROR, &ServiceErrorData{Msg: msg})
}

func (b *service_base) mark_started() {
	b.start_time.Store(monotonic_time())
	b.started.Store(true)
}

func (b *service_base) new_context() {
	b.ctx, b.ctx_cancel = context.WithCancel(context.Background())
}

func (b *service_base) cancel_context() {
	if b.ctx_cancel != nil { b.ctx_cancel() }
}

// close_step runs a bounded close operation and logs a failure.
func (b *service_base) close_step(what string, tmout time.Duration, fn func() error) bool {
	var err error

	err = run_with_timeout(what, tmout, fn)
	if err != nil {
		b.log.Write(b.log_id(), LOG_ERROR, "Failed to close %s - %s", what, err.Error())
		return false
	}
	return true
}

func (b *service_base) base_metrics(active int64) ServiceMetrics {
	var m ServiceMetrics

	m.Enabled = b.cfg.EnableMetrics
	m.ActiveConnections = active
	if !m.Enabled { return m }

	m.TotalConnections = b.counters.total.Load()
	m.FailedConnections = b.counters.failed.Load()
	m.RejectedConnections = b.counters.rejected.Load()
	m.ReconnectAttempts = b.counters.reconnects.Load()
	m.BytesIn = b.stats.BytesIn.Load() + b.counters.bytes_in.Load()
	m.BytesOut = b.stats.BytesOut.Load() + b.counters.bytes_out.Load()
	if b.started.Load() {
		m.Uptime = monotonic_since(b.start_time.Load()).Milliseconds()
	}
	return m
}

func new_transport_service(kind ServiceKind, id *ServiceIdentity, cfg *ServiceConfig) (TransportService, error) {
	switch kind {
		case SERVICE_KIND_TCP_CLIENT:
			return NewTcpClient(id, cfg), nil
		case SERVICE_KIND_TCP_SERVER:
			return NewTcpServer(id, cfg), nil
		case SERVICE_KIND_UDP_CLIENT:
			return NewUdpClient(id, cfg), nil
		case SERVICE_KIND_UDP_SERVER:
			return NewUdpServer(id, cfg), nil
		case SERVICE_KIND_RPC_CLIENT:
			return NewRpcClient(id, cfg), nil
		case SERVICE_KIND_RPC_SERVER:
			return NewRpcServer(id, cfg), nil
	}
	return nil, fmt.Errorf("unknown service kind %d", kind)
}
