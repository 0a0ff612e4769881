package oniri

import "context"
import "encoding/json"
import "fmt"
import "reflect"
import "sort"
import "strings"
import "sync"
import "sync/atomic"
import "time"

type Role int

const (
	ROLE_CLIENT Role = iota
	ROLE_SERVER
)

const ONIRI_CLOSE_TIMEOUT time.Duration = 10 * time.Second
const ONIRI_REQUEST_TIMEOUT time.Duration = 30 * time.Second
const ONIRI_EVENT_QUEUE_CAPA int = 1024

func (r Role) String() string {
	if r == ROLE_SERVER { return "server" }
	return "client"
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
		case "server":
			return ROLE_SERVER, nil
		case "client", "":
			return ROLE_CLIENT, nil
	}
	return ROLE_CLIENT, fmt.Errorf("invalid role %s", s)
}

type OniriOptions struct {
	Role Role
	Overlay Overlay
	ConfigStore ConfigStore
	Password string // opens sealed seeds in the services document
	Log Logger
	RequestTimeout time.Duration
	EventQueueCapa int
}

// ServiceStatus describes a service without its secrets.
type ServiceStatus struct {
	ServiceKey string `json:"serviceKey"`
	Kind string `json:"kind"`
	Started bool `json:"started"`
	Metrics ServiceMetrics `json:"metrics"`
	*ServiceDef
}

type ControlServiceInfo struct {
	PublicKey string `json:"publicKey"`
}

type AllServices struct {
	Remotes []ServiceStatus `json:"remotes"`
	Local []ServiceStatus `json:"local"`
	ControlService ControlServiceInfo `json:"controlService"`
}

// Oniri drives a ServicesManager from a services document. The role picks
// the control methods it offers and how it reacts to control connections.
type Oniri struct {
	role Role
	ov Overlay
	cfg_store ConfigStore
	password string
	log Logger
	req_tmout time.Duration

	allowed *AllowedStore
	manager *ServicesManager

	upd_mtx sync.Mutex // serializes populate and reconcile
	cfg_mtx sync.Mutex
	cfg *ServicesConfig
	control_key Atom[string]

	initialized atomic.Bool
	events *Bulletin[*ServiceEvent]
	evt_wg sync.WaitGroup
	evt_started atomic.Bool

	ctx context.Context
	ctx_cancel context.CancelFunc
	wg sync.WaitGroup

	watcher *ConfigWatcher
}

func NewOniri(opts *OniriOptions) *Oniri {
	var o Oniri
	var capa int

	o.role = opts.Role
	o.ov = opts.Overlay
	o.cfg_store = opts.ConfigStore
	if o.cfg_store == nil { o.cfg_store = NewMemoryConfigStore(nil) }
	o.password = opts.Password
	o.log = logger_or_nop(opts.Log)
	o.req_tmout = opts.RequestTimeout
	if o.req_tmout <= 0 { o.req_tmout = ONIRI_REQUEST_TIMEOUT }

	capa = opts.EventQueueCapa
	if capa <= 0 { capa = ONIRI_EVENT_QUEUE_CAPA }
	o.events = NewBulletin[*ServiceEvent](capa)

	o.allowed = NewAllowedStore()
	o.manager = NewServicesManager(o.ov, o.allowed, o.log)
	o.cfg = NewServicesConfig()
	o.ctx, o.ctx_cancel = context.WithCancel(context.Background())
	return &o
}

func (o *Oniri) Role() Role {
	return o.role
}

func (o *Oniri) Manager() *ServicesManager {
	return o.manager
}

func (o *Oniri) AllowedStore() *AllowedStore {
	return o.allowed
}

// Events returns the bulletin carrying every service event. Subscribe with
// a service key for the events of that service only.
func (o *Oniri) Events() *Bulletin[*ServiceEvent] {
	return o.events
}

func (o *Oniri) IsInitialized() bool {
	return o.initialized.Load()
}

// Config returns a copy of the current services document.
func (o *Oniri) Config() *ServicesConfig {
	o.cfg_mtx.Lock()
	defer o.cfg_mtx.Unlock()
	return o.cfg.Clone()
}

func (o *Oniri) Init(ctx context.Context) error {
	var err error

	if o.evt_started.CompareAndSwap(false, true) {
		o.evt_wg.Add(1)
		go o.events.RunTask(&o.evt_wg)
	}

	err = o.StartServices(ctx)
	if err != nil {
		o.log.Write("oniri", LOG_ERROR, "Failed to initialize - %s", err.Error())
		o.initialized.Store(false)
		return err
	}

	o.initialized.Store(true)
	o.log.Write("oniri", LOG_INFO, "Initialized successfully as %s", o.role.String())
	return nil
}

// StartServices loads the services document, generating a fresh one when
// none exists, and populates the services from it.
func (o *Oniri) StartServices(ctx context.Context) error {
	var cfg *ServicesConfig
	var err error

	cfg, err = o.load_or_generate()
	if err != nil { return err }

	o.cfg_mtx.Lock()
	o.cfg = cfg
	o.cfg_mtx.Unlock()

	return o.PopulateServices(ctx)
}

func (o *Oniri) load_or_generate() (*ServicesConfig, error) {
	var cfg *ServicesConfig
	var err error

	if o.cfg_store.Exists() { return o.cfg_store.Load() }

	o.log.Write("oniri", LOG_INFO, "Config not found, generating a new one")
	cfg, err = GenerateServicesConfig(o.role)
	if err != nil { return nil, err }
	err = o.cfg_store.Save(cfg)
	if err != nil { return nil, fmt.Errorf("unable to save config - %s", err.Error()) }
	return cfg, nil
}

// ConfigureFromSeed replaces the services document with one built around the
// given control seed. Running services are closed first.
func (o *Oniri) ConfigureFromSeed(seed string, topic string) error {
	var cfg *ServicesConfig
	var plain string
	var err error

	plain, err = DecryptSeed(seed, o.password)
	if err != nil { return err }
	cfg, err = ServicesConfigFromSeed(o.role, plain, topic)
	if err != nil { return err }

	err = o.RemoveConfig()
	if err != nil { o.log.Write("oniri", LOG_WARN, "Error while removing old config - %s", err.Error()) }

	err = o.cfg_store.Save(cfg)
	if err != nil { return err }

	o.cfg_mtx.Lock()
	o.cfg = cfg
	o.cfg_mtx.Unlock()
	return nil
}

func sorted_keys(m map[string]*ServiceDef) []string {
	var keys []string
	var k string

	keys = make([]string, 0, len(m))
	for k = range m { keys = append(keys, k) }
	sort.Strings(keys)
	return keys
}

// PopulateServices creates and starts every service of the document. A
// failing entry is logged and skipped.
func (o *Oniri) PopulateServices(ctx context.Context) error {
	var cfg *ServicesConfig
	var k string
	var def *ServiceDef
	var err error

	o.upd_mtx.Lock()
	defer o.upd_mtx.Unlock()

	cfg = o.Config()
	if len(cfg.Services.Local) == 0 && len(cfg.Services.Remote) == 0 {
		o.log.Write("oniri", LOG_WARN, "No services in config")
		return nil
	}

	for _, k = range sorted_keys(cfg.Services.Local) {
		def = cfg.Services.Local[k]
		if def.TransportOrDefault() == TRANSPORT_RPC { o.set_control_key(k) }
		_, err = o.create_local(ctx, def, false)
		if err == nil { err = o.manager.StartServerById(ctx, k) }
		if err != nil { o.log.Write("oniri", LOG_ERROR, "Failed to populate local service %s - %s", k, err.Error()) }
	}

	for _, k = range sorted_keys(cfg.Services.Remote) {
		def = cfg.Services.Remote[k]
		if def.TransportOrDefault() == TRANSPORT_RPC { o.set_control_key(k) }
		_, err = o.create_remote(ctx, def, false)
		if err == nil { err = o.manager.StartClientById(ctx, k) }
		if err != nil { o.log.Write("oniri", LOG_ERROR, "Failed to populate remote service %s - %s", k, err.Error()) }
	}

	return nil
}

func (o *Oniri) set_control_key(k string) {
	o.control_key.Set(k)
}

func (o *Oniri) ControlKey() string {
	return o.control_key.Get()
}

func (o *Oniri) service_config(def *ServiceDef) (*ServiceConfig, error) {
	var c ServiceConfig
	var off bool
	var err error

	c.Seed, err = DecryptSeed(def.Seed, o.password)
	if err != nil { return nil, err }

	off = false
	c.Name = def.Name
	c.AutoStart = &off
	c.OnUpdate = o.on_update
	c.EnableMetrics = def.EnableMetrics
	c.Compress = def.Compress
	c.Topic = def.Topic
	return &c, nil
}

// create_local registers a server for def without starting it. With persist
// set, the definition is recorded in the document and saved.
func (o *Oniri) create_local(ctx context.Context, def *ServiceDef, persist bool) (ServiceInfo, error) {
	var c *ServiceConfig
	var info ServiceInfo
	var err error

	def = def.Clone()
	if def.Seed == "" {
		def.Seed, err = GenerateSeed()
		if err != nil { return info, err }
	}
	if def.Allowed == nil { def.Allowed = []string{} }

	c, err = o.service_config(def)
	if err != nil { return info, err }
	c.TargetHost = def.TargetHost
	c.TargetPort = def.TargetPort
	c.Allowed = def.Allowed

	switch def.TransportOrDefault() {
		case TRANSPORT_RPC:
			c.Methods = o.methods()
			info, err = o.manager.CreateServerRpc(ctx, c)
		case TRANSPORT_UDP:
			info, err = o.manager.CreateServerUdp(ctx, c)
		default:
			def.Transport = TRANSPORT_TCP
			info, err = o.manager.CreateServer(ctx, c)
	}
	if err != nil { return info, err }

	if persist {
		o.cfg_mtx.Lock()
		o.cfg.Services.Local[info.ServiceKey] = def
		o.cfg_mtx.Unlock()
		err = o.save_config()
	}
	return info, err
}

func (o *Oniri) create_remote(ctx context.Context, def *ServiceDef, persist bool) (ServiceInfo, error) {
	var c *ServiceConfig
	var info ServiceInfo
	var err error

	def = def.Clone()
	if def.Seed == "" {
		def.Seed, err = GenerateSeed()
		if err != nil { return info, err }
	}

	c, err = o.service_config(def)
	if err != nil { return info, err }
	c.PeerToConnect = def.RemoteServiceKey
	c.RelayThrough = def.RelayThrough
	c.ProxyHost = def.ProxyHost

	switch def.TransportOrDefault() {
		case TRANSPORT_RPC:
			c.Methods = o.methods()
			info, err = o.manager.CreateClientRpc(ctx, c)
		case TRANSPORT_UDP:
			c.ProxyPort = def.ProxyPort
			info, err = o.manager.CreateClientUdp(ctx, c)
		default:
			def.Transport = TRANSPORT_TCP
			if def.ProxyPort == 0 {
				def.ProxyPort, err = get_random_port(def.ProxyHost)
				if err != nil { return info, err }
			}
			c.ProxyPort = def.ProxyPort
			info, err = o.manager.CreateClient(ctx, c)
	}
	if err != nil { return info, err }

	if persist {
		o.cfg_mtx.Lock()
		o.cfg.Services.Remote[info.ServiceKey] = def
		o.cfg_mtx.Unlock()
		err = o.save_config()
	}
	return info, err
}

// CreateLocalService adds a server to the document and starts it.
func (o *Oniri) CreateLocalService(ctx context.Context, def *ServiceDef) (ServiceInfo, error) {
	var info ServiceInfo
	var err error

	o.upd_mtx.Lock()
	defer o.upd_mtx.Unlock()

	info, err = o.create_local(ctx, def, true)
	if err != nil { return info, err }
	return info, o.manager.StartServerById(ctx, info.ServiceKey)
}

// CreateRemoteService adds a client to the document and starts it.
func (o *Oniri) CreateRemoteService(ctx context.Context, def *ServiceDef) (ServiceInfo, error) {
	var info ServiceInfo
	var err error

	o.upd_mtx.Lock()
	defer o.upd_mtx.Unlock()

	info, err = o.create_remote(ctx, def, true)
	if err != nil { return info, err }
	return info, o.manager.StartClientById(ctx, info.ServiceKey)
}

func (o *Oniri) StartLocalServiceById(ctx context.Context, key string) error {
	return o.manager.StartServerById(ctx, key)
}

func (o *Oniri) StartRemoteServiceById(ctx context.Context, key string) error {
	return o.manager.StartClientById(ctx, key)
}

func (o *Oniri) StopLocalServiceById(key string) error {
	return o.manager.StopServerById(key)
}

func (o *Oniri) StopRemoteServiceById(key string) error {
	return o.manager.StopClientById(key)
}

func (o *Oniri) save_config() error {
	var cfg *ServicesConfig
	var err error

	cfg = o.Config()
	err = o.cfg_store.Save(cfg)
	if err != nil { o.log.Write("oniri", LOG_ERROR, "Failed to save config - %s", err.Error()) }
	return err
}

func same_def(a *ServiceDef, b *ServiceDef) bool {
	var ac *ServiceDef
	var bc *ServiceDef

	// allowed lists are applied without a restart
	ac = a.Clone()
	bc = b.Clone()
	ac.Allowed = nil
	bc.Allowed = nil
	if ac.Transport == "" { ac.Transport = TRANSPORT_TCP }
	if bc.Transport == "" { bc.Transport = TRANSPORT_TCP }
	return reflect.DeepEqual(ac, bc)
}

// UpdateAllServices reconciles the running services with desired and saves
// the result. The control service is never removed or restarted here.
func (o *Oniri) UpdateAllServices(ctx context.Context, desired *ServicesSection) error {
	var cur *ServicesConfig
	var control string
	var k string
	var def *ServiceDef
	var old *ServiceDef
	var ok bool
	var first_err error
	var record func(what string, k string, err error)
	var err error

	o.upd_mtx.Lock()
	defer o.upd_mtx.Unlock()

	desired = desired.Clone()
	desired.normalize()
	cur = o.Config()
	control = o.ControlKey()

	record = func(what string, k string, err error) {
		if err == nil { return }
		o.log.Write("oniri", LOG_ERROR, "Failed to %s %s - %s", what, k, err.Error())
		if first_err == nil { first_err = err }
	}

	o.log.Write("oniri", LOG_INFO, "Updating all services - %d local, %d remote", len(desired.Local), len(desired.Remote))

	for _, k = range sorted_keys(cur.Services.Remote) {
		if k == control { continue }
		if _, ok = desired.Remote[k]; ok { continue }

		record("remove remote service", k, o.manager.RemoveClientById(k))
		o.cfg_mtx.Lock()
		delete(o.cfg.Services.Remote, k)
		o.cfg_mtx.Unlock()
	}

	for _, k = range sorted_keys(desired.Remote) {
		def = desired.Remote[k]
		old, ok = cur.Services.Remote[k]
		if ok {
			// keep the port picked when the entry was created
			if def.ProxyPort == 0 { def.ProxyPort = old.ProxyPort }
			if k == control || def.TransportOrDefault() == TRANSPORT_RPC { continue }
			if same_def(old, def) {
				// nothing but the allowed list differs. the running client keeps its tunnels
				o.cfg_mtx.Lock()
				o.cfg.Services.Remote[k].Allowed = copy_key_list(def.Allowed)
				o.cfg_mtx.Unlock()
				continue
			}
		}

		_, err = o.create_remote(ctx, def, true)
		if err == nil { err = o.manager.StartClientById(ctx, k) }
		record("create remote service", k, err)
	}

	for _, k = range sorted_keys(cur.Services.Local) {
		if k == control { continue }
		if _, ok = desired.Local[k]; ok { continue }

		record("remove local service", k, o.manager.RemoveServerById(k))
		o.cfg_mtx.Lock()
		delete(o.cfg.Services.Local, k)
		o.cfg_mtx.Unlock()
	}

	for _, k = range sorted_keys(desired.Local) {
		def = desired.Local[k]
		old, ok = cur.Services.Local[k]
		if ok && o.manager.HasServer(k) {
			o.manager.SetServerAllowedList(k, def.Allowed)
			o.cfg_mtx.Lock()
			o.cfg.Services.Local[k].Allowed = copy_key_list(def.Allowed)
			o.cfg_mtx.Unlock()

			if k == control || def.TransportOrDefault() == TRANSPORT_RPC { continue }
			if same_def(old, def) { continue }
		}

		o.allowed.CreateServiceStore(k, def.Allowed)
		_, err = o.create_local(ctx, def, true)
		if err == nil { err = o.manager.StartServerById(ctx, k) }
		record("create local service", k, err)
	}

	record("save config", "", o.save_config())
	o.log.Write("oniri", LOG_INFO, "Config updated")
	return first_err
}

// SetAllowedList replaces the allowed list of a local service and saves it.
func (o *Oniri) SetAllowedList(key string, list []string) bool {
	var def *ServiceDef
	var ok bool

	if !o.manager.SetServerAllowedList(key, list) { return false }

	o.cfg_mtx.Lock()
	def, ok = o.cfg.Services.Local[key]
	if ok { def.Allowed = copy_key_list(list) }
	o.cfg_mtx.Unlock()

	o.save_config()
	return true
}

func (o *Oniri) GetAllowedList(key string) ([]string, bool) {
	return o.manager.GetServerAllowedList(key)
}

func (o *Oniri) GetControlService() *ServiceEntry {
	var k string

	k = o.ControlKey()
	if k == "" { return nil }
	if o.role == ROLE_SERVER { return o.manager.GetServer(k) }
	return o.manager.GetClient(k)
}

func (o *Oniri) service_status(e *ServiceEntry, defs map[string]*ServiceDef) ServiceStatus {
	var st ServiceStatus
	var def *ServiceDef

	def = defs[e.Key()]
	if def == nil {
		def = &ServiceDef{Name: e.Config.Name, Transport: e.Kind.Transport()}
	}

	st.ServiceKey = e.Key()
	st.Kind = e.Kind.String()
	st.Started = e.Service.IsStarted()
	st.Metrics = e.Service.GetMetrics()
	st.ServiceDef = def.Public()
	return st
}

// GetAllServices lists every service without its seed.
func (o *Oniri) GetAllServices() *AllServices {
	var all AllServices
	var cfg *ServicesConfig
	var e *ServiceEntry

	cfg = o.Config()
	all.Remotes = make([]ServiceStatus, 0)
	all.Local = make([]ServiceStatus, 0)
	for _, e = range o.manager.GetClients() { all.Remotes = append(all.Remotes, o.service_status(e, cfg.Services.Remote)) }
	for _, e = range o.manager.GetServers() { all.Local = append(all.Local, o.service_status(e, cfg.Services.Local)) }
	all.ControlService.PublicKey = o.ControlKey()
	return &all
}

// RemoveConfig closes every service and deletes the services document.
func (o *Oniri) RemoveConfig() error {
	var old_key string
	var err error

	err = o.manager.Close()
	if err != nil { o.log.Write("oniri", LOG_WARN, "Error closing services - %s", err.Error()) }

	o.cfg_mtx.Lock()
	o.cfg = NewServicesConfig()
	o.cfg_mtx.Unlock()
	old_key = o.control_key.Swap("")
	if old_key != "" { o.log.Write("oniri", LOG_INFO, "Dropped control service %s", old_key) }

	o.initialized.Store(false)
	return o.cfg_store.Remove()
}

// WatchConfig reconciles the services whenever the file behind path changes.
func (o *Oniri) WatchConfig(path string) error {
	var w *ConfigWatcher
	var err error

	w, err = NewConfigWatcher(path, o.log, o.on_config_change)
	if err != nil { return err }
	o.watcher = w

	o.wg.Add(1)
	go w.RunTask(&o.wg)
	return nil
}

func (o *Oniri) on_config_change(cfg *ServicesConfig) {
	var cur *ServicesConfig
	var a []byte
	var b []byte
	var err error

	cur = o.Config()
	a, _ = json.Marshal(cur)
	b, _ = json.Marshal(cfg)
	if string(a) == string(b) { return }

	o.log.Write("oniri", LOG_INFO, "Config file changed, updating services")

	o.cfg_mtx.Lock()
	o.cfg.Clients = cfg.Clients
	o.cfg_mtx.Unlock()

	err = o.UpdateAllServices(o.ctx, &cfg.Services)
	if err != nil { o.log.Write("oniri", LOG_ERROR, "Failed to apply changed config - %s", err.Error()) }
}

// Close stops all services within ONIRI_CLOSE_TIMEOUT.
func (o *Oniri) Close() error {
	var err error

	o.ctx_cancel()
	if o.watcher != nil { o.watcher.ReqStop() }

	err = run_with_timeout("close services", ONIRI_CLOSE_TIMEOUT, o.manager.Close)
	if err != nil { o.log.Write("oniri", LOG_ERROR, "Error during close - %s", err.Error()) }

	o.wg.Wait()
	o.events.ReqStop()
	if o.evt_started.Load() { o.evt_wg.Wait() }
	o.events.UnsubscribeAll()

	o.initialized.Store(false)
	return err
}

// ------------------------------------------------------------------------

// on_update runs in the goroutine of the service that raised the event. It
// must not wait on the service.
func (o *Oniri) on_update(evt *ServiceEvent) {
	var remote string

	o.events.Enqueue(evt.Service.ServiceKey, evt)

	if evt.Service.ServiceKey != o.ControlKey() || evt.Msg.Type != SERVICE_EVENT_CONNECTED { return }
	if o.ctx.Err() != nil { return }

	remote, _ = evt.Msg.Data.(string)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if o.role == ROLE_SERVER {
			o.query_client_services(remote)
		} else {
			o.FetchLatestConfig(o.ctx)
		}
	}()
}

func (o *Oniri) query_client_services(remote string) {
	var e *ServiceEntry
	var srv *RpcServer
	var ok bool
	var ctx context.Context
	var cancel context.CancelFunc
	var res json.RawMessage
	var err error

	e = o.GetControlService()
	if e == nil { return }
	srv, ok = e.Service.(*RpcServer)
	if !ok { return }

	ctx, cancel = context.WithTimeout(o.ctx, o.req_tmout)
	defer cancel()

	res, err = srv.SendRequest(ctx, "getAllServices", nil, remote)
	if err != nil {
		o.log.Write("oniri", LOG_ERROR, "Failed to get services of %s - %s", remote, err.Error())
		return
	}
	o.log.Write("oniri", LOG_DEBUG, "Services of %s - %s", remote, string(res))
}

// FetchLatestConfig asks the control server for this client's topology and
// applies it.
func (o *Oniri) FetchLatestConfig(ctx context.Context) error {
	var e *ServiceEntry
	var cli *RpcClient
	var ok bool
	var cancel context.CancelFunc
	var res json.RawMessage
	var sec ServicesSection
	var err error

	e = o.GetControlService()
	if e == nil { return ErrServiceNotFound }
	cli, ok = e.Service.(*RpcClient)
	if !ok { return fmt.Errorf("control service %s is not an rpc client", e.Key()) }

	ctx, cancel = context.WithTimeout(ctx, o.req_tmout)
	defer cancel()

	res, err = cli.SendRequest(ctx, "getClientConfig", nil)
	if err != nil {
		o.log.Write("oniri", LOG_ERROR, "Failed to get latest config - %s", err.Error())
		return err
	}

	err = json.Unmarshal(res, &sec)
	if err != nil {
		o.log.Write("oniri", LOG_ERROR, "Invalid config received - %s", err.Error())
		return err
	}

	err = o.UpdateAllServices(ctx, &sec)
	o.log.Write("oniri", LOG_INFO, "Latest config applied")
	return err
}

// ------------------------------------------------------------------------

func (o *Oniri) methods() RpcMethodMap {
	var mm RpcMethodMap

	mm = RpcMethodMap{"echo": o.rpc_echo}
	if o.role == ROLE_SERVER {
		mm["statusUpdate"] = o.rpc_status_update
		mm["getClientConfig"] = o.rpc_get_client_config
	} else {
		mm["getAllServices"] = o.rpc_get_all_services
		mm["restartAllServices"] = o.rpc_restart_all_services
		mm["updateConfig"] = o.rpc_update_config
		mm["notifyOfUpdate"] = o.rpc_notify_of_update
	}
	return mm
}

func parse_rpc_params(params json.RawMessage) (*RpcRequestParams, error) {
	var p RpcRequestParams
	var err error

	if len(params) == 0 || string(params) == "null" { return &p, nil }
	err = json.Unmarshal(params, &p)
	if err != nil { return nil, &RpcError{Code: RPC_ERR_INVALID_PARAMS, Message: err.Error()} }
	return &p, nil
}

func (o *Oniri) rpc_echo(params json.RawMessage) (interface{}, error) {
	o.log.Write("oniri", LOG_INFO, "RPC echo called")
	return map[string]interface{}{
		"echo": params,
		"timestamp": time.Now().UnixMilli(),
	}, nil
}

func (o *Oniri) rpc_status_update(params json.RawMessage) (interface{}, error) {
	var p *RpcRequestParams
	var err error

	p, err = parse_rpc_params(params)
	if err != nil { return nil, err }
	o.log.Write("oniri", LOG_INFO, "Status update from %s - %s", p.PublicKey, string(p.Data))
	return true, nil
}

func (o *Oniri) rpc_get_client_config(params json.RawMessage) (interface{}, error) {
	var p *RpcRequestParams
	var sec *ServicesSection
	var err error

	p, err = parse_rpc_params(params)
	if err != nil { return nil, err }

	o.cfg_mtx.Lock()
	sec = o.cfg.Clients[p.PublicKey]
	if sec != nil { sec = sec.Clone() }
	o.cfg_mtx.Unlock()

	if sec == nil {
		o.log.Write("oniri", LOG_WARN, "No config for client %s", p.PublicKey)
		sec = &ServicesSection{}
		sec.normalize()
	}
	return sec, nil
}

func (o *Oniri) rpc_get_all_services(params json.RawMessage) (interface{}, error) {
	return o.GetAllServices(), nil
}

func (o *Oniri) rpc_restart_all_services(params json.RawMessage) (interface{}, error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.manager.RestartAllServices(o.ctx)
	}()
	return true, nil
}

// rpc_update_config applies the section carried in the request data. Without
// data the latest config is fetched instead.
func (o *Oniri) rpc_update_config(params json.RawMessage) (interface{}, error) {
	var p *RpcRequestParams
	var sec ServicesSection
	var err error

	p, err = parse_rpc_params(params)
	if err != nil { return nil, err }
	if len(p.Data) == 0 || string(p.Data) == "null" { return o.rpc_notify_of_update(params) }

	err = json.Unmarshal(p.Data, &sec)
	if err != nil { return nil, &RpcError{Code: RPC_ERR_INVALID_PARAMS, Message: err.Error()} }

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.UpdateAllServices(o.ctx, &sec)
	}()
	return true, nil
}

func (o *Oniri) rpc_notify_of_update(params json.RawMessage) (interface{}, error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.FetchLatestConfig(o.ctx)
	}()
	return true, nil
}
