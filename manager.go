package oniri

import "context"
import "errors"
import "fmt"
import "sort"
import "strings"
import "sync"

const DEFAULT_SERVICE_NAME string = "default"

type ServiceInfo struct {
	Name string `json:"name"`
	ServiceKey string `json:"serviceKey"`
}

// ServiceEntry is a registered service along with the parameters it was
// created with.
type ServiceEntry struct {
	Kind ServiceKind
	Config ServiceConfig
	Service TransportService
}

func (e *ServiceEntry) Key() string {
	return e.Service.Key()
}

type ServiceCloseFailure struct {
	Role string `json:"role"` // server or client
	ServiceKey string `json:"serviceKey"`
	Err error `json:"-"`
}

type CloseError struct {
	Failures []ServiceCloseFailure
}

func (e *CloseError) Error() string {
	var sb strings.Builder
	var f ServiceCloseFailure
	var i int

	sb.WriteString(fmt.Sprintf("failed to close %d service(s)", len(e.Failures)))
	for i, f = range e.Failures {
		if i == 0 { sb.WriteString(" - ") } else { sb.WriteString(", ") }
		sb.WriteString(fmt.Sprintf("%s %s: %s", f.Role, f.ServiceKey, f.Err.Error()))
	}
	return sb.String()
}

func (e *CloseError) Unwrap() []error {
	var errs []error
	var f ServiceCloseFailure

	errs = make([]error, 0, len(e.Failures))
	for _, f = range e.Failures { errs = append(errs, f.Err) }
	return errs
}

type allowed_accessor interface {
	GetAllowed() []string
	SetAllowed(list []string)
}

// ServicesManager keeps the servers and the clients of one instance. The
// same key may be registered both as a server and as a client.
type ServicesManager struct {
	ov Overlay
	store *AllowedStore
	log Logger

	svc_mtx sync.Mutex
	server_map map[string]*ServiceEntry
	client_map map[string]*ServiceEntry
}

func NewServicesManager(ov Overlay, store *AllowedStore, log Logger) *ServicesManager {
	if store == nil { store = NewAllowedStore() }
	return &ServicesManager{
		ov: ov,
		store: store,
		log: logger_or_nop(log),
		server_map: make(map[string]*ServiceEntry),
		client_map: make(map[string]*ServiceEntry),
	}
}

func (m *ServicesManager) AllowedStore() *AllowedStore {
	return m.store
}

func (m *ServicesManager) create(ctx context.Context, kind ServiceKind, cfg *ServiceConfig) (ServiceInfo, error) {
	var c ServiceConfig
	var id *ServiceIdentity
	var svc TransportService
	var info ServiceInfo
	var err error

	if cfg == nil || cfg.Seed == "" {
		m.log.Write("manager", LOG_ERROR, "Seed is required")
		return info, ErrSeedRequired
	}

	c = *cfg
	if c.Name == "" { c.Name = DEFAULT_SERVICE_NAME }
	if (kind == SERVICE_KIND_TCP_CLIENT || kind == SERVICE_KIND_UDP_CLIENT) && c.PeerToConnect == "" {
		m.log.Write("manager", LOG_ERROR, "peerToConnect is required")
		return info, ErrPeerToConnectRequired
	}
	if kind == SERVICE_KIND_UDP_CLIENT && c.ProxyPort <= 0 { c.ProxyPort = UDP_CLIENT_DEFAULT_PROXY_PORT }

	id, err = DeriveIdentity(c.Seed)
	if err != nil { return info, err }

	// the udp server only filters when given a list of its own
	if kind.IsServer() && (kind != SERVICE_KIND_UDP_SERVER || c.Allowed != nil) {
		m.store.CreateServiceStore(id.Key(), c.Allowed)
	}

	c.Overlay = m.ov
	c.Store = m.store
	if c.Log == nil { c.Log = m.log }

	svc, err = new_transport_service(kind, id, &c)
	if err != nil { return info, err }

	info.Name = c.Name
	info.ServiceKey = id.Key()
	err = m.register(ctx, kind, &c, svc)
	return info, err
}

// register adds svc replacing an entry of the same role and key, and starts
// it unless auto-start is turned off.
func (m *ServicesManager) register(ctx context.Context, kind ServiceKind, cfg *ServiceConfig, svc TransportService) error {
	var entry *ServiceEntry
	var old *ServiceEntry
	var err error

	entry = &ServiceEntry{Kind: kind, Config: *cfg, Service: svc}

	m.svc_mtx.Lock()
	if kind.IsServer() {
		old = m.server_map[svc.Key()]
		m.server_map[svc.Key()] = entry
	} else {
		old = m.client_map[svc.Key()]
		m.client_map[svc.Key()] = entry
	}
	m.svc_mtx.Unlock()

	if old != nil && old.Service != svc {
		m.log.Write("manager", LOG_WARN, "Replacing %s %s", old.Kind.String(), old.Config.Name)
		old.Service.Stop()
	}

	if cfg.AutoStart == nil || *cfg.AutoStart {
		err = svc.Init(ctx)
		if err != nil {
			m.log.Write("manager", LOG_ERROR, "Failed to start %s %s - %s", kind.String(), cfg.Name, err.Error())
		}
	}
	return err
}

func (m *ServicesManager) CreateClient(ctx context.Context, cfg *ServiceConfig) (ServiceInfo, error) {
	return m.create(ctx, SERVICE_KIND_TCP_CLIENT, cfg)
}

func (m *ServicesManager) CreateServer(ctx context.Context, cfg *ServiceConfig) (ServiceInfo, error) {
	return m.create(ctx, SERVICE_KIND_TCP_SERVER, cfg)
}

func (m *ServicesManager) CreateClientRpc(ctx context.Context, cfg *ServiceConfig) (ServiceInfo, error) {
	return m.create(ctx, SERVICE_KIND_RPC_CLIENT, cfg)
}

func (m *ServicesManager) CreateServerRpc(ctx context.Context, cfg *ServiceConfig) (ServiceInfo, error) {
	return m.create(ctx, SERVICE_KIND_RPC_SERVER, cfg)
}

func (m *ServicesManager) CreateClientUdp(ctx context.Context, cfg *ServiceConfig) (ServiceInfo, error) {
	return m.create(ctx, SERVICE_KIND_UDP_CLIENT, cfg)
}

func (m *ServicesManager) CreateServerUdp(ctx context.Context, cfg *ServiceConfig) (ServiceInfo, error) {
	return m.create(ctx, SERVICE_KIND_UDP_SERVER, cfg)
}

func (m *ServicesManager) GetServer(key string) *ServiceEntry {
	m.svc_mtx.Lock()
	defer m.svc_mtx.Unlock()
	return m.server_map[key]
}

func (m *ServicesManager) GetClient(key string) *ServiceEntry {
	m.svc_mtx.Lock()
	defer m.svc_mtx.Unlock()
	return m.client_map[key]
}

func (m *ServicesManager) HasServer(key string) bool {
	return m.GetServer(key) != nil
}

func (m *ServicesManager) HasClient(key string) bool {
	return m.GetClient(key) != nil
}

func sorted_entries(em map[string]*ServiceEntry) []*ServiceEntry {
	var list []*ServiceEntry
	var e *ServiceEntry

	list = make([]*ServiceEntry, 0, len(em))
	for _, e = range em { list = append(list, e) }
	sort.Slice(list, func(i int, j int) bool { return list[i].Config.Name < list[j].Config.Name })
	return list
}

// GetServers returns the server entries ordered by name.
func (m *ServicesManager) GetServers() []*ServiceEntry {
	m.svc_mtx.Lock()
	defer m.svc_mtx.Unlock()
	return sorted_entries(m.server_map)
}

// GetClients returns the client entries ordered by name.
func (m *ServicesManager) GetClients() []*ServiceEntry {
	m.svc_mtx.Lock()
	defer m.svc_mtx.Unlock()
	return sorted_entries(m.client_map)
}

func (m *ServicesManager) SetServerAllowedList(key string, list []string) bool {
	var e *ServiceEntry
	var acc allowed_accessor
	var ok bool

	e = m.GetServer(key)
	if e == nil { return false }
	acc, ok = e.Service.(allowed_accessor)
	if !ok {
		m.store.SetAllowedList(key, list)
		return true
	}
	acc.SetAllowed(list)
	return true
}

func (m *ServicesManager) GetServerAllowedList(key string) ([]string, bool) {
	var e *ServiceEntry
	var acc allowed_accessor
	var ok bool

	e = m.GetServer(key)
	if e == nil { return nil, false }
	acc, ok = e.Service.(allowed_accessor)
	if !ok { return m.store.GetAllowedList(key), true }
	return acc.GetAllowed(), true
}

func (m *ServicesManager) lookup(is_server bool, key string) (*ServiceEntry, error) {
	var e *ServiceEntry
	var role string

	if is_server {
		e = m.GetServer(key)
		role = "server"
	} else {
		e = m.GetClient(key)
		role = "client"
	}
	if e == nil {
		m.log.Write("manager", LOG_ERROR, "%s not found: %s", role, key)
		return nil, fmt.Errorf("%w - %s %s", ErrServiceNotFound, role, key)
	}
	return e, nil
}

func (m *ServicesManager) start_by_id(ctx context.Context, is_server bool, key string) error {
	var e *ServiceEntry
	var err error

	e, err = m.lookup(is_server, key)
	if err != nil { return err }
	m.log.Write("manager", LOG_INFO, "Starting %s: %s", e.Kind.String(), e.Config.Name)
	return e.Service.Init(ctx)
}

func (m *ServicesManager) stop_by_id(is_server bool, key string) error {
	var e *ServiceEntry
	var err error

	e, err = m.lookup(is_server, key)
	if err != nil { return err }
	m.log.Write("manager", LOG_INFO, "Stopping %s: %s", e.Kind.String(), e.Config.Name)
	return stop_service(e.Service)
}

// stop_service turns the outcome of Stop into an error, bounding its time.
func stop_service(svc TransportService) error {
	return run_with_timeout("stop " + svc.Name(), SERVICE_CLOSE_TIMEOUT, func() error {
		if !svc.Stop() { return fmt.Errorf("failed to stop %s", svc.Name()) }
		return nil
	})
}

func (m *ServicesManager) StartServerById(ctx context.Context, key string) error {
	return m.start_by_id(ctx, true, key)
}

func (m *ServicesManager) StartClientById(ctx context.Context, key string) error {
	return m.start_by_id(ctx, false, key)
}

func (m *ServicesManager) StopServerById(key string) error {
	return m.stop_by_id(true, key)
}

func (m *ServicesManager) StopClientById(key string) error {
	return m.stop_by_id(false, key)
}

func (m *ServicesManager) RestartServerById(ctx context.Context, key string) error {
	var err error
	err = m.StopServerById(key)
	if err != nil { return err }
	return m.StartServerById(ctx, key)
}

func (m *ServicesManager) RestartClientById(ctx context.Context, key string) error {
	var err error
	err = m.StopClientById(key)
	if err != nil { return err }
	return m.StartClientById(ctx, key)
}

func (m *ServicesManager) remove_by_id(is_server bool, key string) error {
	var err error

	err = m.stop_by_id(is_server, key)
	if errors.Is(err, ErrServiceNotFound) { return err }

	m.svc_mtx.Lock()
	if is_server {
		delete(m.server_map, key)
	} else {
		delete(m.client_map, key)
	}
	m.svc_mtx.Unlock()

	if is_server { m.store.ClearAllowedList(key) }
	return err
}

// RemoveServerById stops and unregisters a server along with its allowed
// list. The entry is removed even if stopping fails.
func (m *ServicesManager) RemoveServerById(key string) error {
	return m.remove_by_id(true, key)
}

func (m *ServicesManager) RemoveClientById(key string) error {
	return m.remove_by_id(false, key)
}

// RestartAllServices restarts every service concurrently and returns the
// first failure once all restarts have finished.
func (m *ServicesManager) RestartAllServices(ctx context.Context) error {
	var servers []*ServiceEntry
	var clients []*ServiceEntry
	var e *ServiceEntry
	var wg sync.WaitGroup
	var err_mtx sync.Mutex
	var first_err error
	var record func(err error)

	servers = m.GetServers()
	clients = m.GetClients()

	record = func(err error) {
		if err == nil { return }
		err_mtx.Lock()
		if first_err == nil { first_err = err }
		err_mtx.Unlock()
	}

	for _, e = range clients {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			record(m.RestartClientById(ctx, key))
		}(e.Key())
	}
	for _, e = range servers {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			record(m.RestartServerById(ctx, key))
		}(e.Key())
	}
	wg.Wait()

	if first_err != nil {
		m.log.Write("manager", LOG_ERROR, "Error restarting services - %s", first_err.Error())
	} else {
		m.log.Write("manager", LOG_INFO, "All services restarted successfully")
	}
	return first_err
}

// Close stops all services in parallel and always empties the registry.
func (m *ServicesManager) Close() error {
	var servers map[string]*ServiceEntry
	var clients map[string]*ServiceEntry
	var wg sync.WaitGroup
	var fail_mtx sync.Mutex
	var failures []ServiceCloseFailure
	var stop func(role string, e *ServiceEntry)
	var e *ServiceEntry

	m.log.Write("manager", LOG_INFO, "Closing all services")

	m.svc_mtx.Lock()
	servers = m.server_map
	clients = m.client_map
	m.server_map = make(map[string]*ServiceEntry)
	m.client_map = make(map[string]*ServiceEntry)
	m.svc_mtx.Unlock()

	stop = func(role string, e *ServiceEntry) {
		var err error

		defer wg.Done()
		err = stop_service(e.Service)
		if err != nil {
			m.log.Write("manager", LOG_ERROR, "Failed to stop %s %s - %s", role, e.Key(), err.Error())
			fail_mtx.Lock()
			failures = append(failures, ServiceCloseFailure{Role: role, ServiceKey: e.Key(), Err: err})
			fail_mtx.Unlock()
		}
	}

	for _, e = range servers {
		m.store.ClearAllowedList(e.Key())
		wg.Add(1)
		go stop("server", e)
	}
	for _, e = range clients {
		wg.Add(1)
		go stop("client", e)
	}
	wg.Wait()

	if len(failures) > 0 {
		m.log.Write("manager", LOG_WARN, "Closed with %d errors", len(failures))
		return &CloseError{Failures: failures}
	}

	m.log.Write("manager", LOG_INFO, "All services closed successfully")
	return nil
}

// ServiceCounts returns the number of registered and started services.
func (m *ServicesManager) ServiceCounts() (int, int, int, int) {
	var servers int
	var clients int
	var servers_up int
	var clients_up int
	var e *ServiceEntry

	m.svc_mtx.Lock()
	defer m.svc_mtx.Unlock()

	servers = len(m.server_map)
	clients = len(m.client_map)
	for _, e = range m.server_map {
		if e.Service.IsStarted() { servers_up++ }
	}
	for _, e = range m.client_map {
		if e.Service.IsStarted() { clients_up++ }
	}
	return servers, clients, servers_up, clients_up
}
