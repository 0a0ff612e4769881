package oniri

import "context"
import "errors"
import "strings"
import "sync/atomic"
import "testing"

type fake_service struct {
	key string
	name string
	kind ServiceKind
	started atomic.Bool
	inits atomic.Int32
	stops atomic.Int32
	fail_stop bool
	fail_init error
}

func (f *fake_service) Init(ctx context.Context) error {
	f.inits.Add(1)
	if f.fail_init != nil { return f.fail_init }
	f.started.Store(true)
	return nil
}

func (f *fake_service) Stop() bool {
	f.stops.Add(1)
	f.started.Store(false)
	return !f.fail_stop
}

func (f *fake_service) GetMetrics() ServiceMetrics { return ServiceMetrics{} }
func (f *fake_service) Key() string { return f.key }
func (f *fake_service) Name() string { return f.name }
func (f *fake_service) Kind() ServiceKind { return f.kind }
func (f *fake_service) IsStarted() bool { return f.started.Load() }

func new_test_seed(t *testing.T) string {
	var seed string
	var err error

	seed, err = GenerateSeed()
	if err != nil { t.Fatalf("unable to generate seed - %s", err.Error()) }
	return seed
}

func TestManagerCreateValidation(t *testing.T) {
	var m *ServicesManager
	var err error

	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	defer m.Close()

	_, err = m.CreateServer(context.Background(), &ServiceConfig{Name: "x"})
	if !errors.Is(err, ErrSeedRequired) { t.Errorf("expected ErrSeedRequired, got %v", err) }

	_, err = m.CreateClient(context.Background(), &ServiceConfig{Seed: new_test_seed(t)})
	if !errors.Is(err, ErrPeerToConnectRequired) { t.Errorf("expected ErrPeerToConnectRequired, got %v", err) }

	_, err = m.CreateClientUdp(context.Background(), &ServiceConfig{Seed: new_test_seed(t)})
	if !errors.Is(err, ErrPeerToConnectRequired) { t.Errorf("expected ErrPeerToConnectRequired, got %v", err) }

	_, err = m.CreateServer(context.Background(), &ServiceConfig{Seed: "zz"})
	if err == nil { t.Errorf("invalid seed accepted") }
}

func TestManagerCreateDefaults(t *testing.T) {
	var m *ServicesManager
	var off bool
	var info ServiceInfo
	var entry *ServiceEntry
	var list []string
	var srv_key string
	var ok bool
	var err error

	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	defer m.Close()

	off = false
	info, err = m.CreateServer(context.Background(), &ServiceConfig{Seed: new_test_seed(t), AutoStart: &off, Allowed: []string{"k1"}})
	if err != nil { t.Fatalf("failed to create server - %s", err.Error()) }
	if info.Name != DEFAULT_SERVICE_NAME { t.Errorf("wrong default name %s", info.Name) }
	if len(info.ServiceKey) != 64 { t.Errorf("wrong service key %s", info.ServiceKey) }

	entry = m.GetServer(info.ServiceKey)
	if entry == nil { t.Fatalf("server not registered") }
	if entry.Service.IsStarted() { t.Errorf("server started despite auto-start off") }
	if m.HasClient(info.ServiceKey) { t.Errorf("server registered as client") }

	list, ok = m.GetServerAllowedList(info.ServiceKey)
	if !ok || len(list) != 1 || list[0] != "k1" { t.Errorf("wrong allowed list %v", list) }

	if !m.SetServerAllowedList(info.ServiceKey, []string{"k2", "k3"}) { t.Fatalf("failed to set allowed list") }
	if !m.AllowedStore().IsAllowed(info.ServiceKey, "k3") { t.Errorf("allowed list not applied to the store") }
	if m.SetServerAllowedList("unknown", nil) { t.Errorf("allowed list set on unknown server") }
	srv_key = info.ServiceKey

	info, err = m.CreateClientUdp(context.Background(), &ServiceConfig{Seed: new_test_seed(t), PeerToConnect: info.ServiceKey, AutoStart: &off})
	if err != nil { t.Fatalf("failed to create udp client - %s", err.Error()) }
	if m.GetClient(info.ServiceKey).Service.(*UdpClient).cfg.ProxyPort != UDP_CLIENT_DEFAULT_PROXY_PORT {
		t.Errorf("udp client proxy port not defaulted")
	}

	info, err = m.CreateServerUdp(context.Background(), &ServiceConfig{Seed: new_test_seed(t), AutoStart: &off})
	if err != nil { t.Fatalf("failed to create udp server - %s", err.Error()) }
	if m.AllowedStore().HasServiceStore(info.ServiceKey) { t.Errorf("udp server without a list got a store entry") }

	err = m.RemoveServerById(srv_key)
	if err != nil { t.Fatalf("failed to remove server - %s", err.Error()) }
	if len(m.AllowedStore().GetAllowedList(srv_key)) != 0 { t.Errorf("allowed list kept after removal") }
	if m.AllowedStore().IsAllowed(srv_key, "k3") { t.Errorf("removed server still admits a peer") }
}

func TestManagerLifecycleById(t *testing.T) {
	var m *ServicesManager
	var f *fake_service
	var err error

	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	f = &fake_service{key: "s1", name: "one", kind: SERVICE_KIND_TCP_SERVER}
	err = m.register(context.Background(), f.kind, &ServiceConfig{Name: f.name}, f)
	if err != nil { t.Fatalf("failed to register - %s", err.Error()) }
	if !f.IsStarted() { t.Fatalf("service not auto-started") }

	err = m.StopServerById("s1")
	if err != nil || f.IsStarted() { t.Errorf("failed to stop - %v", err) }
	err = m.StartServerById(context.Background(), "s1")
	if err != nil || !f.IsStarted() { t.Errorf("failed to start - %v", err) }
	err = m.RestartServerById(context.Background(), "s1")
	if err != nil || f.inits.Load() != 3 { t.Errorf("failed to restart - %v, inits %d", err, f.inits.Load()) }

	err = m.StartClientById(context.Background(), "s1")
	if !errors.Is(err, ErrServiceNotFound) { t.Errorf("expected ErrServiceNotFound, got %v", err) }
	err = m.RemoveClientById("s1")
	if !errors.Is(err, ErrServiceNotFound) { t.Errorf("expected ErrServiceNotFound, got %v", err) }

	err = m.RemoveServerById("s1")
	if err != nil { t.Errorf("failed to remove - %s", err.Error()) }
	if m.HasServer("s1") { t.Errorf("server still registered after removal") }
	if f.IsStarted() { t.Errorf("removed server still started") }
}

func TestManagerReplaceStopsOldEntry(t *testing.T) {
	var m *ServicesManager
	var f1 *fake_service
	var f2 *fake_service

	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	f1 = &fake_service{key: "k", name: "a", kind: SERVICE_KIND_TCP_CLIENT}
	f2 = &fake_service{key: "k", name: "b", kind: SERVICE_KIND_TCP_CLIENT}
	m.register(context.Background(), f1.kind, &ServiceConfig{Name: f1.name}, f1)
	m.register(context.Background(), f2.kind, &ServiceConfig{Name: f2.name}, f2)

	if f1.IsStarted() { t.Errorf("replaced service still started") }
	if m.GetClient("k").Service != f2 { t.Errorf("entry not replaced") }
	if len(m.GetClients()) != 1 { t.Errorf("wrong client count %d", len(m.GetClients())) }
}

func TestManagerRestartAllReportsFirstError(t *testing.T) {
	var m *ServicesManager
	var ok_svc *fake_service
	var bad_svc *fake_service
	var boom error
	var off bool
	var err error

	boom = errors.New("boom")
	off = false
	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	ok_svc = &fake_service{key: "a", name: "a", kind: SERVICE_KIND_TCP_SERVER}
	bad_svc = &fake_service{key: "b", name: "b", kind: SERVICE_KIND_TCP_CLIENT, fail_init: boom}
	m.register(context.Background(), ok_svc.kind, &ServiceConfig{Name: "a"}, ok_svc)
	m.register(context.Background(), bad_svc.kind, &ServiceConfig{Name: "b", AutoStart: &off}, bad_svc)

	err = m.RestartAllServices(context.Background())
	if !errors.Is(err, boom) { t.Errorf("expected boom, got %v", err) }
	if ok_svc.inits.Load() != 2 { t.Errorf("healthy service not restarted") }
}

func TestManagerCloseAggregatesFailures(t *testing.T) {
	var m *ServicesManager
	var good *fake_service
	var bad *fake_service
	var client *fake_service
	var ce *CloseError
	var err error

	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	good = &fake_service{key: "g", name: "good", kind: SERVICE_KIND_TCP_SERVER}
	bad = &fake_service{key: "b", name: "bad", kind: SERVICE_KIND_UDP_SERVER, fail_stop: true}
	client = &fake_service{key: "g", name: "client", kind: SERVICE_KIND_TCP_CLIENT}
	m.register(context.Background(), good.kind, &ServiceConfig{Name: good.name}, good)
	m.register(context.Background(), bad.kind, &ServiceConfig{Name: bad.name}, bad)
	m.register(context.Background(), client.kind, &ServiceConfig{Name: client.name}, client)

	err = m.Close()
	if err == nil { t.Fatalf("close succeeded despite a failing service") }
	if !errors.As(err, &ce) { t.Fatalf("expected CloseError, got %T", err) }
	if len(ce.Failures) != 1 || ce.Failures[0].ServiceKey != "b" || ce.Failures[0].Role != "server" {
		t.Errorf("wrong failures %+v", ce.Failures)
	}
	if !strings.HasPrefix(err.Error(), "failed to close 1 service(s)") { t.Errorf("wrong message %s", err.Error()) }

	if len(m.GetServers()) != 0 || len(m.GetClients()) != 0 { t.Errorf("registry not cleared") }
	if good.stops.Load() != 1 || client.stops.Load() != 1 { t.Errorf("not every service stopped") }

	err = m.Close()
	if err != nil { t.Errorf("second close failed - %s", err.Error()) }
}

func TestManagerTunnel(t *testing.T) {
	var m *ServicesManager
	var es *echo_server
	var srv ServiceInfo
	var cli ServiceInfo
	var cli_seed string
	var cli_id *ServiceIdentity
	var port int
	var err error

	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	defer m.Close()

	es = start_echo_server(t)
	cli_seed = new_test_seed(t)
	cli_id, _ = DeriveIdentity(cli_seed)

	srv, err = m.CreateServer(context.Background(), &ServiceConfig{
		Name: "srv", Seed: new_test_seed(t), TargetPort: es.port(), Allowed: []string{cli_id.Key()},
	})
	if err != nil { t.Fatalf("failed to create server - %s", err.Error()) }

	port, err = get_random_port("127.0.0.1")
	if err != nil { t.Fatalf("no free port - %s", err.Error()) }
	cli, err = m.CreateClient(context.Background(), &ServiceConfig{
		Name: "cli", Seed: cli_seed, PeerToConnect: srv.ServiceKey, ProxyPort: port,
	})
	if err != nil { t.Fatalf("failed to create client - %s", err.Error()) }
	if cli.ServiceKey != cli_id.Key() { t.Errorf("client key mismatch") }

	round_trip(t, m.GetClient(cli.ServiceKey).Service.(*TcpClient).ProxyAddr(), "ping")
}
