package oniri

import "context"
import "crypto/tls"
import "encoding/json"
import "errors"
import "fmt"
import "net"
import "net/http"
import "runtime"
import "sync"
import "sync/atomic"
import "time"

import "github.com/prometheus/client_golang/prometheus"
import "github.com/prometheus/client_golang/prometheus/promhttp"

const CTL_ID string = "ctl"
const CTL_SHUTDOWN_TIMEOUT time.Duration = 5 * time.Second

type CtlConfig struct {
	Addrs []string
	Tls *tls.Config
	Prefix string
	JwtSecret string // bearer auth is off when empty
}

type json_out_ctl_stats struct {
	CPUs int `json:"cpus"`
	Goroutines int `json:"goroutines"`

	NumGCs uint32 `json:"num-gcs"`
	HeapAllocBytes uint64 `json:"memory-alloc-bytes"`
	MemAllocs uint64 `json:"memory-num-allocs"`
	MemFrees uint64 `json:"memory-num-frees"`

	Servers int `json:"servers"`
	Clients int `json:"clients"`
	ServersStarted int `json:"servers-started"`
	ClientsStarted int `json:"clients-started"`
	EventsDropped uint64 `json:"events-dropped"`

	RelayConns int `json:"relay-conns,omitempty"`
	RelayStreams int `json:"relay-streams,omitempty"`
}

type json_errmsg struct {
	Text string `json:"error-text"`
}

type ctl_handler interface {
	GetId() string
	ServeHTTP(w http.ResponseWriter, req *http.Request) (int, error)
}

// CtlServer exposes the control endpoints of an Oniri instance and,
// optionally, of a relay running in the same process.
type CtlServer struct {
	Ctx context.Context
	CtxCancel context.CancelFunc
	Cfg *CtlConfig

	o *Oniri
	relay *RelayServer
	log Logger
	name string

	mux *http.ServeMux
	hs []*http.Server
	ls []net.Listener
	registry *prometheus.Registry

	wg sync.WaitGroup
	stop_req atomic.Bool
}

type ctl_base struct {
	c *CtlServer
	id string
}

type ctl_services struct { ctl_base }
type ctl_services_id struct { ctl_base }
type ctl_services_id_allowed struct { ctl_base }
type ctl_stats struct { ctl_base }
type ctl_metrics struct {
	ctl_base
	h http.Handler
}

func (ctl *ctl_base) GetId() string {
	return ctl.id
}

func WriteJsonRespHeader(w http.ResponseWriter, status_code int) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status_code)
	return status_code
}

func WriteEmptyRespHeader(w http.ResponseWriter, status_code int) int {
	w.WriteHeader(status_code)
	return status_code
}

func write_json_error(w http.ResponseWriter, status_code int, err error) int {
	status_code = WriteJsonRespHeader(w, status_code)
	json.NewEncoder(w).Encode(json_errmsg{Text: err.Error()})
	return status_code
}

// ------------------------------------

func NewCtlServer(name string, o *Oniri, relay *RelayServer, logger Logger, cfg *CtlConfig) (*CtlServer, error) {
	var c CtlServer
	var addr string
	var l net.Listener
	var err error

	if len(cfg.Addrs) <= 0 { return nil, fmt.Errorf("no control addresses provided") }

	c.Ctx, c.CtxCancel = context.WithCancel(context.Background())
	c.Cfg = cfg
	c.o = o
	c.relay = relay
	c.log = logger_or_nop(logger)
	c.name = name

	c.registry = prometheus.NewRegistry()
	if o != nil { c.registry.MustRegister(NewManagerCollector(name, o.Manager())) }
	if relay != nil { c.registry.MustRegister(NewRelayCollector(relay)) }

	c.mux = http.NewServeMux()
	c.mux.Handle(cfg.Prefix + "/_ctl/services",
		c.wrap_http_handler(&ctl_services{ctl_base{c: &c, id: CTL_ID}}))
	c.mux.Handle(cfg.Prefix + "/_ctl/services/{side}/{key}",
		c.wrap_http_handler(&ctl_services_id{ctl_base{c: &c, id: CTL_ID}}))
	c.mux.Handle(cfg.Prefix + "/_ctl/services/{side}/{key}/allowed",
		c.wrap_http_handler(&ctl_services_id_allowed{ctl_base{c: &c, id: CTL_ID}}))
	c.mux.Handle(cfg.Prefix + "/_ctl/stats",
		c.wrap_http_handler(&ctl_stats{ctl_base{c: &c, id: CTL_ID}}))
	c.mux.Handle(cfg.Prefix + "/_ctl/metrics",
		c.wrap_http_handler(&ctl_metrics{ctl_base: ctl_base{c: &c, id: CTL_ID}, h: promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})}))
	c.mux.Handle(cfg.Prefix + "/_ctl/events",
		c.wrap_http_handler(new_ctl_events(&c)))

	for _, addr = range cfg.Addrs {
		l, err = net.Listen(tcp_addr_str_class(addr), addr)
		if err != nil { goto oops }
		if cfg.Tls != nil { l = tls.NewListener(l, cfg.Tls) }
		c.ls = append(c.ls, l)
		c.hs = append(c.hs, &http.Server{
			Handler: c.mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context { return c.Ctx },
		})
	}
	return &c, nil

oops:
	for _, l = range c.ls { l.Close() }
	c.CtxCancel()
	return nil, err
}

func (c *CtlServer) Addrs() []net.Addr {
	var l net.Listener
	var out []net.Addr
	for _, l = range c.ls { out = append(out, l.Addr()) }
	return out
}

func (c *CtlServer) wrap_http_handler(handler ctl_handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var status_code int
		var start_time time.Time
		var time_taken time.Duration
		var err error

		defer func() {
			var r interface{}
			r = recover()
			if r != nil {
				c.log.Write(handler.GetId(), LOG_ERROR, "[%s] %s %s - panic %v", req.RemoteAddr, req.Method, req.URL.String(), r)
				WriteEmptyRespHeader(w, http.StatusInternalServerError)
			}
		}()

		start_time = time.Now()

		if c.Cfg.JwtSecret != "" {
			_, err = VerifyCtlToken(c.Cfg.JwtSecret, ctl_bearer_token(req))
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				status_code = write_json_error(w, http.StatusUnauthorized, ErrCtlUnauthorized)
				c.log.Write(handler.GetId(), LOG_INFO, "[%s] %s %s %d - %s", req.RemoteAddr, req.Method, req.URL.String(), status_code, err.Error())
				return
			}
		}

		status_code, err = handler.ServeHTTP(w, req)
		time_taken = time.Since(start_time)

		if err != nil {
			c.log.Write(handler.GetId(), LOG_INFO, "[%s] %s %s %d %.9f - %s", req.RemoteAddr, req.Method, req.URL.String(), status_code, time_taken.Seconds(), err.Error())
		} else {
			c.log.Write(handler.GetId(), LOG_DEBUG, "[%s] %s %s %d %.9f", req.RemoteAddr, req.Method, req.URL.String(), status_code, time_taken.Seconds())
		}
	})
}

func (c *CtlServer) run_http_server(idx int, wg *sync.WaitGroup) {
	var err error

	defer wg.Done()

	c.log.Write(CTL_ID, LOG_INFO, "Control channel[%d] started on %s", idx, c.ls[idx].Addr().String())
	err = c.hs[idx].Serve(c.ls[idx])
	if errors.Is(err, http.ErrServerClosed) {
		c.log.Write(CTL_ID, LOG_INFO, "Control channel[%d] ended", idx)
	} else if err != nil {
		c.log.Write(CTL_ID, LOG_ERROR, "Control channel[%d] error - %s", idx, err.Error())
	}
}

func (c *CtlServer) RunTask(wg *sync.WaitGroup) {
	var idx int
	var hwg sync.WaitGroup

	defer wg.Done()

	for idx = range c.hs {
		hwg.Add(1)
		go c.run_http_server(idx, &hwg)
	}
	hwg.Wait()
}

func (c *CtlServer) ReqStop() {
	if c.stop_req.CompareAndSwap(false, true) {
		var hs *http.Server
		var ctx context.Context
		var cancel context.CancelFunc

		// event streams hang on the base context
		c.CtxCancel()
		ctx, cancel = context.WithTimeout(context.Background(), CTL_SHUTDOWN_TIMEOUT)
		for _, hs = range c.hs { hs.Shutdown(ctx) }
		cancel()
	}
}

func (c *CtlServer) StartService(data interface{}) {
	c.wg.Add(1)
	go c.RunTask(&c.wg)
}

func (c *CtlServer) StopServices() {
	c.ReqStop()
}

func (c *CtlServer) WaitForTermination() {
	c.wg.Wait()
}

func (c *CtlServer) WriteLog(id string, level LogLevel, fmtstr string, args ...interface{}) {
	c.log.Write(id, level, fmtstr, args...)
}

// ------------------------------------

func (ctl *ctl_services) ServeHTTP(w http.ResponseWriter, req *http.Request) (int, error) {
	var status_code int
	var err error

	if ctl.c.o == nil { return WriteEmptyRespHeader(w, http.StatusNotFound), nil }

	switch req.Method {
		case http.MethodGet:
			status_code = WriteJsonRespHeader(w, http.StatusOK)
			err = json.NewEncoder(w).Encode(ctl.c.o.GetAllServices())
			if err != nil { goto oops }

		case http.MethodPost:
			// restart everything
			err = ctl.c.o.Manager().RestartAllServices(req.Context())
			if err != nil {
				status_code = write_json_error(w, http.StatusInternalServerError, err)
				goto oops
			}
			status_code = WriteEmptyRespHeader(w, http.StatusNoContent)

		default:
			status_code = WriteEmptyRespHeader(w, http.StatusBadRequest)
	}
	return status_code, nil

oops:
	return status_code, err
}

func ctl_service_status_code(err error) int {
	if errors.Is(err, ErrServiceNotFound) { return http.StatusNotFound }
	return http.StatusInternalServerError
}

// ctl_services_id starts a service with POST and stops it with DELETE.
// side is either local or remote.
func (ctl *ctl_services_id) ServeHTTP(w http.ResponseWriter, req *http.Request) (int, error) {
	var o *Oniri
	var side string
	var key string
	var status_code int
	var err error

	o = ctl.c.o
	if o == nil { return WriteEmptyRespHeader(w, http.StatusNotFound), nil }

	side = req.PathValue("side")
	key = req.PathValue("key")
	if side != "local" && side != "remote" {
		return write_json_error(w, http.StatusBadRequest, fmt.Errorf("invalid service side %s", side)), nil
	}

	switch req.Method {
		case http.MethodPost:
			if side == "local" {
				err = o.StartLocalServiceById(req.Context(), key)
			} else {
				err = o.StartRemoteServiceById(req.Context(), key)
			}

		case http.MethodDelete:
			if side == "local" {
				err = o.StopLocalServiceById(key)
			} else {
				err = o.StopRemoteServiceById(key)
			}

		default:
			return WriteEmptyRespHeader(w, http.StatusBadRequest), nil
	}

	if err != nil {
		status_code = write_json_error(w, ctl_service_status_code(err), err)
		return status_code, err
	}
	return WriteEmptyRespHeader(w, http.StatusNoContent), nil
}

func (ctl *ctl_services_id_allowed) ServeHTTP(w http.ResponseWriter, req *http.Request) (int, error) {
	var o *Oniri
	var key string
	var list []string
	var ok bool
	var err error

	o = ctl.c.o
	if o == nil || req.PathValue("side") != "local" { return WriteEmptyRespHeader(w, http.StatusNotFound), nil }
	key = req.PathValue("key")

	switch req.Method {
		case http.MethodGet:
			list, ok = o.GetAllowedList(key)
			if !ok { return WriteEmptyRespHeader(w, http.StatusNotFound), nil }
			WriteJsonRespHeader(w, http.StatusOK)
			err = json.NewEncoder(w).Encode(list)
			return http.StatusOK, err

		case http.MethodPut:
			err = json.NewDecoder(req.Body).Decode(&list)
			if err != nil { return write_json_error(w, http.StatusBadRequest, err), err }
			if !o.SetAllowedList(key, list) { return WriteEmptyRespHeader(w, http.StatusNotFound), nil }
			return WriteEmptyRespHeader(w, http.StatusNoContent), nil

		default:
			return WriteEmptyRespHeader(w, http.StatusBadRequest), nil
	}
}

func (ctl *ctl_stats) ServeHTTP(w http.ResponseWriter, req *http.Request) (int, error) {
	var c *CtlServer
	var status_code int
	var err error

	c = ctl.c

	switch req.Method {
		case http.MethodGet:
			var stats json_out_ctl_stats
			var mstat runtime.MemStats

			runtime.ReadMemStats(&mstat)
			stats.CPUs = runtime.NumCPU()
			stats.Goroutines = runtime.NumGoroutine()
			stats.NumGCs = mstat.NumGC
			stats.HeapAllocBytes = mstat.HeapAlloc
			stats.MemAllocs = mstat.Mallocs
			stats.MemFrees = mstat.Frees
			if c.o != nil {
				stats.Servers, stats.Clients, stats.ServersStarted, stats.ClientsStarted = c.o.Manager().ServiceCounts()
				stats.EventsDropped = c.o.Events().Dropped()
			}
			if c.relay != nil {
				stats.RelayConns = c.relay.ConnCount()
				stats.RelayStreams = c.relay.StreamCount()
			}
			status_code = WriteJsonRespHeader(w, http.StatusOK)
			if err = json.NewEncoder(w).Encode(stats); err != nil { goto oops }

		default:
			status_code = WriteEmptyRespHeader(w, http.StatusBadRequest)
	}
	return status_code, nil

oops:
	return status_code, err
}

func (ctl *ctl_metrics) ServeHTTP(w http.ResponseWriter, req *http.Request) (int, error) {
	if req.Method != http.MethodGet { return WriteEmptyRespHeader(w, http.StatusBadRequest), nil }
	ctl.h.ServeHTTP(w, req)
	return http.StatusOK, nil
}
