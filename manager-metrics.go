package oniri

import "runtime"
import "unicode"
import "github.com/prometheus/client_golang/prometheus"
import "golang.org/x/text/runes"
import "golang.org/x/text/transform"

type ManagerCollector struct {
	manager             *ServicesManager
	BuildInfo           *prometheus.Desc
	Services            *prometheus.Desc
	ServicesStarted     *prometheus.Desc
	ActiveConnections   *prometheus.Desc
	TotalConnections    *prometheus.Desc
	FailedConnections   *prometheus.Desc
	RejectedConnections *prometheus.Desc
	ReconnectAttempts   *prometheus.Desc
	BytesIn             *prometheus.Desc
	BytesOut            *prometheus.Desc
	Uptime              *prometheus.Desc
}

// MetricName turns an arbitrary name into a valid prometheus metric name
// component. Anything other than ascii letters, digits and underscores
// becomes an underscore.
func MetricName(name string) string {
	var t transform.Transformer
	var out string
	var err error

	t = runes.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') { return r }
		return '_'
	})
	out, _, err = transform.String(t, name)
	if err != nil || out == "" { return "oniri" }
	if out[0] >= '0' && out[0] <= '9' { out = "_" + out }
	return out
}

// NewManagerCollector returns a new ManagerCollector with all prometheus.Desc initialized
func NewManagerCollector(name string, manager *ServicesManager) ManagerCollector {
	var prefix string
	var svc_labels []string

	prefix = MetricName(name) + "_"
	svc_labels = []string{"role", "kind", "name", "key"}

	return ManagerCollector{
		manager: manager,

		BuildInfo: prometheus.NewDesc(
			prefix + "build_info",
			"Build information",
			[]string{
				"goarch",
				"goos",
				"goversion",
				"version",
			}, nil,
		),

		Services: prometheus.NewDesc(
			prefix + "services",
			"Number of registered services",
			[]string{"role"}, nil,
		),
		ServicesStarted: prometheus.NewDesc(
			prefix + "services_started",
			"Number of started services",
			[]string{"role"}, nil,
		),

		ActiveConnections: prometheus.NewDesc(
			prefix + "service_active_connections",
			"Number of active connections of a service",
			svc_labels, nil,
		),
		TotalConnections: prometheus.NewDesc(
			prefix + "service_connections_total",
			"Number of connections handled by a service",
			svc_labels, nil,
		),
		FailedConnections: prometheus.NewDesc(
			prefix + "service_failed_connections_total",
			"Number of failed connections of a service",
			svc_labels, nil,
		),
		RejectedConnections: prometheus.NewDesc(
			prefix + "service_rejected_connections_total",
			"Number of connections rejected by the firewall",
			svc_labels, nil,
		),
		ReconnectAttempts: prometheus.NewDesc(
			prefix + "service_reconnect_attempts_total",
			"Number of reconnection attempts of a service",
			svc_labels, nil,
		),
		BytesIn: prometheus.NewDesc(
			prefix + "service_bytes_in_total",
			"Bytes received by a service",
			svc_labels, nil,
		),
		BytesOut: prometheus.NewDesc(
			prefix + "service_bytes_out_total",
			"Bytes sent by a service",
			svc_labels, nil,
		),
		Uptime: prometheus.NewDesc(
			prefix + "service_uptime_seconds",
			"Seconds since a service started",
			svc_labels, nil,
		),
	}
}

func (c ManagerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.BuildInfo
	ch <- c.Services
	ch <- c.ServicesStarted
	ch <- c.ActiveConnections
	ch <- c.TotalConnections
	ch <- c.FailedConnections
	ch <- c.RejectedConnections
	ch <- c.ReconnectAttempts
	ch <- c.BytesIn
	ch <- c.BytesOut
	ch <- c.Uptime
}

func (c ManagerCollector) collect_entry(ch chan<- prometheus.Metric, role string, e *ServiceEntry) {
	var m ServiceMetrics
	var lv []string

	m = e.Service.GetMetrics()
	lv = []string{role, e.Kind.String(), e.Config.Name, e.Key()}

	ch <- prometheus.MustNewConstMetric(c.ActiveConnections, prometheus.GaugeValue, float64(m.ActiveConnections), lv...)
	if !m.Enabled { return }

	ch <- prometheus.MustNewConstMetric(c.TotalConnections, prometheus.CounterValue, float64(m.TotalConnections), lv...)
	ch <- prometheus.MustNewConstMetric(c.FailedConnections, prometheus.CounterValue, float64(m.FailedConnections), lv...)
	ch <- prometheus.MustNewConstMetric(c.RejectedConnections, prometheus.CounterValue, float64(m.RejectedConnections), lv...)
	ch <- prometheus.MustNewConstMetric(c.ReconnectAttempts, prometheus.CounterValue, float64(m.ReconnectAttempts), lv...)
	ch <- prometheus.MustNewConstMetric(c.BytesIn, prometheus.CounterValue, float64(m.BytesIn), lv...)
	ch <- prometheus.MustNewConstMetric(c.BytesOut, prometheus.CounterValue, float64(m.BytesOut), lv...)
	ch <- prometheus.MustNewConstMetric(c.Uptime, prometheus.GaugeValue, float64(m.Uptime) / 1000.0, lv...)
}

func (c ManagerCollector) Collect(ch chan<- prometheus.Metric) {
	var servers int
	var clients int
	var servers_up int
	var clients_up int
	var e *ServiceEntry

	ch <- prometheus.MustNewConstMetric(
		c.BuildInfo,
		prometheus.GaugeValue,
		1,
		runtime.GOARCH,
		runtime.GOOS,
		runtime.Version(),
		ONIRI_VERSION,
	)

	servers, clients, servers_up, clients_up = c.manager.ServiceCounts()
	ch <- prometheus.MustNewConstMetric(c.Services, prometheus.GaugeValue, float64(servers), "server")
	ch <- prometheus.MustNewConstMetric(c.Services, prometheus.GaugeValue, float64(clients), "client")
	ch <- prometheus.MustNewConstMetric(c.ServicesStarted, prometheus.GaugeValue, float64(servers_up), "server")
	ch <- prometheus.MustNewConstMetric(c.ServicesStarted, prometheus.GaugeValue, float64(clients_up), "client")

	for _, e = range c.manager.GetServers() { c.collect_entry(ch, "server", e) }
	for _, e = range c.manager.GetClients() { c.collect_entry(ch, "client", e) }
}
