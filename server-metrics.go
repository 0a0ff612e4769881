package oniri

import "runtime"
import "github.com/prometheus/client_golang/prometheus"

type RelayCollector struct {
	server          *RelayServer
	BuildInfo       *prometheus.Desc
	RelayConns      *prometheus.Desc
	RelayStreams    *prometheus.Desc
	RelayRefused    *prometheus.Desc
	RelayBytes      *prometheus.Desc
}

// NewRelayCollector returns a new RelayCollector with all prometheus.Desc initialized
func NewRelayCollector(server *RelayServer) RelayCollector {
	var prefix string

	prefix = MetricName(server.Name()) + "_"
	return RelayCollector{
		server: server,

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

		RelayConns: prometheus.NewDesc(
			prefix + "relay_conns",
			"Number of nodes attached to the relay",
			nil, nil,
		),
		RelayStreams: prometheus.NewDesc(
			prefix + "relay_streams",
			"Number of streams being relayed",
			nil, nil,
		),
		RelayRefused: prometheus.NewDesc(
			prefix + "relay_refused_total",
			"Number of refused stream requests",
			nil, nil,
		),
		RelayBytes: prometheus.NewDesc(
			prefix + "relay_bytes_total",
			"Number of payload bytes relayed",
			nil, nil,
		),
	}
}

func (c RelayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.BuildInfo
	ch <- c.RelayConns
	ch <- c.RelayStreams
	ch <- c.RelayRefused
	ch <- c.RelayBytes
}

func (c RelayCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.BuildInfo,
		prometheus.GaugeValue,
		1,
		runtime.GOARCH,
		runtime.GOOS,
		runtime.Version(),
		ONIRI_VERSION,
	)

	ch <- prometheus.MustNewConstMetric(
		c.RelayConns,
		prometheus.GaugeValue,
		float64(c.server.stats.conns.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		c.RelayStreams,
		prometheus.GaugeValue,
		float64(c.server.stats.streams.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		c.RelayRefused,
		prometheus.CounterValue,
		float64(c.server.stats.refused.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		c.RelayBytes,
		prometheus.CounterValue,
		float64(c.server.stats.bytes.Load()),
	)
}
