package oniri

import "context"
import "testing"
import "github.com/prometheus/client_golang/prometheus"
import dto "github.com/prometheus/client_model/go"

func TestMetricName(t *testing.T) {
	var cases map[string]string
	var in string
	var out string

	cases = map[string]string{
		"oniri":       "oniri",
		"my-node.01":  "my_node_01",
		"노드 a":        "___a",
		"9lives":      "_9lives",
		"":            "oniri",
	}
	for in, out = range cases {
		if MetricName(in) != out { t.Errorf("MetricName(%q) = %q, expected %q", in, MetricName(in), out) }
	}
}

func TestManagerCollector(t *testing.T) {
	var m *ServicesManager
	var reg *prometheus.Registry
	var up *fake_service
	var down *fake_service
	var off bool
	var mfs []*dto.MetricFamily
	var mf *dto.MetricFamily
	var mt *dto.Metric
	var started map[string]float64
	var gauges int
	var err error

	m = NewServicesManager(NewMemoryOverlay(), nil, nil)
	started = make(map[string]float64)
	off = false
	up = &fake_service{key: "k1", name: "web", kind: SERVICE_KIND_TCP_SERVER}
	down = &fake_service{key: "k2", name: "dns", kind: SERVICE_KIND_UDP_CLIENT}
	m.register(context.Background(), up.kind, &ServiceConfig{Name: up.name}, up)
	m.register(context.Background(), down.kind, &ServiceConfig{Name: down.name, AutoStart: &off}, down)

	reg = prometheus.NewRegistry()
	err = reg.Register(NewManagerCollector("test-node", m))
	if err != nil { t.Fatalf("unable to register collector - %s", err.Error()) }

	mfs, err = reg.Gather()
	if err != nil { t.Fatalf("unable to gather - %s", err.Error()) }

	for _, mf = range mfs {
		switch mf.GetName() {
			case "test_node_services_started":
				for _, mt = range mf.GetMetric() {
					started[mt.GetLabel()[0].GetValue()] = mt.GetGauge().GetValue()
				}
			case "test_node_service_active_connections":
				gauges = len(mf.GetMetric())
		}
	}

	if started["server"] != 1 || started["client"] != 0 { t.Errorf("wrong started counts %v", started) }
	if gauges != 2 { t.Errorf("wrong number of per-service gauges %d", gauges) }
}
