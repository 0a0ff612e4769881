package oniri

import "context"
import "encoding/json"
import "io"
import "net/http"
import "strings"
import "testing"
import "time"

import "golang.org/x/net/websocket"

const test_ctl_secret string = "donkey-kong"

func start_test_ctl(t *testing.T) (*Oniri, *CtlServer, string) {
	var o *Oniri
	var c *CtlServer
	var err error

	o = NewOniri(&OniriOptions{Role: ROLE_SERVER, Overlay: NewMemoryOverlay()})
	err = o.Init(context.Background())
	if err != nil { t.Fatalf("failed to init - %s", err.Error()) }

	c, err = NewCtlServer("ctl", o, nil, nil, &CtlConfig{Addrs: []string{"127.0.0.1:0"}, JwtSecret: test_ctl_secret})
	if err != nil { t.Fatalf("failed to create control server - %s", err.Error()) }
	c.StartService(nil)

	t.Cleanup(func() {
		c.StopServices()
		c.WaitForTermination()
		o.Close()
	})
	return o, c, c.Addrs()[0].String()
}

func ctl_request(t *testing.T, method string, url string, token string, body string) (*http.Response, []byte) {
	var req *http.Request
	var resp *http.Response
	var b []byte
	var err error

	req, err = http.NewRequest(method, url, strings.NewReader(body))
	if err != nil { t.Fatalf("bad request - %s", err.Error()) }
	if token != "" { req.Header.Set("Authorization", "Bearer " + token) }

	resp, err = http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("%s %s failed - %s", method, url, err.Error()) }
	b, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, b
}

func TestCtlServices(t *testing.T) {
	var o *Oniri
	var base string
	var tok string
	var resp *http.Response
	var body []byte
	var all AllServices
	var stats json_out_ctl_stats

	o, _, base = start_test_ctl(t)
	base = "http://" + base
	tok, _ = MakeCtlToken(test_ctl_secret, "tester", time.Minute)

	resp, _ = ctl_request(t, http.MethodGet, base + "/_ctl/services", "", "")
	if resp.StatusCode != http.StatusUnauthorized { t.Fatalf("expected 401 without a token, got %d", resp.StatusCode) }

	resp, body = ctl_request(t, http.MethodGet, base + "/_ctl/services", tok, "")
	if resp.StatusCode != http.StatusOK { t.Fatalf("expected 200, got %d", resp.StatusCode) }
	if json.Unmarshal(body, &all) != nil { t.Fatalf("bad services json - %s", body) }
	if all.ControlService.PublicKey != o.ControlKey() { t.Errorf("wrong control key %s", all.ControlService.PublicKey) }

	resp, body = ctl_request(t, http.MethodGet, base + "/_ctl/stats", tok, "")
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &stats) != nil { t.Fatalf("bad stats - %d %s", resp.StatusCode, body) }
	if stats.Servers != 1 || stats.ServersStarted != 1 { t.Errorf("wrong service counts %+v", stats) }

	resp, body = ctl_request(t, http.MethodGet, base + "/_ctl/metrics", tok, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ctl_services_started") { t.Errorf("metrics missing - %s", body) }

	resp, _ = ctl_request(t, http.MethodDelete, base + "/_ctl/services/local/" + o.ControlKey(), tok, "")
	if resp.StatusCode != http.StatusNoContent { t.Fatalf("stop failed with %d", resp.StatusCode) }
	if o.GetControlService().Service.IsStarted() { t.Errorf("control service still running") }

	resp, _ = ctl_request(t, http.MethodPost, base + "/_ctl/services/local/" + o.ControlKey(), tok, "")
	if resp.StatusCode != http.StatusNoContent { t.Fatalf("start failed with %d", resp.StatusCode) }
	if !o.GetControlService().Service.IsStarted() { t.Errorf("control service not restarted") }

	resp, _ = ctl_request(t, http.MethodPost, base + "/_ctl/services/local/nobody", tok, "")
	if resp.StatusCode != http.StatusNotFound { t.Errorf("expected 404 for an unknown key, got %d", resp.StatusCode) }
	resp, _ = ctl_request(t, http.MethodPost, base + "/_ctl/services/sideways/nobody", tok, "")
	if resp.StatusCode != http.StatusBadRequest { t.Errorf("expected 400 for a bad side, got %d", resp.StatusCode) }
}

func TestCtlAllowedList(t *testing.T) {
	var o *Oniri
	var base string
	var tok string
	var key test_key
	var resp *http.Response
	var body []byte
	var list []string
	var err error

	o, _, base = start_test_ctl(t)
	base = "http://" + base
	tok, _ = MakeCtlToken(test_ctl_secret, "tester", time.Minute)

	key = new_test_key(t)
	_, err = o.CreateLocalService(context.Background(), &ServiceDef{Name: "web", Seed: key.seed, TargetHost: "127.0.0.1", TargetPort: 1, Allowed: []string{"a"}})
	if err != nil { t.Fatalf("unable to create service - %s", err.Error()) }

	resp, _ = ctl_request(t, http.MethodPut, base + "/_ctl/services/local/" + key.key + "/allowed", tok, `["b","c"]`)
	if resp.StatusCode != http.StatusNoContent { t.Fatalf("put failed with %d", resp.StatusCode) }

	resp, body = ctl_request(t, http.MethodGet, base + "/_ctl/services/local/" + key.key + "/allowed", tok, "")
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &list) != nil { t.Fatalf("get failed - %d %s", resp.StatusCode, body) }
	if len(list) != 2 || list[0] != "b" || list[1] != "c" { t.Errorf("wrong allowed list %v", list) }

	resp, _ = ctl_request(t, http.MethodPut, base + "/_ctl/services/local/" + key.key + "/allowed", tok, `{bad`)
	if resp.StatusCode != http.StatusBadRequest { t.Errorf("expected 400 for bad json, got %d", resp.StatusCode) }
}

func TestCtlEvents(t *testing.T) {
	var o *Oniri
	var addr string
	var tok string
	var ws *websocket.Conn
	var evt ServiceEvent
	var got bool
	var i int
	var err error

	o, _, addr = start_test_ctl(t)
	tok, _ = MakeCtlToken(test_ctl_secret, "tester", time.Minute)

	_, err = websocket.Dial("ws://" + addr + "/_ctl/events", "", "http://localhost/")
	if err == nil { t.Fatalf("event stream opened without a token") }

	ws, err = websocket.Dial("ws://" + addr + "/_ctl/events?key=" + o.ControlKey() + "&token=" + tok, "", "http://localhost/")
	if err != nil { t.Fatalf("unable to open event stream - %s", err.Error()) }
	defer ws.Close()

	// the subscription is made after the upgrade. keep bouncing the
	// service until something comes through.
	for i = 0; i < 10 && !got; i++ {
		o.StopLocalServiceById(o.ControlKey())
		o.StartLocalServiceById(context.Background(), o.ControlKey())

		ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		err = websocket.JSON.Receive(ws, &evt)
		if err == nil { got = true }
	}
	if !got { t.Fatalf("no event received - %v", err) }
	if evt.Service.ServiceKey != o.ControlKey() { t.Errorf("event for the wrong service %+v", evt) }
	if evt.Msg.Type != SERVICE_EVENT_STOPPED && evt.Msg.Type != SERVICE_EVENT_STARTED { t.Errorf("unexpected event type %s", evt.Msg.Type.String()) }
}
