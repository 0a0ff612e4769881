package oniri

import "net/http"
import "golang.org/x/net/websocket"

// ctl_events streams service events as json text frames. The key query
// parameter narrows the stream down to one service.
type ctl_events struct {
	ctl_base
	ws websocket.Server
}

func new_ctl_events(c *CtlServer) *ctl_events {
	var ctl *ctl_events

	ctl = &ctl_events{ctl_base: ctl_base{c: c, id: CTL_ID}}
	ctl.ws = websocket.Server{
		// non-browser clients send no origin. authentication is done
		// before the upgrade.
		Handshake: func(cfg *websocket.Config, req *http.Request) error { return nil },
		Handler: ctl.serve_ws,
	}
	return ctl
}

func (ctl *ctl_events) serve_ws(ws *websocket.Conn) {
	var c *CtlServer
	var sbsc *BulletinSubscription[*ServiceEvent]
	var evt *ServiceEvent
	var ok bool
	var rd_done chan struct{}
	var err error

	c = ctl.c
	defer ws.Close()

	sbsc, err = c.o.Events().Subscribe(ws.Request().URL.Query().Get("key"))
	if err != nil {
		c.log.Write(ctl.id, LOG_WARN, "[%s] unable to subscribe to events - %s", ws.Request().RemoteAddr, err.Error())
		return
	}
	defer c.o.Events().Unsubscribe(sbsc)

	// nothing is expected from the client. reading only detects the close.
	rd_done = make(chan struct{})
	go func() {
		var msg []byte
		for {
			if websocket.Message.Receive(ws, &msg) != nil { break }
		}
		close(rd_done)
	}()

	for {
		select {
			case evt, ok = <-sbsc.C:
				if !ok { return }
				err = websocket.JSON.Send(ws, evt)
				if err != nil {
					c.log.Write(ctl.id, LOG_DEBUG, "[%s] event stream ended - %s", ws.Request().RemoteAddr, err.Error())
					return
				}

			case <-rd_done:
				return

			case <-c.Ctx.Done():
				return
		}
	}
}

func (ctl *ctl_events) ServeHTTP(w http.ResponseWriter, req *http.Request) (int, error) {
	if ctl.c.o == nil { return WriteEmptyRespHeader(w, http.StatusNotFound), nil }
	ctl.ws.ServeHTTP(w, req)
	return http.StatusSwitchingProtocols, nil
}
