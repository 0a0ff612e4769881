package oniri

import "errors"
import "fmt"
import "net"
import "sync"
import "time"

const ONIRI_VERSION string = "1.0.0"

type LogLevel int
type LogMask int

const (
	LOG_DEBUG LogLevel = 1 << iota
	LOG_INFO
	LOG_WARN
	LOG_ERROR
)

const LOG_ALL LogMask = LogMask(LOG_DEBUG | LOG_INFO | LOG_WARN | LOG_ERROR)
const LOG_NONE LogMask = LogMask(0)

type Logger interface {
	Write(id string, level LogLevel, fmtstr string, args ...interface{})
}

type Service interface {
	RunTask(wg *sync.WaitGroup) // blocking. run the actual task loop. it must call wg.Done() upon exit from itself.
	StartService(data interface{}) // non-blocking. spin up a service.
	StopServices() // non-blocking. send stop request to all services spun up
	WaitForTermination() // blocking. must wait until all services are stopped
	WriteLog(id string, level LogLevel, fmtstr string, args ...interface{})
}

const (
	CLOSE_TIMEOUT         time.Duration = 5 * time.Second
	SERVICE_CLOSE_TIMEOUT time.Duration = 10 * time.Second
	LISTEN_TIMEOUT        time.Duration = 30 * time.Second
	PIPE_IDLE_TIMEOUT     time.Duration = 30 * time.Second
	PIPE_FINISH_GRACE     time.Duration = 2 * time.Second
	CTRL_TIMEOUT          time.Duration = 30 * time.Second
	CTRL_RESET_INTERVAL   time.Duration = 5 * time.Second
	RPC_RETRY_NO_PEERS    time.Duration = 3 * time.Second
	RPC_RETRY_ALL_OMITTED time.Duration = 2 * time.Second
	RPC_ANNOUNCE_INTERVAL time.Duration = 30 * time.Second
	RPC_RETRY_ANNOUNCE    time.Duration = 5 * time.Second
	RPC_PING_INTERVAL     time.Duration = 10 * time.Second
	STOP_SETTLE_DELAY     time.Duration = 100 * time.Millisecond
)

var ErrSeedRequired = errors.New("seed is required")
var ErrPeerToConnectRequired = errors.New("peerToConnect is required")
var ErrServiceNotFound = errors.New("service not found")
var ErrPortTaken = errors.New("cannot start proxy, port is already taken")
var ErrIdleTimeout = errors.New("connection idle timeout")
var ErrCtrlTimeout = errors.New("control connection timeout")
var ErrPeerConnectionFailed = errors.New("PEER_CONNECTION_FAILED")
var ErrStreamReset = errors.New("stream reset by peer")
var ErrNotStarted = errors.New("service not started")
var ErrFirewallRejected = errors.New("connection rejected by firewall")
var ErrTimeout = errors.New("operation timed out")

type nop_logger struct {}

func (l *nop_logger) Write(id string, level LogLevel, fmtstr string, args ...interface{}) {}

func logger_or_nop(log Logger) Logger {
	if log == nil { return &nop_logger{} }
	return log
}

// run_with_timeout races fn against a timer. fn keeps running in the
// background when the timer wins; its result is discarded.
func run_with_timeout(what string, tmout time.Duration, fn func() error) error {
	var done_chan chan error
	var tmr *time.Timer
	var err error

	done_chan = make(chan error, 1)
	go func() {
		defer func() {
			var r interface{} = recover()
			if r != nil { done_chan <- fmt.Errorf("%s panicked - %v", what, r) }
		}()
		done_chan <- fn()
	}()

	tmr = time.NewTimer(tmout)
	select {
		case err = <-done_chan:
			tmr.Stop()
			return err

		case <-tmr.C:
			return fmt.Errorf("%w - %s after %v", ErrTimeout, what, tmout)
	}
}

func tcp_addr_str_class(addr string) string {
	if len(addr) > 0 {
		switch addr[0] {
			case '[':
				return "tcp6"
			case ':':
				return "tcp"
			default:
				return "tcp4"
		}
	}

	return "tcp"
}

func is_port_available(host string, port int) bool {
	var l net.Listener
	var err error

	l, err = net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil { return false }
	l.Close()
	return true
}

func get_random_port(host string) (int, error) {
	var l net.Listener
	var err error

	l, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil { return 0, err }
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
