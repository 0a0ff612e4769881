package oniri

import "errors"
import "fmt"
import "io"
import "net"
import "sync"
import "sync/atomic"
import "syscall"
import "time"

import "github.com/jpillora/sizestr"
import "github.com/klauspost/compress/gzip"

const PIPE_BUF_SIZE int = 65536
const PIPE_COMPRESS_LEVEL int = 6

// PipeStats is shared by all pipes of one service.
type PipeStats struct {
	LocCnt atomic.Int64
	RemCnt atomic.Int64
	RejectCnt atomic.Int64
	BytesIn atomic.Int64
	BytesOut atomic.Int64
}

type PipeStatsSnapshot struct {
	LocCnt int64 `json:"locCnt"`
	RemCnt int64 `json:"remCnt"`
	RejectCnt int64 `json:"rejectCnt"`
	BytesIn int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

type PipeOptions struct {
	IsServer bool
	Compress bool
	IdleTimeout time.Duration // 0 for the default. negative to disable
	FinishGrace time.Duration // 0 for the default
	OnDestroy func(err error)
	Log Logger
	LogId string
}

type PipeHandle struct {
	local DuplexConn
	remote DuplexConn
	opts PipeOptions
	stats *PipeStats
	log Logger

	destroyed atomic.Bool
	done chan struct{}
	finished atomic.Int32

	tmr_mtx sync.Mutex
	idle_tmr *time.Timer
	grace_tmr *time.Timer
	idle_tmout time.Duration

	bytes_in atomic.Int64
	bytes_out atomic.Int64
}

func dec_non_negative(v *atomic.Int64) {
	var old int64
	for {
		old = v.Load()
		if old <= 0 { return }
		if v.CompareAndSwap(old, old - 1) { return }
	}
}

func (st *PipeStats) Snapshot() PipeStatsSnapshot {
	return PipeStatsSnapshot{
		LocCnt: st.LocCnt.Load(),
		RemCnt: st.RemCnt.Load(),
		RejectCnt: st.RejectCnt.Load(),
		BytesIn: st.BytesIn.Load(),
		BytesOut: st.BytesOut.Load(),
	}
}

// is_clean_close tells if err only means that the other end went away.
func is_clean_close(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
	       errors.Is(err, io.ErrClosedPipe) ||
	       errors.Is(err, ErrStreamReset) ||
	       errors.Is(err, syscall.ECONNRESET) ||
	       errors.Is(err, syscall.EPIPE) ||
	       errors.Is(err, syscall.ETIMEDOUT)
}

// ConnPiper relays bytes between local and the stream returned by
// remote_factory. It returns nil if remote_factory yields no stream, in
// which case local is closed and the attempt is counted as rejected.
func ConnPiper(local DuplexConn, remote_factory func() DuplexConn, opts *PipeOptions, stats *PipeStats) *PipeHandle {
	var remote DuplexConn
	var ph *PipeHandle

	if stats == nil { stats = &PipeStats{} }

	remote = remote_factory()
	if remote == nil {
		local.Close()
		stats.RejectCnt.Add(1)
		return nil
	}

	ph = &PipeHandle{
		local: local,
		remote: remote,
		stats: stats,
		done: make(chan struct{}),
	}
	if opts != nil { ph.opts = *opts }
	ph.log = logger_or_nop(ph.opts.Log)
	if ph.opts.FinishGrace <= 0 { ph.opts.FinishGrace = PIPE_FINISH_GRACE }
	ph.idle_tmout = ph.opts.IdleTimeout
	if ph.idle_tmout == 0 { ph.idle_tmout = PIPE_IDLE_TIMEOUT }

	stats.LocCnt.Add(1)
	stats.RemCnt.Add(1)

	if ph.idle_tmout > 0 {
		ph.tmr_mtx.Lock()
		ph.idle_tmr = time.AfterFunc(ph.idle_tmout, func() { ph.Destroy(ErrIdleTimeout) })
		ph.tmr_mtx.Unlock()
	}

	// the overlay leg carries the compressed bytes. a server pipes an accepted
	// overlay stream to its target while a client pipes a local socket to
	// an overlay stream.
	go ph.pump(ph.local, ph.remote,
		ph.opts.Compress && ph.opts.IsServer, ph.opts.Compress && !ph.opts.IsServer,
		&ph.bytes_out, &ph.stats.BytesOut)
	go ph.pump(ph.remote, ph.local,
		ph.opts.Compress && !ph.opts.IsServer, ph.opts.Compress && ph.opts.IsServer,
		&ph.bytes_in, &ph.stats.BytesIn)
	return ph
}

func (ph *PipeHandle) role() string {
	if ph.opts.IsServer { return "server" }
	return "client"
}

func (ph *PipeHandle) touch() {
	ph.tmr_mtx.Lock()
	if ph.idle_tmr != nil && !ph.destroyed.Load() { ph.idle_tmr.Reset(ph.idle_tmout) }
	ph.tmr_mtx.Unlock()
}

func (ph *PipeHandle) finish_side() {
	var n int32

	n = ph.finished.Add(1)
	if n >= 2 {
		ph.Destroy(nil)
		return
	}

	ph.tmr_mtx.Lock()
	if ph.grace_tmr == nil && !ph.destroyed.Load() {
		ph.grace_tmr = time.AfterFunc(ph.opts.FinishGrace, func() { ph.Destroy(nil) })
	}
	ph.tmr_mtx.Unlock()
}

func (ph *PipeHandle) fail(err error) {
	if ph.destroyed.Load() { return }
	if is_clean_close(err) { err = nil }
	ph.Destroy(err)
}

// pump copies src to dst. inflate decompresses what is read from src and
// deflate compresses what is written to dst.
func (ph *PipeHandle) pump(src DuplexConn, dst DuplexConn, inflate bool, deflate bool, counter *atomic.Int64, shared *atomic.Int64) {
	var buf []byte
	var n int
	var r io.Reader
	var w io.Writer
	var gzr *gzip.Reader
	var gzw *gzip.Writer
	var err error

	buf = make([]byte, PIPE_BUF_SIZE)
	r = src
	w = dst

	if deflate {
		gzw, err = gzip.NewWriterLevel(dst, PIPE_COMPRESS_LEVEL)
		if err != nil {
			ph.Destroy(fmt.Errorf("unable to create compressor - %s", err.Error()))
			return
		}
		w = gzw
	}

	if inflate {
		gzr, err = gzip.NewReader(src)
		if err != nil { goto read_error }
		r = gzr
	}

	for {
		n, err = r.Read(buf)
		if n > 0 {
			ph.touch()
			_, err = w.Write(buf[:n])
			if err == nil && gzw != nil { err = gzw.Flush() }
			if err != nil {
				ph.fail(err)
				return
			}
			counter.Add(int64(n))
			shared.Add(int64(n))
			continue
		}
		if err != nil { goto read_error }
	}

read_error:
	if errors.Is(err, io.EOF) {
		if gzw != nil { gzw.Close() } // writes the trailer. dst stays open
		dst.CloseWrite()
		ph.finish_side()
	} else {
		ph.fail(err)
	}
}

// Destroy tears down the pipe. Only the first call has any effect.
func (ph *PipeHandle) Destroy(err error) {
	if !ph.destroyed.CompareAndSwap(false, true) { return }

	ph.tmr_mtx.Lock()
	if ph.idle_tmr != nil { ph.idle_tmr.Stop() }
	if ph.grace_tmr != nil { ph.grace_tmr.Stop() }
	ph.tmr_mtx.Unlock()

	ph.local.Close()
	ph.remote.Close()

	dec_non_negative(&ph.stats.LocCnt)
	dec_non_negative(&ph.stats.RemCnt)

	if err != nil {
		ph.log.Write(ph.opts.LogId, LOG_DEBUG, "Pipe(%s) closed (sent %s received %s) - %s",
			ph.role(), sizestr.ToString(ph.bytes_out.Load()), sizestr.ToString(ph.bytes_in.Load()), err.Error())
	} else {
		ph.log.Write(ph.opts.LogId, LOG_DEBUG, "Pipe(%s) closed (sent %s received %s)",
			ph.role(), sizestr.ToString(ph.bytes_out.Load()), sizestr.ToString(ph.bytes_in.Load()))
	}

	if ph.opts.OnDestroy != nil {
		func() {
			defer func() {
				var r interface{} = recover()
				if r != nil { ph.log.Write(ph.opts.LogId, LOG_ERROR, "Panic in pipe destroy handler - %v", r) }
			}()
			ph.opts.OnDestroy(err)
		}()
	}

	close(ph.done)
}

func (ph *PipeHandle) Cleanup() {
	ph.Destroy(nil)
}

func (ph *PipeHandle) IsDestroyed() bool {
	return ph.destroyed.Load()
}

func (ph *PipeHandle) Done() <-chan struct{} {
	return ph.done
}

func (ph *PipeHandle) Wait() {
	<-ph.done
}

func (ph *PipeHandle) GetStats() PipeStatsSnapshot {
	var snap PipeStatsSnapshot
	snap = ph.stats.Snapshot()
	snap.BytesIn = ph.bytes_in.Load()
	snap.BytesOut = ph.bytes_out.Load()
	return snap
}

// ------------------------------------------------------------------------

type CtrlOptions struct {
	Timeout time.Duration // 0 for the default. negative to disable
	ResetInterval time.Duration // 0 for the default
	OnData func(data []byte)
	OnDestroy func(err error)
	Log Logger
	LogId string
}

type CtrlHandle struct {
	conn DuplexConn
	opts CtrlOptions
	stats *PipeStats
	log Logger

	destroyed atomic.Bool
	done chan struct{}

	tmr_mtx sync.Mutex
	tmr *time.Timer
	tmout time.Duration
	last_reset atomic.Uint64

	wr_mtx sync.Mutex
	bytes_sent atomic.Int64
	bytes_recv atomic.Int64
}

// ConnRemoteCtrl wraps a single control connection with an inactivity
// timeout. opts.OnData is called from the reader goroutine, one chunk at a
// time.
func ConnRemoteCtrl(conn DuplexConn, opts *CtrlOptions, stats *PipeStats) *CtrlHandle {
	var ch *CtrlHandle

	if stats == nil { stats = &PipeStats{} }

	ch = &CtrlHandle{
		conn: conn,
		stats: stats,
		done: make(chan struct{}),
	}
	if opts != nil { ch.opts = *opts }
	ch.log = logger_or_nop(ch.opts.Log)
	if ch.opts.ResetInterval <= 0 { ch.opts.ResetInterval = CTRL_RESET_INTERVAL }
	ch.tmout = ch.opts.Timeout
	if ch.tmout == 0 { ch.tmout = CTRL_TIMEOUT }

	stats.RemCnt.Add(1)

	if ch.tmout > 0 {
		ch.tmr_mtx.Lock()
		ch.tmr = time.AfterFunc(ch.tmout, func() { ch.Destroy(ErrCtrlTimeout) })
		ch.tmr_mtx.Unlock()
		ch.last_reset.Store(monotonic_time())
	}

	go ch.read_loop()
	return ch
}

func (ch *CtrlHandle) reset_timer() {
	var now uint64
	var last uint64

	if ch.tmout <= 0 { return }

	now = monotonic_time()
	last = ch.last_reset.Load()
	if now >= last && time.Duration(now - last) < ch.opts.ResetInterval { return }
	if !ch.last_reset.CompareAndSwap(last, now) { return }

	ch.tmr_mtx.Lock()
	if ch.tmr != nil && !ch.destroyed.Load() { ch.tmr.Reset(ch.tmout) }
	ch.tmr_mtx.Unlock()
}

func (ch *CtrlHandle) read_loop() {
	var buf []byte
	var n int
	var err error

	buf = make([]byte, PIPE_BUF_SIZE)
	for {
		n, err = ch.conn.Read(buf)
		if n > 0 {
			var data []byte

			ch.reset_timer()
			ch.bytes_recv.Add(int64(n))
			ch.stats.BytesIn.Add(int64(n))
			data = make([]byte, n)
			copy(data, buf[:n])
			ch.deliver(data)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || is_clean_close(err) {
				ch.Destroy(nil)
			} else {
				ch.Destroy(err)
			}
			return
		}
	}
}

func (ch *CtrlHandle) deliver(data []byte) {
	if ch.opts.OnData == nil || ch.destroyed.Load() { return }
	defer func() {
		var r interface{} = recover()
		if r != nil { ch.log.Write(ch.opts.LogId, LOG_ERROR, "Panic in control data handler - %v", r) }
	}()
	ch.opts.OnData(data)
}

// Send writes b to the connection. It returns false once the handle is
// destroyed or when the write fails.
func (ch *CtrlHandle) Send(b []byte) bool {
	var err error

	if ch.destroyed.Load() { return false }
	ch.reset_timer()

	ch.wr_mtx.Lock()
	_, err = ch.conn.Write(b)
	ch.wr_mtx.Unlock()
	if err != nil {
		if is_clean_close(err) { err = nil }
		ch.Destroy(err)
		return false
	}

	ch.bytes_sent.Add(int64(len(b)))
	ch.stats.BytesOut.Add(int64(len(b)))
	return true
}

func (ch *CtrlHandle) Destroy(err error) {
	if !ch.destroyed.CompareAndSwap(false, true) { return }

	ch.tmr_mtx.Lock()
	if ch.tmr != nil { ch.tmr.Stop() }
	ch.tmr_mtx.Unlock()

	ch.conn.Close()
	dec_non_negative(&ch.stats.RemCnt)

	if err != nil {
		ch.log.Write(ch.opts.LogId, LOG_DEBUG, "Control connection closed (sent %s received %s) - %s",
			sizestr.ToString(ch.bytes_sent.Load()), sizestr.ToString(ch.bytes_recv.Load()), err.Error())
	}

	if ch.opts.OnDestroy != nil {
		func() {
			defer func() {
				var r interface{} = recover()
				if r != nil { ch.log.Write(ch.opts.LogId, LOG_ERROR, "Panic in control destroy handler - %v", r) }
			}()
			ch.opts.OnDestroy(err)
		}()
	}

	close(ch.done)
}

func (ch *CtrlHandle) Cleanup() {
	ch.Destroy(nil)
}

func (ch *CtrlHandle) IsDestroyed() bool {
	return ch.destroyed.Load()
}

func (ch *CtrlHandle) Done() <-chan struct{} {
	return ch.done
}

func (ch *CtrlHandle) BytesSent() int64 {
	return ch.bytes_sent.Load()
}
