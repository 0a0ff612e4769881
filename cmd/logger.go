package main

import "fmt"
import "io"
import "oniri"
import "os"
import "strings"
import "sync"
import "time"

import "github.com/jpillora/sizestr"

const app_log_time_layout string = "2006-01-02 15:04:05 -0700"

// log_file is an append-only file that shifts itself to name.1, name.2 and
// so on once it reaches max_size. keep is the number of shifted files.
type log_file struct {
	name string
	max_size int64
	keep int

	f *os.File
	size int64
}

func open_log_file(name string, max_size int64, keep int) (*log_file, error) {
	var lf log_file
	var fi os.FileInfo
	var err error

	lf.name = name
	lf.max_size = max_size
	lf.keep = keep
	if strings.HasPrefix(name, "/dev/") {
		// devices are never shifted
		lf.max_size = 0
		lf.keep = 0
	}

	lf.f, err = os.OpenFile(name, os.O_CREATE | os.O_APPEND | os.O_WRONLY, 0644)
	if err != nil { return nil, err }
	fi, err = lf.f.Stat()
	if err == nil { lf.size = fi.Size() }
	return &lf, nil
}

func (lf *log_file) Write(b []byte) (int, error) {
	var n int
	var err error

	if lf.f == nil { return os.Stderr.Write(b) }
	n, err = lf.f.Write(b)
	lf.size += int64(n)
	if lf.max_size > 0 && lf.size >= lf.max_size { lf.shift() }
	return n, err
}

func (lf *log_file) shift() {
	var i int
	var n int
	var old_size int64
	var f *os.File
	var err error

	if lf.f == nil || lf.keep <= 0 || lf.size <= 0 { return }

	old_size = lf.size
	for i = lf.keep - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", lf.name, i), fmt.Sprintf("%s.%d", lf.name, i + 1))
	}
	os.Rename(lf.name, lf.name + ".1")

	f, err = os.OpenFile(lf.name, os.O_CREATE | os.O_TRUNC | os.O_WRONLY, 0644)
	lf.f.Close()
	lf.size = 0
	if err != nil {
		lf.f = nil
		fmt.Fprintf(os.Stderr, "unable to reopen %s - %s\n", lf.name, err.Error())
		return
	}
	lf.f = f
	n, _ = fmt.Fprintf(lf.f, "log shifted after %s\n", sizestr.ToString(old_size))
	lf.size = int64(n)
}

func (lf *log_file) Close() error {
	if lf.f == nil { return nil }
	return lf.f.Close()
}

// ------------------------------------------------------------------------

type log_line struct {
	text string
	rotate bool
}

// AppLogger formats lines on the caller's goroutine and writes them from a
// single background task.
type AppLogger struct {
	id string
	mask oniri.LogMask
	out io.Writer
	file *log_file

	line_chan chan log_line
	stop_chan chan struct{}
	wg sync.WaitGroup
}

func new_app_logger(id string, out io.Writer, file *log_file, mask oniri.LogMask) *AppLogger {
	var l *AppLogger

	l = &AppLogger{
		id: id,
		mask: mask,
		out: out,
		file: file,
		line_chan: make(chan log_line, 256),
		stop_chan: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func NewAppLogger(id string, w io.Writer, mask oniri.LogMask) *AppLogger {
	return new_app_logger(id, w, nil, mask)
}

func NewAppLoggerToFile(id string, file_name string, max_size int64, rotate int, mask oniri.LogMask) (*AppLogger, error) {
	var lf *log_file
	var err error

	lf, err = open_log_file(file_name, max_size, rotate)
	if err != nil { return nil, err }
	return new_app_logger(id, lf, lf, mask), nil
}

func (l *AppLogger) handle(line log_line) {
	if line.rotate {
		if l.file != nil { l.file.shift() }
		return
	}
	io.WriteString(l.out, line.text)
}

func (l *AppLogger) run() {
	var line log_line

	defer l.wg.Done()

	for {
		select {
			case line = <-l.line_chan:
				l.handle(line)

			case <-l.stop_chan:
				for {
					select {
						case line = <-l.line_chan:
							l.handle(line)
						default:
							return
					}
				}
		}
	}
}

// Rotate shifts the log file after the lines queued so far. It is a no-op
// for a logger that does not write to a file.
func (l *AppLogger) Rotate() {
	l.line_chan <- log_line{rotate: true}
}

func (l *AppLogger) Close() {
	close(l.stop_chan)
	l.wg.Wait()
	if l.file != nil { l.file.Close() }
}

func (l *AppLogger) Write(id string, level oniri.LogLevel, fmtstr string, args ...interface{}) {
	var sb strings.Builder
	var msg string

	if l.mask & oniri.LogMask(level) == 0 { return }

	sb.WriteString(time.Now().Format(app_log_time_layout))
	sb.WriteByte(' ')
	sb.WriteString(level_tag(level))
	sb.WriteByte(' ')
	sb.WriteString(l.id)
	if id != "" { fmt.Fprintf(&sb, "(%s)", id) }
	sb.WriteString(": ")

	msg = fmt.Sprintf(fmtstr, args...)
	sb.WriteString(msg)
	if !strings.HasSuffix(msg, "\n") { sb.WriteByte('\n') }

	l.line_chan <- log_line{text: sb.String()}
}

func level_tag(level oniri.LogLevel) string {
	switch level {
		case oniri.LOG_DEBUG:
			return "DBG"
		case oniri.LOG_INFO:
			return "INF"
		case oniri.LOG_WARN:
			return "WRN"
		case oniri.LOG_ERROR:
			return "ERR"
	}
	return "???"
}
