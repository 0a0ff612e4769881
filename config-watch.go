package oniri

import "path/filepath"
import "sync"
import "time"
import "github.com/fsnotify/fsnotify"

const CONFIG_WATCH_SETTLE time.Duration = 200 * time.Millisecond

// ConfigWatcher reloads a services document when its file changes. The
// parent directory is watched so that replacing the file by rename is seen.
type ConfigWatcher struct {
	path string
	log Logger
	on_change func(cfg *ServicesConfig)

	watcher *fsnotify.Watcher
	stop_req sync.Once
	stop_chan chan struct{}
}

func NewConfigWatcher(path string, log Logger, on_change func(cfg *ServicesConfig)) (*ConfigWatcher, error) {
	var cw ConfigWatcher
	var err error

	cw.path, err = filepath.Abs(path)
	if err != nil { return nil, err }
	cw.log = logger_or_nop(log)
	cw.on_change = on_change
	cw.stop_chan = make(chan struct{})

	cw.watcher, err = fsnotify.NewWatcher()
	if err != nil { return nil, err }

	err = cw.watcher.Add(filepath.Dir(cw.path))
	if err != nil {
		cw.watcher.Close()
		return nil, err
	}
	return &cw, nil
}

func (cw *ConfigWatcher) reload() {
	var fcs *FileConfigStore
	var cfg *ServicesConfig
	var err error

	fcs = NewFileConfigStore(cw.path)
	cfg, err = fcs.Load()
	if err != nil {
		cw.log.Write("config", LOG_WARN, "Unable to reload %s - %s", cw.path, err.Error())
		return
	}
	cw.on_change(cfg)
}

// RunTask delivers changes until ReqStop. Bursts of events are coalesced.
func (cw *ConfigWatcher) RunTask(wg *sync.WaitGroup) {
	var evt fsnotify.Event
	var err error
	var ok bool
	var settle *time.Timer
	var settle_c <-chan time.Time

	defer wg.Done()
	defer cw.watcher.Close()

	for {
		select {
			case <-cw.stop_chan:
				if settle != nil { settle.Stop() }
				return

			case evt, ok = <-cw.watcher.Events:
				if !ok { return }
				if filepath.Clean(evt.Name) != cw.path { continue }
				if evt.Op & (fsnotify.Write | fsnotify.Create | fsnotify.Rename) == 0 { continue }

				if settle == nil {
					settle = time.NewTimer(CONFIG_WATCH_SETTLE)
				} else {
					settle.Stop()
					settle.Reset(CONFIG_WATCH_SETTLE)
				}
				settle_c = settle.C

			case err, ok = <-cw.watcher.Errors:
				if !ok { return }
				cw.log.Write("config", LOG_WARN, "Watch error on %s - %s", cw.path, err.Error())

			case <-settle_c:
				settle_c = nil
				cw.reload()
		}
	}
}

func (cw *ConfigWatcher) ReqStop() {
	cw.stop_req.Do(func() { close(cw.stop_chan) })
}
