package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"crosspost/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched because editors usually save by rename. A
// broken watcher is rebuilt with jittered backoff. Failed reloads are logged
// and the previous config stays live.
func (m *ConfigManager) Watch(ctx context.Context) error {
	w := &fileWatch{m: m, dir: filepath.Dir(m.path), file: filepath.Base(m.path), delay: rewatchMin}
	defer w.stopTimer()

	for ctx.Err() == nil {
		fw, err := w.open()
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", w.dir), logx.Err(err))
		} else {
			w.delay = rewatchMin
			m.log.Debug("config watcher started", logx.String("dir", w.dir), logx.String("file", w.file))
			w.loop(ctx, fw)
			_ = fw.Close()
			if ctx.Err() != nil {
				break
			}
			m.log.Warn("config watcher stopped; restarting", logx.String("dir", w.dir))
		}
		if !w.sleep(ctx) {
			break
		}
	}
	return nil
}

type fileWatch struct {
	m     *ConfigManager
	dir   string
	file  string
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func (w *fileWatch) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

// loop returns when ctx ends or the watcher closes its channels.
func (w *fileWatch) loop(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), w.file) {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			// Events may have been lost, so re-read the file anyway.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				w.m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				w.schedule(ctx)
				continue
			}
			w.m.log.Warn("config watch error", logx.String("dir", w.dir), logx.Err(err))
		}
	}
}

// schedule collapses a burst of events into one Reload.
func (w *fileWatch) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() { w.reload(ctx) })
}

func (w *fileWatch) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	changed, err := w.m.Reload(ctx)
	if err != nil {
		w.m.log.Warn("config reload failed", logx.String("path", w.m.path), logx.Err(err))
		return
	}
	if changed {
		w.m.log.Debug("config published", logx.String("path", w.m.path))
	}
}

func (w *fileWatch) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// sleep waits out the current backoff and doubles it. It reports false if ctx
// ended first.
func (w *fileWatch) sleep(ctx context.Context) bool {
	d := w.delay + time.Duration(rand.Int64N(int64(w.delay/2)+1))
	w.delay = min(w.delay*2, rewatchMax)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
