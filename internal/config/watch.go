package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// Watcher reloads the hot-reloadable subset of a config file whenever it
// is written, running its own background goroutine until Stop is called.
type Watcher struct {
	path string
	cfg  *Config
	log  *logging.Logger

	fsw   *fsnotify.Watcher
	stop  chan struct{}
	onErr func(error)
}

// NewWatcher opens an fsnotify watch on path's directory (watching the
// directory, not the file itself, survives editors that replace the file
// via rename-on-save rather than writing in place).
func NewWatcher(path string, cfg *Config, log *logging.Logger, onErr func(error)) (*Watcher, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, l2err.Wrap(l2err.Internal, "failed to open config file watcher", err)
	}
	w := &Watcher{
		path:  path,
		cfg:   cfg,
		log:   log.Component("config-watch"),
		fsw:   fsw,
		stop:  make(chan struct{}),
		onErr: onErr,
	}
	return w, nil
}

// Start begins watching path for writes, applying each reload's
// hot-reloadable subset onto the held Config. A reload that changes the
// network is logged and dropped rather than applied; changes to fields
// outside the subset are not applied.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return l2err.Wrap(l2err.Config, "failed to watch config directory", err)
	}
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case <-w.stop:
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
			if w.onErr != nil {
				w.onErr(err)
			}
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadFile(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous config", "error", err)
		if w.onErr != nil {
			w.onErr(err)
		}
		return
	}
	if err := w.cfg.HotReloadable(next); err != nil {
		w.log.Warn("config reload touched an immutable field, ignoring", "error", err)
		if w.onErr != nil {
			w.onErr(err)
		}
		return
	}
	w.log.Info("config hot-reloaded", "path", w.path)
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.stop)
}
