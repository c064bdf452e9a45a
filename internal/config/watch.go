package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	logx "tabrotate/pkg/logx"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 250 * time.Millisecond

const watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherClosed = errors.New("watcher channels closed")

// Watch reloads the config on change until ctx is done. The parent
// directory is watched so atomic rename-over saves are seen. A failing
// watcher is recreated with exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	for {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		bo.MaxInterval = 5 * time.Second
		bo.RandomizationFactor = 0.25

		w, err := backoff.Retry(ctx, func() (*fsnotify.Watcher, error) { return openWatcher(dir) },
			backoff.WithBackOff(bo),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
			}),
		)
		if err != nil {
			return nil // only ctx ends the retry
		}
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		err = m.pump(ctx, w, file)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Err(err))
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// pump runs until ctx ends or w breaks. Reloads run on this goroutine once
// events for file have been quiet for reloadDebounce.
func (m *Manager) pump(ctx context.Context, w *fsnotify.Watcher, file string) error {
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()
	var due <-chan time.Time
	schedule := func() {
		timer.Reset(reloadDebounce)
		due = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-due:
			due = nil
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&watchOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				schedule()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
