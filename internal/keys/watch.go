package keys

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"

	"pkt.systems/doord/internal/svcfields"
)

// DefaultWatchSettle collapses bursts of filesystem events (editors often
// write, chmod and rename in quick succession).
const DefaultWatchSettle = 250 * time.Millisecond

// Watcher invokes a callback whenever a watched file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	names   map[string]struct{}
	settle  time.Duration
	onEvent func()
	logger  pslog.Logger
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// WatchFiles watches the parent directories of paths, so replacing a file by
// rename is noticed too, and calls onChange after events settle.
func WatchFiles(paths []string, settle time.Duration, logger pslog.Logger, onChange func()) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("keys: no files to watch")
	}
	if settle <= 0 {
		settle = DefaultWatchSettle
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("keys: create watcher: %w", err)
	}
	w := &Watcher{
		watcher: fw,
		names:   make(map[string]struct{}, len(paths)),
		settle:  settle,
		onEvent: onChange,
		logger:  svcfields.WithSubsystem(logger, "keys.watch"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	dirs := map[string]struct{}{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("keys: resolve %q: %w", p, err)
		}
		w.names[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("keys: watch %q: %w", dir, err)
		}
	}
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, watched := w.names[filepath.Clean(ev.Name)]; !watched {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("keys.watch.event", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.settle)
			} else {
				timer.Reset(w.settle)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("keys.watch.error", "error", err)
		case <-fire:
			fire = nil
			if w.onEvent != nil {
				w.onEvent()
			}
		}
	}
}
