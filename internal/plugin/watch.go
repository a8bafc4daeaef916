package plugin

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Change is a debounced notice that a plugin script changed on disk.
type Change struct {
	Name string
	Op   string
}

// Watcher reports edits to plugin scripts. It never reloads anything; the
// operator decides when to run a reload.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	log         *zap.Logger
	notify      func([]Change)
	pending     map[string]pendingChange
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

type pendingChange struct {
	op string
	at time.Time
}

func NewWatcher(dir string, log *zap.Logger, notify func([]Change)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		watcher:     w,
		dir:         dir,
		log:         log,
		notify:      notify,
		pending:     make(map[string]pendingChange),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching in a goroutine. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0700); err != nil {
		w.log.Warn("plugin dir unavailable", zap.String("dir", w.dir), zap.Error(err))
	}
	if err := w.watcher.Add(w.dir); err != nil {
		w.log.Warn("plugin watch failed", zap.String("dir", w.dir), zap.Error(err))
	}
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()
	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.log.Debug("plugin watcher close", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("plugin watcher error", zap.Error(err))
		case now := <-tick.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name, ok := scriptName(ev.Name)
	if !ok {
		return
	}
	var op string
	switch {
	case ev.Op&fsnotify.Create != 0:
		op = "added"
	case ev.Op&fsnotify.Write != 0:
		op = "modified"
	case ev.Op&fsnotify.Remove != 0:
		op = "removed"
	case ev.Op&fsnotify.Rename != 0:
		op = "renamed"
	default:
		return
	}
	w.mu.Lock()
	prev, seen := w.pending[name]
	// a create followed by writes is still an addition
	if seen && prev.op == "added" && op == "modified" {
		op = "added"
	}
	w.pending[name] = pendingChange{op: op, at: time.Now()}
	w.mu.Unlock()
}

func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []Change
	for name, p := range w.pending {
		if now.Sub(p.at) >= w.debounceDur {
			ready = append(ready, Change{Name: name, Op: p.op})
			delete(w.pending, name)
		}
	}
	w.mu.Unlock()
	if len(ready) == 0 || w.notify == nil {
		return
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })
	w.notify(ready)
}
