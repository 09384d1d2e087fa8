package platform

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// pollInterval is the fallback scan period when kernel notification is
	// unavailable.
	pollInterval = 200 * time.Millisecond
	// reconcileInterval bounds how stale a consumer can be when kernel
	// events are dropped under load.
	reconcileInterval = 2 * time.Second
)

// Watcher reports that something under a directory changed. Signals are
// coalesced: a pending signal absorbs later ones, so consumers must treat
// each signal as "go look", not as one-event-per-change. Kernel events are
// lossy under load; a periodic reconcile tick guarantees eventual delivery.
type Watcher struct {
	// C receives a value whenever the directory may have changed.
	C <-chan struct{}

	dir     string
	signals chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	log     *slog.Logger
}

// WatchDir watches the immediate children of dir. The directory is created
// if missing. Close releases all resources; C is never closed, so pending
// reads must select against their own context.
func WatchDir(dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	signals := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		C:       signals,
		dir:     dir,
		signals: signals,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     slog.With("component", "watch", "dir", dir),
	}

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			fw = nil
		}
	} else {
		fw = nil
	}

	if fw != nil {
		go w.runNotify(ctx, fw)
	} else {
		w.log.Warn("kernel notification unavailable, polling")
		go w.runPoll(ctx)
	}
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() {
	w.cancel()
	<-w.done
}

func (w *Watcher) signal() {
	select {
	case w.signals <- struct{}{}:
	default:
	}
}

func (w *Watcher) runNotify(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()

	reconcile := time.NewTicker(reconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				w.signal()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			// A dropped event queue means we may have missed changes.
			w.log.Warn("watch error", "error", err)
			w.signal()
		case <-reconcile.C:
			w.signal()
		}
	}
}

func (w *Watcher) runPoll(ctx context.Context) {
	defer close(w.done)

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	var prev string
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			cur := w.fingerprint()
			if cur != prev {
				prev = cur
				w.signal()
			}
		}
	}
}

// fingerprint summarises the directory listing cheaply enough to poll.
func (w *Watcher) fingerprint() string {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return "err:" + err.Error()
	}
	var b []byte
	for _, e := range entries {
		b = append(b, e.Name()...)
		b = append(b, 0)
	}
	return string(b)
}
