package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// fileStamp identifies one version of the config file.
type fileStamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// Watcher reloads a config file when its content changes and hands every
// valid new version to a callback. Invalid versions are logged once and
// otherwise ignored; the last valid config stays current.
//
// Changes are picked up by polling and by explicit [Watcher.Reload] calls
// (e.g. on SIGHUP). Callbacks never run concurrently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	reloadMu sync.Mutex // serialises Reload, including the callback
	seen     fileStamp  // last version read, valid or not
	rejected bool       // seen failed validation

	mu      sync.Mutex
	current *Config

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero disables polling so that
// only [Watcher.Reload] picks up changes. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for reload events. Default: [slog.Default].
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed; onChange is not called for it.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("path", path)

	stamp, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, stamp

	if w.interval > 0 {
		go w.poll()
	} else {
		close(w.stopped)
	}
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now. It reports whether a new valid config was
// applied; the error is the validation or read failure of the file's
// current content, if any.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	stamp, data, err := w.read()
	if err != nil {
		w.log.Warn("config reload: cannot read file", "err", err)
		return false, err
	}
	if stamp.sum == w.seen.sum {
		w.seen = stamp
		if w.rejected {
			_, err := LoadFromReader(bytes.NewReader(data))
			return false, err
		}
		return false, nil
	}
	w.seen = stamp

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.rejected = true
		w.log.Warn("config reload rejected, keeping previous config", "err", err)
		return false, err
	}
	w.rejected = false

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("config reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// Stop ends polling and waits for an in-flight reload to finish. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if w.touched() {
				_, _ = w.Reload()
			}
		}
	}
}

// touched reports whether the file's size or mtime moved since the last
// read. Stat errors count as touched so Reload logs them.
func (w *Watcher) touched() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return true
	}
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return !info.ModTime().Equal(w.seen.mod) || info.Size() != w.seen.size
}

func (w *Watcher) read() (fileStamp, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	return fileStamp{mod: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, data, nil
}
