package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dray-io/drayproxy/internal/logging"
)

// Watcher polls the configuration file, and the credential files it names,
// for modification and publishes a freshly loaded snapshot when any of them
// changes. Invalid files are logged and not published.
type Watcher struct {
	path   string
	feed   *Feed
	logger *logging.Logger
	lookup LookupFunc

	mu        sync.Mutex
	lastMod   map[string]time.Time
	onPoll    func()
	overrides func(*Config)
}

// NewWatcher creates a watcher for path publishing into feed.
func NewWatcher(path string, feed *Feed, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Watcher{
		path:    path,
		feed:    feed,
		logger:  logger,
		lookup:  os.LookupEnv,
		lastMod: make(map[string]time.Time),
	}
}

// Check reloads and publishes when a watched file changed since the last
// call. It reports whether a new snapshot was published.
func (w *Watcher) Check() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.changedLocked() {
		return false, nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warnf("config reload failed", map[string]any{"path": w.path, "error": err.Error()})
		return false, err
	}
	cfg, err := Parse(data, w.lookup)
	if err != nil {
		w.logger.Warnf("config reload rejected", map[string]any{"path": w.path, "error": err.Error()})
		return false, err
	}
	if w.overrides != nil {
		w.overrides(cfg)
		if err := cfg.Validate(); err != nil {
			w.logger.Warnf("config reload rejected", map[string]any{"path": w.path, "error": err.Error()})
			return false, err
		}
	}

	w.feed.Publish(cfg)
	w.logger.Infof("config reloaded", map[string]any{"path": w.path})
	return true, nil
}

// changedLocked stats every watched file and records new mtimes. A file
// that cannot be stat'ed counts as unchanged.
func (w *Watcher) changedLocked() bool {
	files := []string{w.path}
	if cur := w.feed.Current(); cur != nil {
		for _, f := range []string{cur.Cert, cur.Key, cur.CA} {
			if f != "" {
				files = append(files, f)
			}
		}
	}

	changed := false
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if mod := info.ModTime(); !mod.Equal(w.lastMod[f]) {
			w.lastMod[f] = mod
			changed = true
		}
	}
	return changed
}

// Prime records the current mtimes without reloading, so the first Check
// only fires on a later modification.
func (w *Watcher) Prime() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changedLocked()
}

// SetOverrides registers fn to be applied to every reloaded snapshot before
// it is validated and published. Command-line flags use it to survive file
// reloads.
func (w *Watcher) SetOverrides(fn func(*Config)) {
	w.mu.Lock()
	w.overrides = fn
	w.mu.Unlock()
}

// OnPoll registers fn to be called after every poll made by Run.
func (w *Watcher) OnPoll(fn func()) {
	w.mu.Lock()
	w.onPoll = fn
	w.mu.Unlock()
}

// Run primes the watcher and polls until ctx is done. The interval is
// re-read from the current snapshot after every check.
func (w *Watcher) Run(ctx context.Context) {
	w.Prime()
	timer := time.NewTimer(w.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_, _ = w.Check()
			w.mu.Lock()
			fn := w.onPoll
			w.mu.Unlock()
			if fn != nil {
				fn()
			}
			timer.Reset(w.interval())
		}
	}
}

func (w *Watcher) interval() time.Duration {
	if cur := w.feed.Current(); cur != nil && cur.UpdateInterval > 0 {
		return cur.UpdateIntervalDuration()
	}
	return time.Duration(Default().UpdateInterval) * time.Millisecond
}
