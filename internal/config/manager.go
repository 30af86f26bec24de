package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "locatorbot/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// Change is one committed config reload.
type Change struct {
	Old, New *Config
	// Sections lists the changed top-level keys, sorted.
	Sections []string
	// Attrs summarizes the new values without secrets, for logging.
	Attrs []logx.Field
}

// Restart lists the changed sections that only apply after a restart.
func (c Change) Restart() []string { return RestartRequired(c.Sections) }

func newChange(oldCfg, newCfg *Config) Change {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	return Change{Old: oldCfg, New: newCfg, Sections: sections, Attrs: attrs}
}

// Manager holds the committed config and publishes a Change to its
// subscribers whenever a reload commits a different config.
type Manager struct {
	path string

	log      logx.Logger
	validate func(*Config) error

	mu   sync.RWMutex
	cfg  *Config
	fp   uint64
	subs []chan Change
}

func NewManager(path string) *Manager { return &Manager{path: path, log: logx.Nop()} }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log.With(logx.String("path", m.path)) }

// SetValidator installs the check every reload must pass before it is
// committed. Load does not run it; the caller validates the first config.
func (m *Manager) SetValidator(fn func(*Config) error) { m.validate = fn }

// Load reads and commits the config file.
func (m *Manager) Load() (*Config, error) {
	cfg, _, err := ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.fp = cfg, fingerprint(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel of committed changes. When the subscriber
// falls behind, queued changes are merged so the newest config is never
// lost and Old still names the config the subscriber last saw.
func (m *Manager) Subscribe(buffer int) <-chan Change {
	ch := make(chan Change, max(1, buffer))
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch <-chan Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(s)
			return
		}
	}
}

// Reload re-reads the file and commits it when it differs from the current
// config and passes validation. It reports whether a change was published.
// A rejected file leaves the current config in place.
func (m *Manager) Reload() (bool, error) {
	cfg, _, err := ReadFile(m.path)
	if err != nil {
		return false, err
	}
	fp := fingerprint(cfg)

	m.mu.RLock()
	same := fp != 0 && fp == m.fp
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	change := newChange(m.cfg, cfg)
	m.cfg, m.fp = cfg, fp
	for _, ch := range m.subs {
		offer(ch, change)
	}
	return true, nil
}

// offer delivers c without blocking. On a full channel the oldest queued
// change is folded into c.
func offer(ch chan Change, c Change) {
	for {
		select {
		case ch <- c:
			return
		default:
		}
		select {
		case old := <-ch:
			c = newChange(old.Old, c.New)
		default:
		}
	}
}

// Watch reloads the config when its file changes, until ctx ends. The
// directory is watched, not the file, so editors that replace the file by
// rename are still seen. A failed watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	retry := watchRetryMin
	for {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher failed; restarting", logx.Err(err), logx.Duration("backoff", retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
		retry = min(retry*2, watchRetryMax)
	}
}

func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	m.log.Debug("config watcher started")

	name := filepath.Base(m.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fsnotify.ErrClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fsnotify.ErrClosed
			}
			if err == fsnotify.ErrEventOverflow {
				m.log.Warn("config watch overflow; reloading")
				debounce.Reset(reloadDebounce)
				continue
			}
			return err
		case <-debounce.C:
			m.reloadAndLog()
		}
	}
}

func (m *Manager) reloadAndLog() {
	changed, err := m.Reload()
	switch {
	case err != nil:
		m.log.Warn("config rejected", logx.String("field", FieldPath(err)), logx.Err(err))
	case !changed:
		m.log.Debug("config file touched without changes")
	default:
		m.log.Debug("config committed")
	}
}
