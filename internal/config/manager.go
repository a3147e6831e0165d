package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pulsebot/pkg/logx"
)

// Change is published to subscribers when a reload commits a new config.
type Change struct {
	Prev, Next *Config
	// Sections lists what differs, see ChangedSections.
	Sections []string
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// ConfigManager owns the committed config and publishes reloads.
type ConfigManager struct {
	path string
	log  logx.Logger

	// debounce is how long Watch waits after the last write before reloading.
	debounce time.Duration

	mu  sync.RWMutex
	cfg *Config

	subsMu sync.Mutex
	subs   map[chan Change]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		log:      logx.Nop(),
		debounce: 250 * time.Millisecond,
		subs:     map[chan Change]struct{}{},
	}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

func (m *ConfigManager) Path() string { return m.path }

// Parse reads the file, expands ${VAR} references, decodes it, overlays
// PULSE_* variables and validates the result. Nothing is committed.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, []byte(os.ExpandEnv(string(b))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and commits the file without notifying subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel of committed changes and a cancel func.
// A slow subscriber only ever misses intermediate changes, never the latest one.
func (m *ConfigManager) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

// Reload parses the file and, when some section changed, commits and publishes it.
// It returns the change (empty Sections when nothing differs).
func (m *ConfigManager) Reload() (Change, error) {
	next, err := m.Parse()
	if err != nil {
		return Change{}, err
	}
	m.mu.Lock()
	prev := m.cfg
	sections := ChangedSections(prev, next)
	if len(sections) > 0 {
		m.cfg = next
	}
	m.mu.Unlock()

	c := Change{Prev: prev, Next: next, Sections: sections}
	if len(sections) == 0 {
		return c, nil
	}
	m.publish(c)
	return c, nil
}

func (m *ConfigManager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- c:
			default:
				// Full: drop the oldest pending change and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (m *ConfigManager) reload() {
	c, err := m.Reload()
	if err != nil {
		m.log.Warn("config rejected; keeping the previous one", logx.String("path", m.path), logx.Err(err))
		return
	}
	if len(c.Sections) == 0 {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	m.log.Info("config reloaded", logx.String("path", m.path), logx.Strs("sections", c.Sections))
}

// Watch reloads the config when the file changes, until ctx is done.
// Writes are debounced so a half-written file is not parsed.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	// Watch the directory: editors replace files by rename, which drops a file watch.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	timer := time.NewTimer(m.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}
