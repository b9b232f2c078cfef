package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Loader owns the current configuration of a long-running command and
// swaps it when the file changes on disk.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  *Config
	onChange []func(old, new *Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped sync.Once
	errs    chan error
}

// NewLoader returns a loader for path, or ConfigPath() when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{path: path, done: make(chan struct{}), errs: make(chan error, 1)}
}

// Path returns the watched configuration file.
func (l *Loader) Path() string { return l.path }

// Load reads, migrates and validates the file and makes it current.
func (l *Loader) Load() (*Config, error) {
	cfg, err := loadValid(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func loadValid(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers cb to run after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors delivers reload and watcher failures. Only the latest unread
// error is kept.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the file whenever it changes. A file that fails to load or
// validate is reported on Errors and the current configuration is kept.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors save by rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	go l.run()
	return nil
}

func (l *Loader) run() {
	name := filepath.Base(l.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Has(fsnotify.Write|fsnotify.Create) {
				debounce.Reset(reloadDebounce)
			}
		case <-debounce.C:
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) reload() {
	next, err := loadValid(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	prev := l.current
	l.current = next
	callbacks := slices.Clone(l.onChange)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(prev, next)
	}
}

func (l *Loader) report(err error) {
	select {
	case <-l.errs:
	default:
	}
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	var err error
	l.stopped.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

// loadConfigFromFile reads and parses a config file based on its extension.
// Paths left at their defaults follow a data_dir set in the file.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	defaults := DefaultConfig()
	cfg := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.DataDir != defaults.DataDir {
		rebase(cfg, defaults)
	}
	return cfg, nil
}

// rebase moves every path still equal to its default under cfg.DataDir.
func rebase(cfg, defaults *Config) {
	moved := defaultsFor(cfg.DataDir)
	if cfg.Markers.Dir == defaults.Markers.Dir {
		cfg.Markers.Dir = moved.Markers.Dir
	}
	if cfg.Records.Dir == defaults.Records.Dir {
		cfg.Records.Dir = moved.Records.Dir
	}
	if cfg.Journal.Path == defaults.Journal.Path {
		cfg.Journal.Path = moved.Journal.Path
	}
	if cfg.DeviceKey.SeedPath == defaults.DeviceKey.SeedPath {
		cfg.DeviceKey.SeedPath = moved.DeviceKey.SeedPath
	}
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads the configuration from the specified path,
// writing a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
