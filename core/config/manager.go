package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TOOLRT_"

// Manager holds the active configuration. Readers get an immutable snapshot;
// Load swaps in a new one and notifies watchers.
type Manager struct {
	current   atomic.Pointer[Config]
	path      string
	logger    *slog.Logger
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
	closeOnce sync.Once
}

// NewManager creates a manager for the YAML file at path. An empty path
// means defaults plus environment only.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:      path,
		logger:    logger,
		stopWatch: make(chan struct{}),
	}
	m.current.Store(DefaultConfig())
	return m
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

func (m *Manager) Path() string {
	return m.path
}

// Load rebuilds the configuration from defaults, the file and the
// environment. An invalid result leaves the previous snapshot in place.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadYAMLFile(m.path, cfg); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.current.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	DeepMerge(cfg, &file)
	return nil
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv(envPrefix + "CLEANUP_NETWORK_GRACE"); v != "" {
		cfg.Cleanup.NetworkGrace = v
	}
	if v := os.Getenv(envPrefix + "CLEANUP_UNREGISTER_TIMEOUT"); v != "" {
		cfg.Cleanup.UnregisterTimeout = v
	}
	if v := os.Getenv(envPrefix + "RECOVERY_MAX_ESCALATION_STEPS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Recovery.MaxEscalationSteps = n
		}
	}
	if v := os.Getenv(envPrefix + "RECOVERY_HISTORY_SIZE"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Recovery.HistorySize = n
		}
	}
	if v := os.Getenv(envPrefix + "RECOVERY_STEP_DELAY"); v != "" {
		cfg.Recovery.StepDelay = v
	}
	if v := os.Getenv(envPrefix + "THROTTLE_RATE"); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Throttle.Rate = f
		}
	}
	if v := os.Getenv(envPrefix + "THRESHOLD_WARNING"); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Thresholds.Warning = f
		}
	}
	if v := os.Getenv(envPrefix + "SAMPLER_INTERVAL"); v != "" {
		cfg.Sampler.Interval = v
	}
	if v := os.Getenv(envPrefix + "JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv(envPrefix + "RUNTIME_EMERGENCY_SHUTDOWN"); v != "" {
		cfg.Runtime.EmergencyShutdown = strings.ToLower(v) == "true"
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

// Watch reloads the configuration whenever the file changes, until ctx ends
// or the manager is closed. The parent directory is watched so editors that
// replace the file by rename are picked up.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return errors.New("no config file to watch")
	}
	started := false
	m.watchOnce.Do(func() { started = true })
	if !started {
		return errors.New("config watch already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopWatch:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("config reload failed", "path", m.path, "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", m.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
