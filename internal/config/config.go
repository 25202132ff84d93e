// Package config loads pgwire's ambient, driver-wide settings — the
// defaults and operational knobs that apply across every Session an
// application creates, as distinct from ConnectionParameters (user,
// host, port, password), which the application builds directly and
// passes to NewSession. Grounded on the teacher's YAML + ${VAR}
// substitution + fsnotify hot-reload loader.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is pgwire's ambient configuration: logging, default timeouts,
// frame-size limits, TLS trust, and diagnostics — never a connection's
// own parameters.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// LogConfig controls the structured logger every package in this module
// writes through (log/slog), mirroring the teacher's top-level logging
// knobs.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ParsedLevel parses Level into a slog.Level, defaulting to Info on empty or
// unrecognized input.
func (lc LogConfig) ParsedLevel() slog.Level {
	switch lc.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultsConfig holds driver-wide default values. This package only loads
// them; nothing applies them to ConnectionParameters automatically
// (cmd/pgwire-demo copies ConnectTimeout and QueryReadTimeout into the
// parameters it builds).
type DefaultsConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	QueryReadTimeout  time.Duration `yaml:"query_read_timeout"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	TLSRootCAFile     string        `yaml:"tls_root_ca_file"`
	KeepaliveIdle     time.Duration `yaml:"keepalive_idle"`
	KeepaliveEnabled  bool          `yaml:"keepalive_enabled"`
}

// DiagnosticsConfig controls internal/diag and internal/metrics
// exposure. Disabled by default — an application opts in per Session via
// pgwire.WithDiagServer.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unmatched patterns untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Defaults.ConnectTimeout == 0 {
		cfg.Defaults.ConnectTimeout = 10 * time.Second
	}
	if cfg.Defaults.QueryReadTimeout == 0 {
		cfg.Defaults.QueryReadTimeout = 30 * time.Second
	}
	if cfg.Defaults.MaxFrameSize == 0 {
		cfg.Defaults.MaxFrameSize = 1 << 28
	}
	if cfg.Diagnostics.Addr == "" {
		cfg.Diagnostics.Addr = "127.0.0.1:6060"
	}
}

// Watcher watches a config file for changes and calls the callback with
// the newly reloaded Config, debounced against rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "path", cw.path, "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
