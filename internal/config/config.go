package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/relaycode/relayd/internal/logging"
)

// Config holds relayd's daemon-level settings.
type Config struct {
	// ListenAddr is the address the wire server binds to, e.g. ":4180".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR, FATAL.
	LogLevel string `yaml:"log_level"`

	// LagGraceMS is a grace period in milliseconds for slow live
	// subscribers. It is loaded and saved but not read by any component: the
	// event log declares a subscriber lagged when its buffer of
	// EventBufferSize events overflows, regardless of time.
	LagGraceMS int `yaml:"lag_grace_ms"`

	// EventBufferSize is the per-subscriber live event channel capacity.
	EventBufferSize int `yaml:"event_buffer_size"`

	// IdleTimeoutSeconds is an idle window in seconds for sessions. It is
	// loaded and saved but not read by any component; no sweep fails idle
	// sessions.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// AssistantCommand is the argv used to spawn the assistant process for
	// each new session, e.g. ["claude", "--print", "--output-format",
	// "stream-json"].
	AssistantCommand []string `yaml:"assistant_command,omitempty"`

	// AssistantWorkDir is the working directory the assistant process is
	// spawned in. Empty means the daemon's own working directory.
	AssistantWorkDir string `yaml:"assistant_work_dir"`
}

// Default returns relayd's default configuration.
func Default() Config {
	return Config{
		ListenAddr:         ":4180",
		LogLevel:           "INFO",
		LagGraceMS:         2000,
		EventBufferSize:    256,
		IdleTimeoutSeconds: 0,
	}
}

// Load reads a YAML config file at path, applying defaults for any field
// absent from the file. A missing file is not an error; defaults are
// returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Watcher reloads a config file on write or create and exposes the whole
// reloaded Config through Current. It applies nothing itself: a changed
// listen address or log level takes effect only where a caller reads
// Current and acts on it.
type Watcher struct {
	mu      sync.Mutex
	path    string
	current Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path for changes, seeding current with cfg.
func NewWatcher(path string, cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		// The file may not exist yet; watch its directory instead is out
		// of scope for this simple reload loop, so we just surface the
		// error to the caller who decides whether to retry later.
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		current: cfg,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				logging.Logger.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			logging.Logger.Info().Str("path", w.path).Msg("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
