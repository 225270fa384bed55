package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher reloads the configuration file when it changes on disk
type Watcher struct {
	v        *viper.Viper
	logger   *slog.Logger
	onChange func(old, updated *Config)

	mu      sync.Mutex
	current *Config
}

// Watch loads path and calls onChange with every subsequent valid revision.
// Invalid revisions are logged and ignored; the previous config stays current.
func Watch(path string, logger *slog.Logger, onChange func(old, updated *Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v, logger: logger, onChange: onChange, current: cfg}
	v.OnConfigChange(w.reload)
	v.WatchConfig()
	return w, nil
}

// Current returns the last valid configuration
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) reload(e fsnotify.Event) {
	updated, err := decode(w.v)
	if err != nil {
		w.logger.Error("config reload rejected", "file", e.Name, "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.mu.Unlock()

	changes := Diff(old, updated)
	if len(changes) == 0 {
		w.logger.Debug("config file touched, no changes", "file", e.Name)
		return
	}
	w.logger.Info("config reloaded", "file", e.Name, "changes_count", len(changes))
	for _, change := range changes {
		w.logger.Info("config changed", "change", change)
	}

	if w.onChange != nil {
		w.onChange(old, updated)
	}
}

// Diff lists the top-level sections that differ between two configs
func Diff(old, updated *Config) []string {
	if old == nil || updated == nil {
		return nil
	}
	var changes []string
	if old.Session.Region != updated.Session.Region {
		changes = append(changes, fmt.Sprintf("session.region: %s → %s", old.Session.Region, updated.Session.Region))
	}
	if old.Session.SettingsFile != updated.Session.SettingsFile {
		changes = append(changes, fmt.Sprintf("session.settings_file: %q → %q", old.Session.SettingsFile, updated.Session.SettingsFile))
	}
	if old.Session.ResetStateOnApply != updated.Session.ResetStateOnApply {
		changes = append(changes, fmt.Sprintf("session.reset_state_on_apply: %t → %t", old.Session.ResetStateOnApply, updated.Session.ResetStateOnApply))
	}
	if old.Debug != updated.Debug {
		changes = append(changes, fmt.Sprintf("debug: %t → %t", old.Debug, updated.Debug))
	}
	if !reflect.DeepEqual(old.Source, updated.Source) {
		changes = append(changes, "source (requires restart)")
	}
	if !reflect.DeepEqual(old.Engine, updated.Engine) {
		changes = append(changes, "engine (requires restart)")
	}
	if old.MQTT != updated.MQTT {
		changes = append(changes, "mqtt (requires restart)")
	}
	return changes
}
