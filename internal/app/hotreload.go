package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/e7canasta/orion-scan/internal/config"
	"github.com/e7canasta/orion-scan/modules/settings"
)

// loadSettings reads the recognizer settings document. With no file the
// engine gets an empty document.
func loadSettings(cfg config.SessionConfig) (*settings.Snapshot, error) {
	opt := settings.WithResetStateOnApply(cfg.ResetStateOnApply)
	if cfg.SettingsFile == "" {
		return settings.FromValue(map[string]any{}, settings.WithName("default"), opt)
	}
	return settings.Load(cfg.SettingsFile, opt)
}

// onConfigChange applies the hot-reloadable part of a config revision:
// scanning region and recognizer settings. Everything else needs a restart.
func (s *Scanner) onConfigChange(old, updated *config.Config) {
	s.mu.Lock()
	s.cfg = updated
	running := s.isRunning
	s.mu.Unlock()
	if !running {
		return
	}

	if old.Session.Region != updated.Session.Region {
		r := updated.Session.Region
		if err := s.onLoop(func() error { return s.session.SetScanningRegion(r) }); err != nil {
			s.logger.Error("hot reload: region rejected", "region", r.String(), "error", err)
		} else {
			s.logger.Info("hot reload: region applied", "region", r.String())
		}
	}

	if old.Session.SettingsFile != updated.Session.SettingsFile ||
		old.Session.ResetStateOnApply != updated.Session.ResetStateOnApply {
		if err := s.reloadSettings(updated.Session); err != nil {
			s.logger.Error("hot reload: settings rejected", "file", updated.Session.SettingsFile, "error", err)
		}
		if old.Session.SettingsFile != updated.Session.SettingsFile {
			s.restartSettingsWatch(updated.Session.SettingsFile)
		}
	}
}

// reloadSettings loads the settings file and applies it when its content
// differs from the active snapshot
func (s *Scanner) reloadSettings(cfg config.SessionConfig) error {
	snap, err := loadSettings(cfg)
	if err != nil {
		return err
	}
	return s.onLoop(func() error {
		current := s.session.Settings()
		if current.Equal(snap) {
			s.logger.Debug("hot reload: settings unchanged", "settings", current.String())
			return nil
		}
		if err := s.session.ApplySettings(snap); err != nil {
			return err
		}
		s.logger.Info("hot reload: settings applied", "settings", snap.String())
		return nil
	})
}

// onLoop runs an error-returning session op on the control loop
func (s *Scanner) onLoop(op func() error) error {
	var opErr error
	if err := s.loop.Do(func() { opErr = op() }); err != nil {
		return err
	}
	return opErr
}

// settingsWatch re-reads the settings file whenever it is written
type settingsWatch struct {
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *Scanner) restartSettingsWatch(path string) {
	s.mu.Lock()
	prev := s.settingsWatch
	s.settingsWatch = nil
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
	if path == "" {
		return
	}

	w, err := s.watchSettings(path)
	if err != nil {
		s.logger.Warn("settings file watch disabled", "file", path, "error", err)
		return
	}
	s.mu.Lock()
	s.settingsWatch = w
	s.mu.Unlock()
}

func (s *Scanner) watchSettings(path string) (*settingsWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings watch: %w", err)
	}
	// watch the directory so atomic renames by editors are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("settings watch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &settingsWatch{watcher: watcher, cancel: cancel, done: make(chan struct{})}
	target := filepath.Clean(path)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				s.mu.RLock()
				cfg := s.cfg.Session
				s.mu.RUnlock()
				if err := s.reloadSettings(cfg); err != nil {
					s.logger.Error("settings file reload rejected", "file", path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("settings watch error", "error", err)
			}
		}
	}()
	return w, nil
}

func (w *settingsWatch) stop() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}
