package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the config file when it changes on disk and hands the
// new value to a callback. Invalid edits are logged and ignored so the last
// good configuration stays in effect.
type Watcher struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	onChange func(*Config)

	mutex   sync.RWMutex
	current *Config

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWatcher starts watching path. The directory is watched rather than the
// file so editors that replace the file on save are still picked up.
func NewWatcher(path string, initial *Config, logger *logrus.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     abs,
		logger:   logger,
		watcher:  fw,
		onChange: onChange,
		current:  initial,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go w.run()

	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.current
}

func (w *Watcher) run() {
	defer close(w.doneChan)
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid config change")
		return
	}

	w.mutex.Lock()
	w.current = cfg
	w.mutex.Unlock()

	w.logger.WithField("path", w.path).Info("Configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.stopChan)
	err := w.watcher.Close()
	<-w.doneChan
	return err
}
