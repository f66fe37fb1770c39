package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when its file changes on disk and
// hands the validated result to the callback. Invalid or unreadable
// updates are logged and skipped, keeping the last good config in
// effect. The consumer applies changes at its own boundary, typically
// the start of the next task.
type Watcher struct {
	loader   *Loader
	onChange func(*Config)
	logger   zerolog.Logger

	fs   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts watching the loader's config file. The callback runs
// on the watcher goroutine; it must not block for long.
func NewWatcher(loader *Loader, onChange func(*Config), logger zerolog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and atomic writers
	// replace the file, which drops a direct file watch.
	if err := fs.Add(filepath.Dir(loader.GetConfigPath())); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		onChange: onChange,
		logger:   logger,
		fs:       fs,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	target := filepath.Clean(w.loader.GetConfigPath())
	// Debounce bursts: editors fire several events per save.
	var pending <-chan time.Time

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Config reload invalid, keeping previous")
		return
	}
	w.logger.Info().Msg("Config reloaded")
	w.onChange(cfg)
}
