package main

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher calls onChange after the watched file was written and then left
// alone for the debounce delay. Writes that leave the content unchanged are
// ignored.
type FileWatcher struct {
	log      *slog.Logger
	path     string
	debounce time.Duration
	onChange func(path string)
	crc      uint32
}

func NewFileWatcher(log *slog.Logger, path string, debounce time.Duration, onChange func(path string)) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	w := &FileWatcher{
		log:      log,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
	}
	w.crc, _ = checksum(abs)

	return w, nil
}

// Watch starts watching in the background until ctx is done. The parent
// directory is watched so that editors replacing the file are noticed.
func (w *FileWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go w.loop(ctx, watcher)
	return nil
}

func (w *FileWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "file", w.path, "error", err)

		case <-timer.C:
			w.fire()
		}
	}
}

func (w *FileWatcher) fire() {
	crc, err := checksum(w.path)
	if err != nil {
		w.log.Warn("failed to read changed file", "file", w.path, "error", err)
		return
	}

	if crc == w.crc {
		w.log.Debug("file content unchanged", "file", w.path)
		return
	}

	w.crc = crc
	w.log.Info("file changed", "file", w.path)
	w.onChange(w.path)
}

func checksum(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return crc32.Checksum(data, crc32.IEEETable), nil
}
