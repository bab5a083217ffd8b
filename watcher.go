// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package languagebind

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 400 * time.Millisecond

// FileWatcher calls onChange after a file settles. The parent directory is
// watched so that editors which replace the file by rename are seen.
type FileWatcher struct {
	path     string
	onChange func()
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
}

// NewFileWatcher creates a watcher for path. debounce <= 0 uses 400ms.
func NewFileWatcher(path string, debounce time.Duration, onChange func(), logger *zap.Logger) *FileWatcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start watches until ctx is cancelled or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher
	w.logger.Info("Watching file for changes", zap.String("path", w.path))
	go w.run(ctx)
	return nil
}

func (w *FileWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *FileWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Stop stops watching. Pending callbacks are cancelled.
func (w *FileWatcher) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}
