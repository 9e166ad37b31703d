package accounts

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
)

const debounceInterval = 100 * time.Millisecond

// Watcher reloads the accounts file into a Manager when it changes on disk.
type Watcher struct {
	manager  *Manager
	filePath string
	watcher  *fsnotify.Watcher
	onReload func(accounts int)
	stopChan chan struct{}

	mu            sync.Mutex
	debounceTimer *time.Timer
	closeOnce     sync.Once
}

// NewWatcher starts watching filePath. onReload may be nil.
func NewWatcher(manager *Manager, filePath string, onReload func(accounts int)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory to catch atomic rename-over writes.
	if err := fw.Add(filepath.Dir(filePath)); err != nil {
		if closeErr := fw.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to watch accounts directory: %w", err)
	}

	w := &Watcher{
		manager:  manager,
		filePath: filePath,
		watcher:  fw,
		onReload: onReload,
		stopChan: make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// watchLoop handles file system events with debouncing.
func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.debounceTimer != nil {
				w.debounceTimer.Stop()
			}
			w.debounceTimer = time.AfterFunc(debounceInterval, w.Reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("accounts watcher error", "error", err)

		case <-w.stopChan:
			return
		}
	}
}

// Reload reads the accounts file and replaces the manager's storage.
// A file that fails to parse leaves the current pool in place.
func (w *Watcher) Reload() {
	storage, err := LoadFile(w.filePath)
	if err != nil {
		logger.Error("failed to reload accounts", "path", w.filePath, "error", err)
		return
	}

	w.manager.Replace(storage)
	logger.Info("accounts reloaded", "path", w.filePath, "accounts", len(storage.Accounts))

	if w.onReload != nil {
		w.onReload(len(storage.Accounts))
	}
}

// Close stops the file watcher and cleans up resources.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopChan)

		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()

		err = w.watcher.Close()
	})
	return err
}
