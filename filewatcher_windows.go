// Completion: 100% - Polling file watcher
//go:build windows

package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileWatcher reports changes to a set of files by polling their
// modification times
type FileWatcher struct {
	mu       sync.Mutex
	watchMap map[string]time.Time
	batch    *changeBatcher
}

// NewFileWatcher creates a watcher that calls onChange with every batch
// of changed files
func NewFileWatcher(onChange func([]string)) (*FileWatcher, error) {
	return &FileWatcher{
		watchMap: make(map[string]time.Time),
		batch:    newChangeBatcher(watchDebounce, onChange),
	}, nil
}

// AddFile starts watching path
func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	var modTime time.Time
	if info, err := os.Stat(absPath); err == nil {
		modTime = info.ModTime()
	}
	fw.mu.Lock()
	fw.watchMap[absPath] = modTime
	fw.mu.Unlock()
	return nil
}

// Watch delivers changes until ctx is done
func (fw *FileWatcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(watchDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.checkFiles()
		case <-ctx.Done():
			return
		}
	}
}

func (fw *FileWatcher) checkFiles() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for path, lastMod := range fw.watchMap {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(lastMod) {
			fw.watchMap[path] = info.ModTime()
			fw.batch.add(path)
		}
	}
}

// Close stops watching all files
func (fw *FileWatcher) Close() error {
	fw.batch.stop()
	return nil
}
