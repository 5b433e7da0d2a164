// Completion: 100% - kqueue file watcher
//go:build darwin || freebsd

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileWatcher reports changes to a set of files
type FileWatcher struct {
	kq       int
	mu       sync.Mutex
	watchMap map[int]string
	batch    *changeBatcher
}

// NewFileWatcher creates a watcher that calls onChange with every batch
// of changed files
func NewFileWatcher(onChange func([]string)) (*FileWatcher, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue failed: %w", err)
	}
	return &FileWatcher{
		kq:       kq,
		watchMap: make(map[int]string),
		batch:    newChangeBatcher(watchDebounce, onChange),
	}, nil
}

// AddFile starts watching path
func (fw *FileWatcher) AddFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fd, err := unix.Open(absPath, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", absPath, err)
	}

	var event unix.Kevent_t
	unix.SetKevent(&event, fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_CLEAR)
	event.Fflags = unix.NOTE_WRITE | unix.NOTE_ATTRIB | unix.NOTE_RENAME | unix.NOTE_DELETE
	if _, err := unix.Kevent(fw.kq, []unix.Kevent_t{event}, nil, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to add kevent for %s: %w", absPath, err)
	}

	fw.mu.Lock()
	fw.watchMap[fd] = absPath
	fw.mu.Unlock()
	return nil
}

// Watch delivers changes until ctx is done
func (fw *FileWatcher) Watch(ctx context.Context) {
	events := make([]unix.Kevent_t, 16)
	timeout := unix.NsecToTimespec(int64(200 * time.Millisecond))

	for ctx.Err() == nil {
		n, err := unix.Kevent(fw.kq, nil, events, &timeout)
		if err != nil {
			if err != unix.EINTR {
				verbosef("reading kevent: %v", err)
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}

		for _, event := range events[:n] {
			fd := int(event.Ident)
			fw.mu.Lock()
			path := fw.watchMap[fd]
			fw.mu.Unlock()
			if path == "" {
				continue
			}

			fw.batch.add(path)
			if event.Fflags&(unix.NOTE_RENAME|unix.NOTE_DELETE) != 0 {
				fw.mu.Lock()
				delete(fw.watchMap, fd)
				fw.mu.Unlock()
				unix.Close(fd)
				if err := fw.AddFile(path); err != nil {
					verbosef("no longer watching %s: %v", path, err)
				}
			}
		}
	}
}

// Close stops watching all files
func (fw *FileWatcher) Close() error {
	fw.batch.stop()
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for fd := range fw.watchMap {
		unix.Close(fd)
	}
	return unix.Close(fw.kq)
}
