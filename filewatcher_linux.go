// Completion: 100% - inotify file watcher
//go:build linux

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_ATTRIB | unix.IN_MOVE_SELF | unix.IN_DELETE_SELF

// FileWatcher reports changes to a set of files
type FileWatcher struct {
	fd       int
	mu       sync.Mutex
	watchMap map[int]string
	batch    *changeBatcher
}

// NewFileWatcher creates a watcher that calls onChange with every batch
// of changed files
func NewFileWatcher(onChange func([]string)) (*FileWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init failed: %w", err)
	}
	return &FileWatcher{
		fd:       fd,
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
	wd, err := unix.InotifyAddWatch(fw.fd, absPath, inotifyMask)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", absPath, err)
	}
	fw.mu.Lock()
	fw.watchMap[wd] = absPath
	fw.mu.Unlock()
	return nil
}

// Watch delivers changes until ctx is done
func (fw *FileWatcher) Watch(ctx context.Context) {
	buf := make([]byte, (unix.SizeofInotifyEvent+256)*16)

	for ctx.Err() == nil {
		n, err := unix.Read(fw.fd, buf)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				verbosef("reading inotify events: %v", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			offset += unix.SizeofInotifyEvent + int(event.Len)

			fw.mu.Lock()
			path := fw.watchMap[int(event.Wd)]
			fw.mu.Unlock()
			if path == "" {
				continue
			}

			fw.batch.add(path)
			if event.Mask&(unix.IN_MOVE_SELF|unix.IN_DELETE_SELF|unix.IN_IGNORED) != 0 {
				// Editors that save by renaming leave the old watch behind
				fw.mu.Lock()
				delete(fw.watchMap, int(event.Wd))
				fw.mu.Unlock()
				unix.InotifyRmWatch(fw.fd, uint32(event.Wd))
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
	return unix.Close(fw.fd)
}
