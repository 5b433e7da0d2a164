// Completion: 100% - Batched change notification shared by the file watchers
package main

import (
	"sort"
	"sync"
	"time"
)

// watchDebounce is how long the watcher waits for more changes before it
// reports a batch. Editors and version control touch many files at once.
const watchDebounce = 500 * time.Millisecond

// changeBatcher collects changed paths and reports them together once no
// further change arrived for the debounce delay
type changeBatcher struct {
	mu       sync.Mutex
	pending  map[string]bool
	timer    *time.Timer
	delay    time.Duration
	onChange func(paths []string)
}

func newChangeBatcher(delay time.Duration, onChange func([]string)) *changeBatcher {
	return &changeBatcher{
		pending:  make(map[string]bool),
		delay:    delay,
		onChange: onChange,
	}
}

func (b *changeBatcher) add(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[path] = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.flush)
}

func (b *changeBatcher) flush() {
	b.mu.Lock()
	paths := make([]string, 0, len(b.pending))
	for p := range b.pending {
		paths = append(paths, p)
	}
	b.pending = make(map[string]bool)
	b.timer = nil
	b.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	b.onChange(paths)
}

func (b *changeBatcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
