// Completion: 100% - Rebuild on change
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// watchSkipDirs are never descended into when collecting watched files
var watchSkipDirs = map[string]bool{
	"__pycache__":  true,
	".git":         true,
	".hg":          true,
	"node_modules": true,
}

// watchedFiles lists the files of a project that trigger a rebuild: the
// manifest, the extra PRC files and every file under the project directory
// outside the build base
func watchedFiles(cfg *ProjectConfig) ([]string, error) {
	buildBase := filepath.Clean(cfg.Resolve(cfg.BuildBase))
	files := []string{filepath.Join(cfg.Dir, ProjectFile)}
	for _, prc := range cfg.ExtraPRCFiles {
		files = append(files, cfg.Resolve(prc))
	}

	err := filepath.WalkDir(cfg.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files may vanish while walking
			return nil
		}
		if d.IsDir() {
			if p != cfg.Dir && (watchSkipDirs[d.Name()] || filepath.Clean(p) == buildBase) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(p, ".pyc") || p == filepath.Join(cfg.Dir, ProjectFile) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, IOError("walk", cfg.Dir, err)
	}
	return files, nil
}

// watchProject builds the project at path, then rebuilds it whenever one of
// its files changes, until ctx is done. The manifest is read again before
// every rebuild.
func watchProject(ctx context.Context, cc *CommandContext, path string) error {
	cfg, err := LoadProjectConfig(path)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	watched := make(map[string]bool)
	var watcher *FileWatcher

	// addFiles starts watching the files that appeared since the last build
	addFiles := func(cfg *ProjectConfig) {
		files, err := watchedFiles(cfg)
		if err != nil {
			warnf("%v", err)
			return
		}
		for _, f := range files {
			if watched[f] {
				continue
			}
			if err := watcher.AddFile(f); err != nil {
				verbosef("%v", err)
				continue
			}
			watched[f] = true
		}
	}

	build := func(cfg *ProjectConfig) error {
		if cc.OutputPath != "" {
			cfg.BuildBase = cc.OutputPath
		}
		c, err := newCompiler(ctx, cc, cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		b := NewBuilder(cfg, c)
		defer b.Close()
		b.Update = cc.UpdateDeps
		return b.Build(ctx)
	}

	rebuild := func(trigger string) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		infof("\n[%s] %s", time.Now().Format("15:04:05"), trigger)

		next, err := LoadProjectConfig(path)
		if err != nil {
			warnf("%v", err)
			return
		}
		start := time.Now()
		if err := build(next); err != nil {
			warnf("build failed: %v", err)
			return
		}
		infof("Built in %s", time.Since(start).Round(time.Millisecond))
		cfg = next
		addFiles(cfg)
	}

	infof("Watching %s", cfg.Dir)
	infof("Press Ctrl+C to stop, or run 'kill -USR1 %d' to rebuild", os.Getpid())
	infof("[%s] Initial build...", time.Now().Format("15:04:05"))
	if err := build(cfg); err != nil {
		return fmt.Errorf("initial build failed: %w", err)
	}

	dir := cfg.Dir
	watcher, err = NewFileWatcher(func(paths []string) {
		names := make([]string, len(paths))
		for i, p := range paths {
			names[i] = relSlash(dir, p)
		}
		rebuild("Changed: " + strings.Join(names, ", "))
	})
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	mu.Lock()
	addFiles(cfg)
	mu.Unlock()

	setupRebuildSignal(ctx, rebuild)
	watcher.Watch(ctx)
	return nil
}

// cmdWatch builds a project and keeps rebuilding it on change
func cmdWatch(ctx context.Context, cc *CommandContext, args []string) error {
	return watchProject(ctx, cc, projectArg(args))
}
