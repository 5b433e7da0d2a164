// Completion: 100% - Shared library dependency copying
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DependencyCopier copies executables and libraries into a build
// directory together with every shared library they load, found along a
// search path. Search path entries may point into wheels.
type DependencyCopier struct {
	// Exclude holds lowercased glob patterns of libraries that are never
	// copied. A library that cannot be found is added here, so that it is
	// reported only once.
	Exclude []string

	archives *archiveCache
	diag     *ErrorCollector
}

// NewDependencyCopier prepares a copier with the given exclusion globs
func NewDependencyCopier(exclude []string, archives *archiveCache, diag *ErrorCollector) *DependencyCopier {
	d := &DependencyCopier{archives: archives, diag: diag}
	if d.archives == nil {
		d.archives = newArchiveCache()
	}
	if d.diag == nil {
		d.diag = NewErrorCollector()
	}
	for _, pattern := range exclude {
		d.Exclude = append(d.Exclude, strings.ToLower(pattern))
	}
	return d
}

// Excluded reports whether a library name matches an exclusion glob,
// ignoring case
func (d *DependencyCopier) Excluded(name string) bool {
	lower := strings.ToLower(filepath.ToSlash(name))
	for _, pattern := range d.Exclude {
		if ok, _ := doublestar.Match(pattern, lower); ok {
			return true
		}
	}
	return false
}

// Copy copies source, which may lie inside a wheel, to target
func (d *DependencyCopier) Copy(source, target string) error {
	verbosef("copying %s -> %s", source, target)
	data, err := d.archives.readFile(source)
	if err != nil {
		return IOError("read", source, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return IOError("create directory", filepath.Dir(target), err)
	}
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(source); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return IOError("write", target, err)
	}
	return nil
}

// CopyWithDependencies copies source to target, then copies every shared
// library it depends on into target's directory. The source's own
// directory is searched too.
func (d *DependencyCopier) CopyWithDependencies(source, target string, searchPath []string) error {
	if err := d.Copy(source, target); err != nil {
		return err
	}
	if sourceDir := filepath.Dir(source); !slices.Contains(searchPath, sourceDir) {
		searchPath = append(slices.Clone(searchPath), sourceDir)
	}
	return d.CopyDependencies(target, filepath.Dir(target), searchPath, filepath.Base(target))
}

// CopyDependencies copies the dependencies of the file at target into
// targetDir. Mach-O files are flattened in place first, since all of
// their libraries end up next to them.
func (d *DependencyCopier) CopyDependencies(target, targetDir string, searchPath []string, referencedBy string) error {
	data, err := os.ReadFile(target)
	if err != nil {
		return IOError("read", target, err)
	}
	deps, rpath, rewritten, err := Dependencies(data, targetDir, true)
	if err != nil {
		// Not every file with a known magic is a loadable image
		verbosef("cannot read dependencies of %s: %v", target, err)
		return nil
	}
	if rewritten {
		if err := os.WriteFile(target, data, 0o755); err != nil {
			return IOError("write", target, err)
		}
	}
	if len(rpath) > 0 {
		searchPath = append(slices.Clone(searchPath), rpath...)
	}
	for _, dep := range deps {
		if err := d.AddDependency(dep, targetDir, searchPath, referencedBy); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency finds the library name along searchPath and copies it,
// with its own dependencies, into targetDir. A library that cannot be
// found is warned about once and then excluded.
func (d *DependencyCopier) AddDependency(name, targetDir string, searchPath []string, referencedBy string) error {
	if _, err := os.Stat(filepath.Join(targetDir, name)); err == nil {
		return nil
	}
	if d.Excluded(name) {
		return nil
	}

	for _, dir := range searchPath {
		source := filepath.Join(dir, name)
		if d.archives.isFile(source) {
			return d.CopyWithDependencies(source, filepath.Join(targetDir, name), searchPath)
		}
		// Wheels are searched case-insensitively
		if real, ok := d.archives.lookupFold(source); ok {
			return d.CopyWithDependencies(real, filepath.Join(targetDir, filepath.Base(real)), searchPath)
		}
	}

	nameLower := strings.ToLower(name)
	for _, dir := range searchPath {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.ToLower(e.Name()) == nameLower {
				return d.CopyWithDependencies(filepath.Join(dir, e.Name()), filepath.Join(targetDir, e.Name()), searchPath)
			}
		}
	}

	msg := fmt.Sprintf("could not find dependency %s (referenced by %s)", name, referencedBy)
	if d.diag.AddWarning(&FreezeError{Kind: KindResolutionMiss, Module: name, Message: msg}) {
		warnf("%s", msg)
	}
	d.Exclude = append(d.Exclude, nameLower)
	return nil
}
