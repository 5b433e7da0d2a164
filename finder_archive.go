// Completion: 100% - Search path entries backed by zip archives
package main

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// zipIndex is an opened archive with its member names indexed
type zipIndex struct {
	rc    *zip.ReadCloser
	files map[string]*zip.File
	lower map[string]string // lowercased member name -> member name
	dirs  map[string]bool
}

func openZipIndex(name string) (*zipIndex, error) {
	rc, err := zip.OpenReader(name)
	if err != nil {
		return nil, err
	}
	z := &zipIndex{
		rc:    rc,
		files: make(map[string]*zip.File, len(rc.File)),
		lower: make(map[string]string, len(rc.File)),
		dirs:  make(map[string]bool),
	}
	for _, f := range rc.File {
		member := strings.TrimSuffix(f.Name, "/")
		if strings.HasSuffix(f.Name, "/") {
			z.dirs[member] = true
		} else {
			z.files[member] = f
			z.lower[strings.ToLower(member)] = member
		}
		for dir := path.Dir(member); dir != "." && dir != "/"; dir = path.Dir(dir) {
			z.dirs[dir] = true
		}
	}
	return z, nil
}

func (z *zipIndex) read(member string) ([]byte, error) {
	f, ok := z.files[member]
	if !ok {
		return nil, os.ErrNotExist
	}
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// list returns the base names of the direct members of dir
func (z *zipIndex) list(dir string) []string {
	prefix := dir + "/"
	if dir == "" {
		prefix = ""
	}
	seen := make(map[string]bool)
	add := func(member string) {
		if !strings.HasPrefix(member, prefix) {
			return
		}
		rest := member[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = true
		}
	}
	for member := range z.files {
		add(member)
	}
	for member := range z.dirs {
		add(member)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// archiveCache resolves paths that pass through a zip file, e.g.
// deps/panda3d-1.11.whl/direct/__init__.py. Each archive is opened once.
type archiveCache struct {
	zips   map[string]*zipIndex
	notZip map[string]bool
}

func newArchiveCache() *archiveCache {
	return &archiveCache{
		zips:   make(map[string]*zipIndex),
		notZip: make(map[string]bool),
	}
}

// split walks up from p until it meets a regular file. If that file is a
// zip archive it returns the archive and the slash-separated member path.
func (c *archiveCache) split(p string) (*zipIndex, string, bool) {
	dir, base := filepath.Split(filepath.Clean(p))
	member := base
	for base != "" {
		dir = filepath.Clean(dir)
		if c.notZip[dir] {
			return nil, "", false
		}
		if z, ok := c.zips[dir]; ok {
			return z, filepath.ToSlash(member), true
		}
		if fi, err := os.Stat(dir); err == nil {
			if fi.IsDir() {
				return nil, "", false
			}
			z, err := openZipIndex(dir)
			if err != nil {
				c.notZip[dir] = true
				return nil, "", false
			}
			c.zips[dir] = z
			return z, filepath.ToSlash(member), true
		}
		dir, base = filepath.Split(dir)
		if base == "" {
			break
		}
		member = filepath.Join(base, member)
	}
	return nil, "", false
}

// isFile reports whether p is a regular file on disk or in an archive
func (c *archiveCache) isFile(p string) bool {
	if fi, err := os.Stat(p); err == nil {
		return fi.Mode().IsRegular()
	}
	z, member, ok := c.split(p)
	if !ok {
		return false
	}
	_, found := z.files[member]
	return found
}

// readFile reads p from disk or from an archive
func (c *archiveCache) readFile(p string) ([]byte, error) {
	if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
		return os.ReadFile(p)
	}
	z, member, ok := c.split(p)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrNotExist}
	}
	data, err := z.read(member)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: p, Err: err}
	}
	return data, nil
}

// listDir lists directory entries on disk or in an archive
func (c *archiveCache) listDir(p string) ([]string, error) {
	if entries, err := os.ReadDir(p); err == nil {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		return names, nil
	}
	// The archive itself lists as its root
	if z, member, ok := c.split(filepath.Join(p, "-")); ok && member == "-" {
		return z.list(""), nil
	}
	z, member, ok := c.split(p)
	if !ok || !z.dirs[member] {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: os.ErrNotExist}
	}
	return z.list(member), nil
}

// lookupFold finds p inside an archive case-insensitively. It returns p
// with the member's real name.
func (c *archiveCache) lookupFold(p string) (string, bool) {
	z, member, ok := c.split(p)
	if !ok {
		return "", false
	}
	real, found := z.lower[strings.ToLower(member)]
	if !found {
		return "", false
	}
	archive := strings.TrimSuffix(filepath.Clean(p), filepath.FromSlash(member))
	return filepath.Join(archive, filepath.FromSlash(real)), true
}

// Close releases every opened archive
func (c *archiveCache) Close() error {
	var firstErr error
	for name, z := range c.zips {
		if err := z.rc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.zips, name)
	}
	return firstErr
}
