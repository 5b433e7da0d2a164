// Completion: 100% - Wheel sets supplying stubs, deploy_libs and PRC data
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xyproto/pyfreeze/internal/engine"
)

// WheelSet is the collection of wheels that applies to one platform. A
// wheel may be a .whl archive or a directory with the same name; reads go
// through the archive cache either way.
type WheelSet struct {
	Platform string
	Wheels   []string // absolute paths, sorted
	Panda3D  string   // the panda3d wheel
	Tkinter  bool     // a separate tkinter wheel is present

	archives *archiveCache
}

// OpenDependencySource resolves a deps setting to a local directory,
// cloning git sources into the cache first
func OpenDependencySource(source string, update bool) (string, error) {
	if isRepoSource(source) {
		url, version := splitRepoSource(source)
		return EnsureRepoCloned(url, version, update)
	}
	fi, err := os.Stat(source)
	if err != nil {
		return "", InputMissingError("dependency source", source, err)
	}
	if !fi.IsDir() {
		return "", InputMissingError("dependency source", source, fmt.Errorf("not a directory"))
	}
	return source, nil
}

// wheelTags splits a wheel file name into its python, abi and platform
// tags: {dist}-{version}(-{build})?-{python}-{abi}-{platform}.whl
func wheelTags(name string) (dist string, python, abi, platform []string, ok bool) {
	name = strings.TrimSuffix(filepath.Base(name), ".whl")
	parts := strings.Split(name, "-")
	if len(parts) < 5 {
		return "", nil, nil, nil, false
	}
	n := len(parts)
	split := func(s string) []string { return strings.Split(strings.ToLower(s), ".") }
	return parts[0], split(parts[n-3]), split(parts[n-2]), split(parts[n-1]), true
}

// wheelMatches reports whether a wheel can be installed on platform for
// the given interpreter version
func wheelMatches(name, platform string, version engine.PythonVersion) bool {
	_, pythons, abis, platforms, ok := wheelTags(name)
	if !ok {
		return false
	}

	platformOK := false
	for _, p := range platforms {
		if p == "any" || p == strings.ToLower(platform) {
			platformOK = true
			break
		}
	}
	if !platformOK {
		return false
	}
	if version.Major == 0 {
		return true
	}

	cp := fmt.Sprintf("cp%d%d", version.Major, version.Minor)
	for _, py := range pythons {
		switch py {
		case cp, fmt.Sprintf("py%d", version.Major), fmt.Sprintf("py%d%d", version.Major, version.Minor):
			return true
		}
	}
	for _, abi := range abis {
		if abi == "abi3" {
			return true
		}
	}
	return false
}

// FindWheels collects the wheels in dir that match platform. It fails when
// no panda3d wheel is among them.
func FindWheels(dir, platform string, version engine.PythonVersion, archives *archiveCache) (*WheelSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, InputMissingError("wheel directory", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	ws := &WheelSet{Platform: platform, archives: archives}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".whl") || !wheelMatches(e.Name(), platform, version) {
			continue
		}
		ws.Wheels = append(ws.Wheels, filepath.Join(abs, e.Name()))
	}
	sort.Strings(ws.Wheels)

	for _, whl := range ws.Wheels {
		switch base := filepath.Base(whl); {
		case strings.HasPrefix(base, "panda3d-") && ws.Panda3D == "":
			ws.Panda3D = whl
		case strings.HasPrefix(base, "tkinter-"):
			ws.Tkinter = true
		}
	}
	if ws.Panda3D == "" {
		return nil, InputMissingError("panda3d wheel", dir, fmt.Errorf("Missing panda3d wheel for platform: %s", platform))
	}
	verbosef("%d wheels for %s in %s", len(ws.Wheels), platform, dir)
	return ws, nil
}

// DeployLibs returns the deploy_libs directory of the panda3d wheel
func (ws *WheelSet) DeployLibs() string {
	return filepath.Join(ws.Panda3D, "deploy_libs")
}

// Stub reads panda3d_tools/<name> from the panda3d wheel
func (ws *WheelSet) Stub(name string) ([]byte, error) {
	p := filepath.Join(ws.Panda3D, "panda3d_tools", name)
	data, err := ws.archives.readFile(p)
	if err != nil {
		return nil, InputMissingError("deploy stub", p, err)
	}
	return data, nil
}

// Members lists every file in the panda3d wheel as a slash-separated path
func (ws *WheelSet) Members() ([]string, error) {
	if z, _, ok := ws.archives.split(filepath.Join(ws.Panda3D, "-")); ok {
		members := make([]string, 0, len(z.files))
		for m := range z.files {
			members = append(members, m)
		}
		sort.Strings(members)
		return members, nil
	}

	var members []string
	err := filepath.WalkDir(ws.Panda3D, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			members = append(members, relSlash(ws.Panda3D, p))
		}
		return nil
	})
	if err != nil {
		return nil, IOError("list wheel", ws.Panda3D, err)
	}
	sort.Strings(members)
	return members, nil
}

// PRCData concatenates the .prc files of the panda3d wheel in reverse
// name order, which puts the lowest-numbered file last
func (ws *WheelSet) PRCData() (string, error) {
	members, err := ws.Members()
	if err != nil {
		return "", err
	}
	var prcs []string
	for _, m := range members {
		if strings.HasSuffix(m, ".prc") {
			prcs = append(prcs, m)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(prcs)))

	var sb strings.Builder
	for _, m := range prcs {
		data, err := ws.archives.readFile(filepath.Join(ws.Panda3D, filepath.FromSlash(m)))
		if err != nil {
			return "", IOError("read prc", m, err)
		}
		sb.Write(data)
	}
	return sb.String(), nil
}

// Contains reports whether p lies inside one of the wheels
func (ws *WheelSet) Contains(p string) bool {
	lp := strings.ToLower(filepath.Clean(p))
	for _, whl := range ws.Wheels {
		if strings.HasPrefix(lp, strings.ToLower(whl)+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SearchPathFor returns the directories searched for the shared library
// dependencies of a file copied out of a wheel: the file's own directory,
// deploy_libs, and the .libs directories auditwheel and delocate create.
func (ws *WheelSet) SearchPathFor(source string) []string {
	searchPath := []string{filepath.Dir(source), ws.DeployLibs()}
	for _, whl := range ws.Wheels {
		prefix := whl + string(filepath.Separator)
		if !strings.HasPrefix(source, prefix) {
			continue
		}
		rest := source[len(prefix):]
		root, _, _ := strings.Cut(rest, string(filepath.Separator))
		searchPath = append(searchPath, filepath.Join(whl, root, ".libs"))
		dist, _, _ := strings.Cut(filepath.Base(whl), "-")
		searchPath = append(searchPath, filepath.Join(whl, dist+".libs"))
		for _, extra := range packageLibDirs[dist] {
			if extra.wheel == "" {
				searchPath = append(searchPath, filepath.Join(whl, filepath.FromSlash(extra.dir)))
				continue
			}
			for _, whl2 := range ws.Wheels {
				if strings.HasPrefix(filepath.Base(whl2), extra.wheel+"-") {
					searchPath = append(searchPath, filepath.Join(whl2, filepath.FromSlash(extra.dir)))
				}
			}
		}
		break
	}
	return searchPath
}

type libDir struct {
	dir   string
	wheel string // another wheel holding dir; empty for the same wheel
}

// packageLibDirs names further library directories for wheels that do not
// follow the .libs convention
var packageLibDirs = map[string][]libDir{
	"scipy": {{dir: "scipy/extra-dll"}},
	"PyQt5": {{dir: "PyQt5/Qt5/bin", wheel: "PyQt5_Qt5"}},
}
