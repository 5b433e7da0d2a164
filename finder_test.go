package main

import (
	"archive/zip"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/xyproto/pyfreeze/internal/engine"
)

func newTestFinder(t *testing.T, dir string, opts FinderOptions) *ModuleFinder {
	t.Helper()
	quietLog(t)
	c := newFakeCompiler()
	if opts.Path == nil {
		opts.Path = []string{dir}
	}
	opts.Suffixes = engine.ModuleSuffixes(testPlatform(t, "manylinux2014_x86_64"), c.version)
	if opts.Builtins == nil {
		opts.Builtins = c.builtins
	}
	f := NewModuleFinder(c, opts)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFinderWalksImports(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py":        "import a\nfrom b import c\n",
		"a.py":           "import sys\n",
		"b/__init__.py":  "VERSION = 1\n",
		"b/c.py":         "def helper():\n",
		"unused.py":      "import nothing\n",
		"b/unrelated.py": "",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	if _, err := f.LoadFile("__main__", filepath.Join(dir, "main.py"), nil); err != nil {
		t.Fatal(err)
	}

	want := []string{"__main__", "a", "sys", "b", "b.c"}
	if got := f.ModuleNames(); !slices.Equal(got, want) {
		t.Errorf("ModuleNames = %v, want %v", got, want)
	}
	if bad := f.BadModules(); len(bad) != 0 {
		t.Errorf("BadModules = %v, want none", bad)
	}

	b, _ := f.Module("b")
	if !b.IsPackage() || b.Path[0] != filepath.Join(dir, "b") {
		t.Errorf("b is not a package rooted at its directory: %+v", b.Path)
	}
	sys, _ := f.Module("sys")
	if sys.Kind != engine.KindBuiltin || sys.Code != nil {
		t.Errorf("sys should be a builtin without code")
	}
	c, _ := f.Module("b.c")
	if c.IsPackage() || c.Code == nil {
		t.Errorf("b.c should be a plain module with code")
	}
}

func TestFinderModuleBeforePackage(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"both.py":          "",
		"both/__init__.py": "",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	m, err := f.ImportHook("both", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.IsPackage() {
		t.Errorf("both.py should win over the both/ package")
	}
}

func TestFinderMissingModules(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py":       "import nothere\nfrom b import gone, CONSTANT\n",
		"b/__init__.py": "CONSTANT = 3\n",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	if _, err := f.LoadFile("__main__", filepath.Join(dir, "main.py"), nil); err != nil {
		t.Fatal(err)
	}

	missing, maybe := f.AnyMissingMaybe()
	if want := []string{"b.gone", "nothere"}; !slices.Equal(missing, want) {
		t.Errorf("missing = %v, want %v", missing, want)
	}
	if len(maybe) != 0 {
		t.Errorf("maybe = %v, want none", maybe)
	}
	if bad := f.BadModules(); !slices.Contains(bad, "b.CONSTANT") {
		t.Errorf("b.CONSTANT should be recorded as unresolved, got %v", bad)
	}
}

func TestFinderMaybeMissingAfterStarImport(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py":       "from b import widget\n",
		"b/__init__.py": "from elsewhere import *\n",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	if _, err := f.LoadFile("__main__", filepath.Join(dir, "main.py"), nil); err != nil {
		t.Fatal(err)
	}
	missing, maybe := f.AnyMissingMaybe()
	if !slices.Equal(missing, []string{"elsewhere"}) {
		t.Errorf("missing = %v", missing)
	}
	if !slices.Equal(maybe, []string{"b.widget"}) {
		t.Errorf("maybe = %v", maybe)
	}
}

func TestFinderRelativeImports(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"p/__init__.py": "from . import q\n",
		"p/q.py":        "from .r import x\n",
		"p/r.py":        "x = 1\n",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	if _, err := f.ImportHook("p", nil, nil, 0); err != nil {
		t.Fatal(err)
	}
	want := []string{"p", "p.q", "p.r"}
	if got := f.ModuleNames(); !slices.Equal(got, want) {
		t.Errorf("ModuleNames = %v, want %v", got, want)
	}
	if bad := f.BadModules(); len(bad) != 0 {
		t.Errorf("BadModules = %v", bad)
	}
}

func TestFinderRelativeImportTooDeep(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"top.py": "from .. import sibling\n",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	if _, err := f.ImportHook("top", nil, nil, 0); err != nil {
		t.Fatalf("a bad relative import must not fail the walk: %v", err)
	}
	if got := f.ModuleNames(); !slices.Equal(got, []string{"top"}) {
		t.Errorf("ModuleNames = %v", got)
	}
}

func TestFinderBadBytecode(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py":    "import broken\n",
		"broken.pyc": "bad magic",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	if _, err := f.LoadFile("__main__", filepath.Join(dir, "main.py"), nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.Module("broken"); ok {
		t.Errorf("broken should not be loaded")
	}
	if !slices.Equal(f.BadModules(), []string{"broken"}) {
		t.Errorf("BadModules = %v", f.BadModules())
	}
}

func TestFinderCompileErrorIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py": "import oops\n",
		"oops.py": "syntax error\n",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	_, err := f.LoadFile("__main__", filepath.Join(dir, "main.py"), nil)
	if _, ok := err.(*CompileError); !ok {
		t.Fatalf("expected a CompileError, got %v", err)
	}
}

func TestFinderExcludesAndFrozen(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py":              "import a, _frozen_importlib\n",
		"a.py":                 "",
		"_frozen_importlib.py": "",
	})
	f := newTestFinder(t, dir, FinderOptions{
		Excludes: []string{"a"},
		Frozen:   []string{"_frozen_importlib"},
	})

	if _, err := f.LoadFile("__main__", filepath.Join(dir, "main.py"), nil); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "_frozen_importlib"} {
		if _, ok := f.Module(name); ok {
			t.Errorf("%s should not be loaded", name)
		}
	}
	missing, _ := f.AnyMissingMaybe()
	if slices.Contains(missing, "a") {
		t.Errorf("an excluded module is not missing")
	}
}

func TestFinderOverrides(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"linecache.py": "import tokenize\n",
	})
	f := newTestFinder(t, dir, FinderOptions{
		Overrides: map[string]string{"linecache": "cache = {}\n"},
	})

	m, err := f.ImportHook("linecache", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !m.globalNames["cache"] {
		t.Errorf("override source was not used")
	}
	if _, ok := f.Module("tokenize"); ok || len(f.BadModules()) != 0 {
		t.Errorf("imports of the file on disk were followed")
	}
}

func TestFinderStarImportMergesGlobals(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py": "from util import *\n",
		"util.py": "def load(\nCONFIG = 2\n",
	})
	f := newTestFinder(t, dir, FinderOptions{})

	m, err := f.LoadFile("__main__", filepath.Join(dir, "main.py"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.globalNames["load"] || !m.globalNames["CONFIG"] {
		t.Errorf("globals of util were not merged: %v", m.globalNames)
	}
}

func TestFinderPackagePaths(t *testing.T) {
	dir := t.TempDir()
	extra := t.TempDir()
	writeTree(t, dir, map[string]string{"pkg/__init__.py": ""})
	writeTree(t, extra, map[string]string{"plugin.py": ""})
	f := newTestFinder(t, dir, FinderOptions{})
	f.AddPackagePath("pkg", extra)

	if _, err := f.ImportHook("pkg.plugin", nil, nil, 0); err != nil {
		t.Fatal(err)
	}
	m, ok := f.Module("pkg.plugin")
	if !ok || m.File != filepath.Join(extra, "plugin.py") {
		t.Errorf("pkg.plugin not found through the extra package path")
	}
}

func TestFinderZipArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "lib.whl")
	out, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	for name, content := range map[string]string{
		"zpkg/__init__.py": "from zpkg import inner\n",
		"zpkg/inner.py":    "",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	f := newTestFinder(t, dir, FinderOptions{Path: []string{archive}})
	if _, err := f.ImportHook("zpkg", nil, nil, 0); err != nil {
		t.Fatal(err)
	}
	if got := f.ModuleNames(); !slices.Equal(got, []string{"zpkg", "zpkg.inner"}) {
		t.Errorf("ModuleNames = %v", got)
	}
}

func TestFinderUnknownModule(t *testing.T) {
	f := newTestFinder(t, t.TempDir(), FinderOptions{})
	_, err := f.ImportHook("does.not.exist", nil, nil, 0)
	if !isImportError(err) {
		t.Fatalf("expected an ImportError, got %v", err)
	}
}
