package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestParsePRC(t *testing.T) {
	prc := strings.Join([]string{
		"# comment",
		"",
		"load-display pandagl",
		"model-cache-dir $XDG_CACHE_HOME/panda3d  # cache",
		"aux-display p3tinydisplay",
		"aux-display pandadx9",
		"load-file-type egg pandaegg",
		"audio-library-name p3fmod_audio",
		"want-pstats",
	}, "\n")

	buf := quietLog(t)
	got := parsePRC(prc, "asteroids", []string{"pandagl", "p3tinydisplay", "p3openal_audio"}, false)
	want := []string{
		"load-display pandagl",
		"model-cache-dir $XDG_CACHE_HOME/asteroids",
		"aux-display p3tinydisplay",
		"audio-library-name p3openal_audio",
		"want-pstats",
	}
	if !slices.Equal(got, want) {
		t.Errorf("parsePRC =\n%q\nwant\n%q", got, want)
	}
	if strings.Contains(buf.String(), "Missing plugin") {
		t.Errorf("wheel PRC data should drop plugin lines silently: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "replacing with p3openal_audio") {
		t.Errorf("the audio plugin swap was not reported: %q", buf.String())
	}

	buf.Reset()
	got = parsePRC("load-file-type p3assimp\n", "asteroids", nil, true)
	if len(got) != 0 {
		t.Errorf("unshipped plugin line kept: %q", got)
	}
	if !strings.Contains(buf.String(), "Missing plugin (p3assimp) referenced in user PRC data") {
		t.Errorf("user PRC data should warn about the plugin: %q", buf.String())
	}

	if got := parsePRC("load-file-type p3assimp\n", "asteroids", []string{"p3assimp"}, true); len(got) != 1 {
		t.Errorf("shipped plugin line dropped: %q", got)
	}
}

func TestExtensionName(t *testing.T) {
	tests := []struct {
		module, source, want string
	}{
		{"panda3d.core", "/w/panda3d/core.cpython-311-x86_64-linux-gnu.so", "panda3d.core.so"},
		{"_ssl", "/w/deploy_libs/_ssl.cpython-311-x86_64-linux-gnu.so", "_ssl.so"},
		{"cryptography.hazmat._rust", "/w/cryptography/hazmat/_rust.abi3.so", "cryptography.hazmat._rust.so"},
		{"panda3d.core", "/w/panda3d/core.cp311-win_amd64.pyd", "panda3d.core.pyd"},
		{"speedups", "/w/speedups.so", "speedups.so"},
	}
	for _, tt := range tests {
		if got := extensionName(tt.module, filepath.FromSlash(tt.source)); got != tt.want {
			t.Errorf("extensionName(%q, %q) = %q, want %q", tt.module, tt.source, got, tt.want)
		}
	}
}

func TestRenamePath(t *testing.T) {
	renames := map[string]string{
		"assets/":        "data/",
		"assets/models/": "models/",
	}
	tests := map[string]string{
		"assets/sound.ogg":     "data/sound.ogg",
		"assets/models/a.egg":  "models/a.egg",
		"assetsx/b.txt":        "assetsx/b.txt",
		"README.md":            "README.md",
		"assets/modelsx/c.egg": "data/modelsx/c.egg",
	}
	for in, want := range tests {
		if got := renamePath(in, renames); got != want {
			t.Errorf("renamePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchesAny(t *testing.T) {
	tests := []struct {
		rel, abs string
		patterns []string
		want     bool
	}{
		{"assets/a.png", "/p/assets/a.png", []string{"assets/**"}, true},
		{"assets/deep/a.png", "/p/assets/deep/a.png", []string{"**/*.png"}, true},
		{"a.png", "/p/a.png", []string{"*.txt"}, false},
		{"a.png", "/p/a.png", []string{"/p/*.png"}, true},
		{"a.png", "/p/a.png", []string{"/q/*.png"}, false},
	}
	for _, tt := range tests {
		if got := matchesAny(tt.rel, tt.abs, tt.patterns); got != tt.want {
			t.Errorf("matchesAny(%q, %v) = %v, want %v", tt.rel, tt.patterns, got, tt.want)
		}
	}
}

func TestSkipDirectory(t *testing.T) {
	ignore := []string{"**/__pycache__/**", "build/**", "tmp/*", "**/*.pyc"}
	tests := map[string]bool{
		"__pycache__":      true,
		"game/__pycache__": true,
		"build":            true,
		"tmp":              true,
		"assets":           false,
		"assets/build":     false,
	}
	for rel, want := range tests {
		if got := skipDirectory(rel, "/p/"+rel, ignore); got != want {
			t.Errorf("skipDirectory(%q) = %v, want %v", rel, got, want)
		}
	}
}

type recordingPackager struct {
	calls []string
}

func (p *recordingPackager) Package(ctx context.Context, platform, buildDir string) error {
	p.calls = append(p.calls, platform+" "+buildDir)
	return nil
}

// writeTestProject lays out a small game and an unpacked panda3d wheel
// whose stub links against a library in deploy_libs
func writeTestProject(t *testing.T) *ProjectConfig {
	t.Helper()
	project := t.TempDir()
	writeTree(t, project, map[string]string{
		"main.py":                     "import util\nimport _ssl\n",
		"util.py":                     "",
		"assets/model.egg":            "egg",
		"assets/scratch.tmp":          "tmp",
		"assets/__pycache__/util.pyc": "pyc",
		"notes.txt":                   "notes",
	})

	wheels := t.TempDir()
	writeTree(t, wheels, map[string]string{
		testPandaWheel + "/etc/20_panda.prc":                                 "load-display pandagl\n",
		testPandaWheel + "/deploy_libs/libpython3.11.so.1.0":                 "lib",
		testPandaWheel + "/deploy_libs/_ssl.cpython-311-x86_64-linux-gnu.so": "",
	})
	stub, _ := buildTestELF64(blobinfoSymbol, testPlaceholderSize, "libpython3.11.so.1.0")
	stubPath := filepath.Join(wheels, testPandaWheel, "panda3d_tools", "deploy-stub")
	if err := os.MkdirAll(filepath.Dir(stubPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stubPath, stub, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &ProjectConfig{
		Name:            "game",
		Dir:             project,
		ConsoleApps:     map[string]string{"game": "main.py"},
		Platforms:       []string{"manylinux2014_x86_64"},
		Deps:            wheels,
		PythonVersion:   "3.11",
		ExtraPRCData:    "model-cache-dir $XDG_CACHE_HOME/panda3d\nload-file-type p3assimp\n",
		IncludePatterns: []string{"assets/**", "*.txt"},
		ExcludePatterns: []string{"**/*.tmp"},
		RenamePaths:     map[string]string{"assets/": "data/"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestBuild(t *testing.T) {
	buf := quietLog(t)
	cfg := writeTestProject(t)
	buildDir := cfg.BuildDir("manylinux2014_x86_64")
	writeTree(t, buildDir, map[string]string{"stale.txt": "old"})

	b := NewBuilder(cfg, newFakeCompiler())
	defer b.Close()
	packager := &recordingPackager{}
	b.Packager = packager

	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v\n%s", err, buf.String())
	}

	for _, name := range []string{"game", "libpython3.11.so.1.0", "_ssl.so", "data/model.egg", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(buildDir, filepath.FromSlash(name))); err != nil {
			t.Errorf("%s missing from the build directory", name)
		}
	}
	for _, name := range []string{"stale.txt", "main.py", "data/scratch.tmp", "data/__pycache__", "assets"} {
		if _, err := os.Stat(filepath.Join(buildDir, filepath.FromSlash(name))); err == nil {
			t.Errorf("%s should not be in the build directory", name)
		}
	}

	data, err := os.ReadFile(filepath.Join(buildDir, "game"))
	if err != nil {
		t.Fatal(err)
	}
	rt, err := ReadRuntime(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Headers) != 1 {
		t.Fatalf("headers = %+v", rt.Headers)
	}
	wantPRC := "load-display pandagl\nmodel-cache-dir $XDG_CACHE_HOME/game"
	if got := rt.Headers[0].Fields["prc_data"]; got != wantPRC {
		t.Errorf("prc_data = %q, want %q", got, wantPRC)
	}
	var names []string
	for _, m := range rt.Modules[64] {
		names = append(names, m.Name)
	}
	for _, name := range []string{"__main__", "site", "util"} {
		if !slices.Contains(names, name) {
			t.Errorf("%s not frozen, modules = %v", name, names)
		}
	}
	if slices.Contains(names, "_ssl") {
		t.Errorf("extension module _ssl ended up in the blob")
	}

	if !strings.Contains(buf.String(), "Missing plugin (p3assimp)") {
		t.Errorf("user PRC plugin warning missing from %q", buf.String())
	}
	if want := "manylinux2014_x86_64 " + buildDir; len(packager.calls) != 1 || packager.calls[0] != want {
		t.Errorf("packager calls = %q", packager.calls)
	}
}

func TestBuildWithoutStubWheel(t *testing.T) {
	quietLog(t)
	cfg := writeTestProject(t)
	cfg.Deps = t.TempDir()

	b := NewBuilder(cfg, newFakeCompiler())
	defer b.Close()
	if err := b.Build(context.Background()); !errors.Is(err, ErrInputMissing) {
		t.Errorf("expected a missing panda3d wheel error, got %v", err)
	}
}

func TestBuildCancelled(t *testing.T) {
	quietLog(t)
	cfg := writeTestProject(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBuilder(cfg, newFakeCompiler())
	defer b.Close()
	if err := b.Build(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Build on a cancelled context = %v", err)
	}
}
