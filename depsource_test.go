package main

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/xyproto/pyfreeze/internal/engine"
)

const testPandaWheel = "panda3d-1.11.0-cp311-cp311-manylinux2014_x86_64.whl"

func TestWheelMatches(t *testing.T) {
	py311 := engine.PythonVersion{Major: 3, Minor: 11}
	tests := []struct {
		name     string
		platform string
		version  engine.PythonVersion
		want     bool
	}{
		{testPandaWheel, "manylinux2014_x86_64", py311, true},
		{testPandaWheel, "manylinux2014_x86_64", engine.PythonVersion{Major: 3, Minor: 10}, false},
		{testPandaWheel, "win_amd64", py311, false},
		{testPandaWheel, "manylinux2014_x86_64", engine.PythonVersion{}, true},
		{"six-1.16.0-py2.py3-none-any.whl", "win_amd64", py311, true},
		{"cryptography-41.0.0-cp37-abi3-manylinux2014_x86_64.whl", "manylinux2014_x86_64", py311, true},
		{"numpy-1.26.0-cp311-cp311-manylinux_2_17_x86_64.manylinux2014_x86_64.whl", "manylinux2014_x86_64", py311, true},
		{"pkg-1.0-1-cp311-cp311-win_amd64.whl", "WIN_AMD64", py311, true},
		{"broken.whl", "manylinux2014_x86_64", py311, false},
	}
	for _, tt := range tests {
		if got := wheelMatches(tt.name, tt.platform, tt.version); got != tt.want {
			t.Errorf("wheelMatches(%q, %q, %s) = %v, want %v", tt.name, tt.platform, tt.version, got, tt.want)
		}
	}
}

// writeTestWheels lays out an unpacked panda3d wheel plus a few others
func writeTestWheels(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		testPandaWheel + "/panda3d_tools/deploy-stub":                             "stub",
		testPandaWheel + "/etc/20_panda.prc":                                      "load-display pandagl\n",
		testPandaWheel + "/etc/40_direct.prc":                                     "want-directtools #f\n",
		testPandaWheel + "/panda3d/core.so":                                       "",
		"tkinter-3.11.0-cp311-cp311-manylinux2014_x86_64.whl/tkinter/__init__.py": "",
		"numpy-1.26.0-cp311-cp311-win_amd64.whl/numpy/__init__.py":                "",
		"README.txt": "",
	})
	return dir
}

func TestFindWheels(t *testing.T) {
	dir := writeTestWheels(t)
	ws, err := FindWheels(dir, "manylinux2014_x86_64", engine.PythonVersion{Major: 3, Minor: 11}, newArchiveCache())
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.Wheels) != 2 || !ws.Tkinter {
		t.Errorf("Wheels = %v, Tkinter = %v", ws.Wheels, ws.Tkinter)
	}
	if filepath.Base(ws.Panda3D) != testPandaWheel || !filepath.IsAbs(ws.Panda3D) {
		t.Errorf("Panda3D = %q", ws.Panda3D)
	}

	stub, err := ws.Stub("deploy-stub")
	if err != nil || string(stub) != "stub" {
		t.Errorf("Stub = %q, %v", stub, err)
	}
	if _, err := ws.Stub("deploy-stubw.exe"); !errors.Is(err, ErrInputMissing) {
		t.Errorf("missing stub: got %v", err)
	}

	// Highest numbered file first, so the lowest one wins at runtime
	prc, err := ws.PRCData()
	if err != nil {
		t.Fatal(err)
	}
	if want := "want-directtools #f\nload-display pandagl\n"; prc != want {
		t.Errorf("PRCData = %q, want %q", prc, want)
	}

	core := filepath.Join(ws.Panda3D, "panda3d", "core.so")
	if !ws.Contains(core) || ws.Contains(filepath.Join(dir, "README.txt")) {
		t.Errorf("Contains gave the wrong answer")
	}
	want := []string{
		filepath.Join(ws.Panda3D, "panda3d"),
		filepath.Join(ws.Panda3D, "deploy_libs"),
		filepath.Join(ws.Panda3D, "panda3d", ".libs"),
		filepath.Join(ws.Panda3D, "panda3d.libs"),
	}
	if got := ws.SearchPathFor(core); !slices.Equal(got, want) {
		t.Errorf("SearchPathFor = %v, want %v", got, want)
	}
}

func TestFindWheelsWithoutPanda(t *testing.T) {
	dir := writeTestWheels(t)
	_, err := FindWheels(dir, "win_amd64", engine.PythonVersion{Major: 3, Minor: 11}, newArchiveCache())
	if !errors.Is(err, ErrInputMissing) {
		t.Errorf("expected a missing panda3d wheel error, got %v", err)
	}
}

func TestWheelSetZipped(t *testing.T) {
	dir := t.TempDir()
	out, err := os.Create(filepath.Join(dir, testPandaWheel))
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	for _, member := range []struct{ name, body string }{
		{"panda3d_tools/deploy-stub", "zipped stub"},
		{"etc/20_panda.prc", "a\n"},
		{"etc/50_user.prc", "b\n"},
	} {
		w, err := zw.Create(member.name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(member.body))
	}
	zw.Close()
	out.Close()

	archives := newArchiveCache()
	defer archives.Close()
	ws, err := FindWheels(dir, "manylinux2014_x86_64", engine.PythonVersion{Major: 3, Minor: 11}, archives)
	if err != nil {
		t.Fatal(err)
	}
	members, err := ws.Members()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"etc/20_panda.prc", "etc/50_user.prc", "panda3d_tools/deploy-stub"}; !slices.Equal(members, want) {
		t.Errorf("Members = %v", members)
	}
	if stub, _ := ws.Stub("deploy-stub"); string(stub) != "zipped stub" {
		t.Errorf("Stub = %q", stub)
	}
	if prc, _ := ws.PRCData(); prc != "b\na\n" {
		t.Errorf("PRCData = %q", prc)
	}
}

func TestOpenDependencySource(t *testing.T) {
	dir := t.TempDir()
	if got, err := OpenDependencySource(dir, false); err != nil || got != dir {
		t.Errorf("OpenDependencySource(dir) = %q, %v", got, err)
	}
	if _, err := OpenDependencySource(filepath.Join(dir, "missing"), false); !errors.Is(err, ErrInputMissing) {
		t.Errorf("missing directory: got %v", err)
	}
	file := filepath.Join(dir, "wheels.txt")
	os.WriteFile(file, nil, 0o644)
	if _, err := OpenDependencySource(file, false); !errors.Is(err, ErrInputMissing) {
		t.Errorf("plain file: got %v", err)
	}
}
