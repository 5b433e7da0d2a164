package main

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDependencyExcluded(t *testing.T) {
	d := NewDependencyCopier([]string{"libc.so.*", "KERNEL32.dll", "/System/Library/**"}, nil, nil)

	tests := []struct {
		name string
		want bool
	}{
		{"libc.so.6", true},
		{"kernel32.dll", true},
		{"Kernel32.DLL", true},
		{"/System/Library/Frameworks/Cocoa.framework/Versions/A/Cocoa", true},
		{"libpanda.so.1.11", false},
		{"libcrypto.so.3", false},
	}
	for _, tt := range tests {
		if got := d.Excluded(tt.name); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDefaultExcludeDependencies(t *testing.T) {
	d := NewDependencyCopier(DefaultExcludeDependencies, nil, nil)
	for _, name := range []string{"libGL.so.1", "libstdc++.so.6", "USER32.dll", "/usr/lib/libSystem.B.dylib"} {
		if !d.Excluded(name) {
			t.Errorf("%s should be excluded by default", name)
		}
	}
	if d.Excluded("libpython3.11.so.1.0") {
		t.Errorf("libpython must be copied")
	}
}

func TestAddDependencyMissingWarnsOnce(t *testing.T) {
	buf := quietLog(t)
	target := t.TempDir()
	diag := NewErrorCollector()

	d := NewDependencyCopier(nil, nil, diag)
	for range 2 {
		if err := d.AddDependency("libgone.so.1", target, []string{t.TempDir()}, "app"); err != nil {
			t.Fatal(err)
		}
	}
	// A second copier in the same build shares the collector
	d2 := NewDependencyCopier(nil, nil, diag)
	if err := d2.AddDependency("libgone.so.1", target, nil, "app"); err != nil {
		t.Fatal(err)
	}

	if n := strings.Count(buf.String(), "could not find dependency libgone.so.1"); n != 1 {
		t.Errorf("warned %d times:\n%s", n, buf.String())
	}
	if !d.Excluded("libgone.so.1") {
		t.Errorf("a missing library is excluded afterwards")
	}
}

func TestAddDependencyCaseInsensitive(t *testing.T) {
	quietLog(t)
	libs := t.TempDir()
	target := t.TempDir()
	writeTree(t, libs, map[string]string{"LibFoo.so": "not an image"})

	d := NewDependencyCopier(nil, nil, nil)
	if err := d.AddDependency("libfoo.so", target, []string{libs}, "app"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(target, "LibFoo.so"))
	if err != nil || string(data) != "not an image" {
		t.Errorf("library not copied under its real name: %v", err)
	}
	if d.diag.WarningCount() != 0 {
		t.Errorf("unexpected warnings: %s", d.diag.Report(false))
	}
}

func TestAddDependencyFromWheelCaseInsensitive(t *testing.T) {
	quietLog(t)
	dir := t.TempDir()
	target := t.TempDir()
	wheel := filepath.Join(dir, "panda3d.whl")
	out, err := os.Create(wheel)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	w, err := zw.Create("deploy_libs/LibFoo.so")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("not an image"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	d := NewDependencyCopier(nil, nil, nil)
	defer d.archives.Close()
	libs := filepath.Join(wheel, "deploy_libs")
	if real, ok := d.archives.lookupFold(filepath.Join(libs, "LIBFOO.SO")); !ok || real != filepath.Join(libs, "LibFoo.so") {
		t.Errorf("lookupFold = %q, %v", real, ok)
	}
	if _, ok := d.archives.lookupFold(filepath.Join(libs, "libbar.so")); ok {
		t.Errorf("lookupFold found a missing member")
	}

	if err := d.AddDependency("libfoo.so", target, []string{libs}, "app"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(target, "LibFoo.so"))
	if err != nil || string(data) != "not an image" {
		t.Errorf("library not copied out of the wheel under its real name: %v", err)
	}
	if d.diag.WarningCount() != 0 {
		t.Errorf("unexpected warnings: %s", d.diag.Report(false))
	}
}

func TestCopyWithDependencies(t *testing.T) {
	quietLog(t)
	src := t.TempDir()
	libs := t.TempDir()
	target := t.TempDir()

	app, _ := buildTestELF64(blobinfoSymbol, 0, "libtop.so")
	top, _ := buildTestELF64("unused", 0, "libc.so.6")
	if err := os.WriteFile(filepath.Join(src, "app"), app, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(libs, "libtop.so"), top, 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewDependencyCopier([]string{"libc.so.*"}, nil, nil)
	if err := d.CopyWithDependencies(filepath.Join(src, "app"), filepath.Join(target, "app"), []string{libs}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"app", "libtop.so"} {
		if _, err := os.Stat(filepath.Join(target, name)); err != nil {
			t.Errorf("%s was not copied", name)
		}
	}
	if _, err := os.Stat(filepath.Join(target, "libc.so.6")); err == nil {
		t.Errorf("excluded library was copied")
	}
	if fi, err := os.Stat(filepath.Join(target, "app")); err != nil || fi.Mode().Perm()&0o100 == 0 {
		t.Errorf("copied executable lost its mode")
	}
	if d.diag.WarningCount() != 0 {
		t.Errorf("unexpected warnings: %s", d.diag.Report(false))
	}
}
