// Completion: 100% - Deploy targets: platform, stub naming and path expansion
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/xyproto/pyfreeze/internal/engine"
)

// Target is one executable to produce: a platform plus whether the app is
// a console or a GUI application
type Target struct {
	Platform engine.Platform
	Console  bool
}

// NewTarget parses a platform tag such as "manylinux2014_x86_64"
func NewTarget(tag string, console bool) (Target, error) {
	p, err := engine.ParsePlatformTag(tag)
	if err != nil {
		return Target{}, err
	}
	return Target{Platform: p, Console: console}, nil
}

// IsPE returns true if this target uses PE format
func (t Target) IsPE() bool {
	return t.Platform.IsWindows()
}

// IsMachO returns true if this target uses Mach-O format
func (t Target) IsMachO() bool {
	return t.Platform.IsMacOS()
}

// IsELF returns true if this target uses ELF format
func (t Target) IsELF() bool {
	return !t.IsPE() && !t.IsMachO()
}

// StubName returns the file name of the prebuilt stub for this target.
// GUI apps on Windows and macOS use the windowed stub.
func (t Target) StubName() string {
	name := "deploy-stub"
	if !t.Console && (t.IsPE() || t.IsMachO()) {
		name = "deploy-stubw"
	}
	if t.IsPE() {
		name += ".exe"
	}
	return name
}

// ExecutableName returns the output file name for an app
func (t Target) ExecutableName(app string) string {
	if t.IsPE() {
		return app + ".exe"
	}
	return app
}

// ExpandPath substitutes $HOME and $USER_APPDATA in a runtime path. The
// result is evaluated on the target machine, so the values are the
// target's conventions rather than the build host's.
func (t Target) ExpandPath(path string) (string, error) {
	appdata := "~/.local/share"
	switch {
	case t.IsPE():
		appdata = "~/AppData/Local"
	case t.IsMachO():
		appdata = "~/Documents"
	}

	var unknown []string
	expanded := os.Expand(path, func(name string) string {
		switch name {
		case "HOME":
			return "~"
		case "USER_APPDATA":
			return appdata
		case "$":
			return "$"
		}
		unknown = append(unknown, name)
		return ""
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown placeholder $%s in %q", unknown[0], path)
	}
	return expanded, nil
}

// HostPlatformTag returns a wheel platform tag for the machine pyfreeze
// runs on
func HostPlatformTag() string {
	arch := "x86_64"
	switch runtime.GOARCH {
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	case "riscv64":
		arch = "riscv64"
	}

	switch runtime.GOOS {
	case "windows":
		switch runtime.GOARCH {
		case "386":
			return "win32"
		case "arm64":
			return "win_arm64"
		}
		return "win_amd64"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "macosx_11_0_arm64"
		}
		return "macosx_10_9_x86_64"
	case "freebsd":
		if runtime.GOARCH == "amd64" {
			arch = "amd64"
		}
		return "freebsd_" + arch
	}
	return "manylinux2014_" + arch
}

// relSlash returns the slash-separated path of p relative to base
func relSlash(base, p string) string {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return strings.TrimPrefix(filepath.ToSlash(rel), "./")
}
