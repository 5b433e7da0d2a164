// Completion: 100% - Module suffix sets per target
package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// ModuleKind classifies how a file on disk maps to a module
type ModuleKind int

const (
	KindSource ModuleKind = iota + 1
	KindCompiled
	KindExtension
	KindPackageDir
	KindBuiltin
)

func (k ModuleKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindCompiled:
		return "compiled"
	case KindExtension:
		return "extension"
	case KindPackageDir:
		return "package_dir"
	case KindBuiltin:
		return "builtin"
	default:
		return "unknown"
	}
}

// Suffix is one entry of an ordered suffix set
type Suffix struct {
	Ext  string
	Kind ModuleKind
}

// PythonVersion identifies the interpreter the stub was built against
type PythonVersion struct {
	Major int
	Minor int
}

func (v PythonVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ABIVersion returns the compact tag used in extension filenames, e.g. "311"
func (v PythonVersion) ABIVersion() string {
	return fmt.Sprintf("%d%d", v.Major, v.Minor)
}

// ABIFlags returns the flags appended after the ABI version on POSIX.
// Interpreters before 3.8 were built with pymalloc and carry an "m".
func (v PythonVersion) ABIFlags() string {
	if v.Major == 3 && v.Minor < 8 {
		return "m"
	}
	return ""
}

// ParsePythonVersion accepts "3.11", "311", "cp311" or "3.11.4"
func ParsePythonVersion(s string) (PythonVersion, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "cp")
	if s == "" {
		return PythonVersion{}, fmt.Errorf("empty python version")
	}
	if strings.Contains(s, ".") {
		parts := strings.Split(s, ".")
		major, err1 := strconv.Atoi(parts[0])
		minor, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return PythonVersion{}, fmt.Errorf("invalid python version: %s", s)
		}
		return PythonVersion{Major: major, Minor: minor}, nil
	}
	if len(s) < 2 {
		return PythonVersion{}, fmt.Errorf("invalid python version: %s", s)
	}
	major, err1 := strconv.Atoi(s[:1])
	minor, err2 := strconv.Atoi(s[1:])
	if err1 != nil || err2 != nil {
		return PythonVersion{}, fmt.Errorf("invalid python version: %s", s)
	}
	return PythonVersion{Major: major, Minor: minor}, nil
}

// ModuleSuffixes returns the ordered suffix set for the given target.
// Source and compiled suffixes always come first; the extension suffixes
// are ordered most specific to least specific.
func ModuleSuffixes(p Platform, v PythonVersion) []Suffix {
	suffixes := []Suffix{
		{".py", KindSource},
		{".pyc", KindCompiled},
	}

	abi := v.ABIVersion()
	flags := v.ABIFlags()
	abi3 := fmt.Sprintf(".abi%d.so", v.Major)

	ext := func(exts ...string) {
		for _, e := range exts {
			suffixes = append(suffixes, Suffix{e, KindExtension})
		}
	}

	switch p.OS {
	case OSLinux:
		switch p.Arch {
		case ArchARM64:
			ext(fmt.Sprintf(".cpython-%s%s-aarch64-linux-gnu.so", abi, flags))
		case ArchARMv7:
			ext(fmt.Sprintf(".cpython-%s%s-arm-linux-gnueabihf.so", abi, flags))
		case ArchRiscv64:
			ext(fmt.Sprintf(".cpython-%s%s-riscv64-linux-gnu.so", abi, flags))
		}
		ext(
			fmt.Sprintf(".cpython-%s%s-x86_64-linux-gnu.so", abi, flags),
			fmt.Sprintf(".cpython-%s%s-i686-linux-gnu.so", abi, flags),
			abi3,
			".so",
		)
	case OSWindows:
		// ABI flags are not appended on Windows
		if p.Arch == ArchARM64 {
			ext(fmt.Sprintf(".cp%s-win_arm64.pyd", abi))
		}
		ext(
			fmt.Sprintf(".cp%s-win_amd64.pyd", abi),
			fmt.Sprintf(".cp%s-win32.pyd", abi),
			".pyd",
		)
	case OSDarwin:
		ext(
			fmt.Sprintf(".cpython-%s%s-darwin.so", abi, flags),
			abi3,
			".so",
		)
	default:
		ext(
			fmt.Sprintf(".cpython-%s%s.so", abi, flags),
			abi3,
			".so",
		)
	}
	return suffixes
}

// ExtensionSuffixes filters a suffix set down to native extension suffixes
func ExtensionSuffixes(set []Suffix) []string {
	var exts []string
	for _, s := range set {
		if s.Kind == KindExtension {
			exts = append(exts, s.Ext)
		}
	}
	return exts
}
