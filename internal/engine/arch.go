// Completion: 100% - Platform tags for all supported deploy targets
package engine

import (
	"fmt"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchI686
	ArchARM64
	ArchARMv7
	ArchRiscv64
	ArchUniversal
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchI686:
		return "i686"
	case ArchARM64:
		return "aarch64"
	case ArchARMv7:
		return "armv7l"
	case ArchRiscv64:
		return "riscv64"
	case ArchUniversal:
		return "universal2"
	default:
		return "unknown"
	}
}

// Bits returns the pointer width of the architecture, or 0 for fat targets
func (a Arch) Bits() int {
	switch a {
	case ArchI686, ArchARMv7:
		return 32
	case ArchX86_64, ArchARM64, ArchRiscv64:
		return 64
	default:
		return 0
	}
}

// ParseArch parses an architecture string (GOARCH values and wheel tag spellings)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64":
		return ArchX86_64, nil
	case "i686", "i386", "386", "x86", "win32":
		return ArchI686, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	case "armv7l", "armv7", "arm":
		return ArchARMv7, nil
	case "riscv64", "riscv", "rv64":
		return ArchRiscv64, nil
	case "universal2", "universal", "intel":
		return ArchUniversal, nil
	default:
		return 0, fmt.Errorf("unsupported architecture: %s (supported: amd64, 386, arm64, armv7l, riscv64, universal2)", s)
	}
}

// OS type
type OS int

const (
	OSLinux OS = iota
	OSDarwin
	OSFreeBSD
	OSWindows
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSFreeBSD:
		return "freebsd"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// ParseOS parses an OS string (like GOOS values)
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(s) {
	case "linux", "manylinux":
		return OSLinux, nil
	case "darwin", "macos", "macosx":
		return OSDarwin, nil
	case "freebsd":
		return OSFreeBSD, nil
	case "windows", "win":
		return OSWindows, nil
	default:
		return 0, fmt.Errorf("unsupported OS: %s (supported: linux, darwin, freebsd, windows)", s)
	}
}

// Platform represents a target platform (architecture + OS) together with
// the wheel-style tag it was parsed from, e.g. "manylinux2014_x86_64".
type Platform struct {
	Arch Arch
	OS   OS
	Tag  string
}

// String returns the platform tag, or arch-os when no tag is known
func (p Platform) String() string {
	if p.Tag != "" {
		return p.Tag
	}
	return fmt.Sprintf("%s-%s", p.Arch, p.OS)
}

// FullString returns a detailed platform string
func (p Platform) FullString() string {
	return fmt.Sprintf("%s on %s (%s)", p.Arch, p.OS, p.String())
}

func (p Platform) IsWindows() bool { return p.OS == OSWindows }
func (p Platform) IsMacOS() bool   { return p.OS == OSDarwin }

// ParsePlatformTag parses a wheel platform tag.
//
//	manylinux2014_x86_64, manylinux_2_28_aarch64, linux_x86_64
//	win_amd64, win32, win_arm64
//	macosx_10_9_x86_64, macosx_11_0_arm64, macosx_10_9_universal2
//	freebsd_13_2_release_amd64
func ParsePlatformTag(tag string) (Platform, error) {
	lower := strings.ToLower(tag)
	p := Platform{Tag: tag}

	switch {
	case lower == "win32":
		p.OS, p.Arch = OSWindows, ArchI686
		return p, nil
	case strings.HasPrefix(lower, "win_"):
		p.OS = OSWindows
	case strings.HasPrefix(lower, "macosx_"):
		p.OS = OSDarwin
	case strings.HasPrefix(lower, "manylinux"), strings.HasPrefix(lower, "linux_"), strings.HasPrefix(lower, "musllinux"):
		p.OS = OSLinux
	case strings.HasPrefix(lower, "freebsd"):
		p.OS = OSFreeBSD
	default:
		return Platform{}, fmt.Errorf("unrecognized platform tag: %s", tag)
	}

	archStr := lower[strings.LastIndex(lower, "_")+1:]
	// Tags such as manylinux2014_x86_64 end in an arch that itself has an underscore
	if strings.HasSuffix(lower, "x86_64") {
		archStr = "x86_64"
	}
	arch, err := ParseArch(archStr)
	if err != nil {
		return Platform{}, fmt.Errorf("platform tag %s: %w", tag, err)
	}
	p.Arch = arch
	return p, nil
}
