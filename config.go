// Completion: 100% - Project manifest and environment overrides
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xyproto/env/v2"
)

// ProjectFile is the manifest looked for in the project directory
const ProjectFile = "pyfreeze.json"

// ProjectConfig describes what to build. Module lists are keyed by app
// name; the key "*" applies to every app.
type ProjectConfig struct {
	Name        string            `json:"name"`
	GUIApps     map[string]string `json:"gui_apps"`
	ConsoleApps map[string]string `json:"console_apps"`
	Platforms   []string          `json:"platforms"`
	BuildBase   string            `json:"build_base"`

	// Deps is a directory of wheels (or unpacked wheels), or a git
	// source "git+URL@ref" holding one. The panda3d wheel supplies the
	// stubs, deploy_libs and the default PRC files.
	Deps       string   `json:"deps"`
	SearchPath []string `json:"search_path"`

	IncludeModules map[string][]string `json:"include_modules"`
	ExcludeModules map[string][]string `json:"exclude_modules"`
	ForbidModules  map[string][]string `json:"forbid_modules"`
	HiddenImports  map[string][]string `json:"hidden_imports"`

	Plugins       []string `json:"plugins"`
	ExtraPRCData  string   `json:"extra_prc_data"`
	ExtraPRCFiles []string `json:"extra_prc_files"`
	EmbedPRCData  *bool    `json:"embed_prc_data"`
	DefaultPRCDir *string  `json:"default_prc_dir"`
	LogFilename   string   `json:"log_filename"`
	LogAppend     bool     `json:"log_append"`

	ExcludeDependencies []string          `json:"exclude_dependencies"`
	IncludePatterns     []string          `json:"include_patterns"`
	ExcludePatterns     []string          `json:"exclude_patterns"`
	RenamePaths         map[string]string `json:"rename_paths"`

	Optimize             *int   `json:"optimize"`
	PythonVersion        string `json:"python_version"`
	Python               string `json:"python"`
	PythonWasm           string `json:"python_wasm"`
	PythonWasmRoot       string `json:"python_wasm_root"`
	LinkExtensionModules bool   `json:"link_extension_modules"`

	// Dir is the project directory; relative paths are resolved against it
	Dir string `json:"-"`
}

// DefaultExcludeDependencies lists system libraries that are never copied
// next to an executable
var DefaultExcludeDependencies = []string{
	// Windows
	"kernel32.dll", "user32.dll", "wsock32.dll", "ws2_32.dll",
	"advapi32.dll", "opengl32.dll", "glu32.dll", "gdi32.dll",
	"shell32.dll", "ntdll.dll", "ws2help.dll", "rpcrt4.dll",
	"imm32.dll", "ddraw.dll", "shlwapi.dll", "secur32.dll",
	"dciman32.dll", "comdlg32.dll", "comctl32.dll", "ole32.dll",
	"oleaut32.dll", "gdiplus.dll", "winmm.dll", "iphlpapi.dll",
	"msvcrt.dll", "kernelbase.dll", "msimg32.dll", "msacm32.dll",
	"setupapi.dll", "version.dll", "userenv.dll", "netapi32.dll",
	"crypt32.dll", "bcrypt.dll",

	// manylinux/linux
	"libdl.so.*", "libstdc++.so.*", "libm.so.*", "libgcc_s.so.*",
	"libpthread.so.*", "libc.so.*",
	"ld-linux-x86-64.so.*", "ld-linux-aarch64.so.*",
	"libgl.so.*", "libx11.so.*", "libncursesw.so.*", "libz.so.*",
	"librt.so.*", "libutil.so.*", "libnsl.so.1", "libXext.so.6",
	"libXrender.so.1", "libICE.so.6", "libSM.so.6", "libEGL.so.1",
	"libOpenGL.so.0", "libGLdispatch.so.0", "libGLX.so.0",
	"libgobject-2.0.so.0", "libgthread-2.0.so.0", "libglib-2.0.so.0",

	// macOS
	"/usr/lib/libc++.1.dylib",
	"/usr/lib/libstdc++.*.dylib",
	"/usr/lib/libz.*.dylib",
	"/usr/lib/libobjc.*.dylib",
	"/usr/lib/libSystem.*.dylib",
	"/usr/lib/libbz2.*.dylib",
	"/usr/lib/libedit.*.dylib",
	"/usr/lib/libffi.dylib",
	"/usr/lib/libauditd.0.dylib",
	"/usr/lib/libgermantok.dylib",
	"/usr/lib/liblangid.dylib",
	"/usr/lib/libarchive.2.dylib",
	"/usr/lib/libipsec.A.dylib",
	"/usr/lib/libpanel.5.4.dylib",
	"/usr/lib/libiodbc.2.1.18.dylib",
	"/usr/lib/libhunspell-1.2.0.0.0.dylib",
	"/usr/lib/libsqlite3.dylib",
	"/usr/lib/libpam.1.dylib",
	"/usr/lib/libtidy.A.dylib",
	"/usr/lib/libDHCPServer.A.dylib",
	"/usr/lib/libpam.2.dylib",
	"/usr/lib/libXplugin.1.dylib",
	"/usr/lib/libxslt.1.dylib",
	"/usr/lib/libiodbcinst.2.1.18.dylib",
	"/usr/lib/libBSDPClient.A.dylib",
	"/usr/lib/libsandbox.1.dylib",
	"/usr/lib/libform.5.4.dylib",
	"/usr/lib/libbsm.0.dylib",
	"/usr/lib/libMatch.1.dylib",
	"/usr/lib/libresolv.9.dylib",
	"/usr/lib/libcharset.1.dylib",
	"/usr/lib/libxml2.2.dylib",
	"/usr/lib/libiconv.2.dylib",
	"/usr/lib/libScreenReader.dylib",
	"/usr/lib/libdtrace.dylib",
	"/usr/lib/libicucore.A.dylib",
	"/usr/lib/libsasl2.2.dylib",
	"/usr/lib/libpcap.A.dylib",
	"/usr/lib/libexslt.0.dylib",
	"/usr/lib/libcurl.4.dylib",
	"/usr/lib/libncurses.5.4.dylib",
	"/usr/lib/libxar.1.dylib",
	"/usr/lib/libmenu.5.4.dylib",
	"/System/Library/**",
}

// LoadProjectConfig reads a manifest. path may name the file or the
// directory holding pyfreeze.json.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, ProjectFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, InputMissingError("project manifest", path, err)
	}

	cfg := &ProjectConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.Dir = abs
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills in every unset field
func (c *ProjectConfig) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.Name == "" {
		c.Name = filepath.Base(c.Dir)
	}
	if c.BuildBase == "" {
		c.BuildBase = "build"
	}
	if c.Deps == "" {
		c.Deps = "wheels"
	}
	if len(c.Platforms) == 0 {
		c.Platforms = []string{HostPlatformTag()}
	}
	if c.EmbedPRCData == nil {
		embed := true
		c.EmbedPRCData = &embed
	}
	if c.DefaultPRCDir == nil {
		dir := ""
		if !*c.EmbedPRCData {
			dir = "<auto>etc"
		}
		c.DefaultPRCDir = &dir
	}
	if c.Optimize == nil {
		optimize := 2
		c.Optimize = &optimize
	}
	if c.ExcludeDependencies == nil {
		c.ExcludeDependencies = append([]string(nil), DefaultExcludeDependencies...)
	}
	if c.Python == "" {
		c.Python = "python3"
	}
}

// ApplyEnv lets PYFREEZE_* variables override the manifest
func (c *ProjectConfig) ApplyEnv() {
	c.Python = env.Str("PYFREEZE_PYTHON", c.Python)
	c.PythonWasm = env.Str("PYFREEZE_PYTHON_WASM", c.PythonWasm)
	c.BuildBase = env.Str("PYFREEZE_BUILD_BASE", c.BuildBase)
	if env.Has("PYFREEZE_OPTIMIZE") {
		optimize := env.Int("PYFREEZE_OPTIMIZE", *c.Optimize)
		c.Optimize = &optimize
	}
}

// Validate checks the manifest for values no build could use
func (c *ProjectConfig) Validate() error {
	if len(c.GUIApps)+len(c.ConsoleApps) == 0 {
		return fmt.Errorf("no gui_apps or console_apps defined")
	}
	for app := range c.GUIApps {
		if _, ok := c.ConsoleApps[app]; ok {
			return fmt.Errorf("app %q is both a gui and a console app", app)
		}
	}
	for _, tag := range c.Platforms {
		if _, err := NewTarget(tag, true); err != nil {
			return err
		}
	}
	if o := *c.Optimize; o < -1 || o > 2 {
		return fmt.Errorf("optimize must be between -1 and 2, not %d", o)
	}
	return nil
}

// Apps returns the apps to build in a stable order: GUI apps first, then
// console apps, each sorted by name
func (c *ProjectConfig) Apps() []App {
	var apps []App
	for _, name := range sortedKeys(c.GUIApps) {
		apps = append(apps, App{Name: name, Script: c.GUIApps[name]})
	}
	for _, name := range sortedKeys(c.ConsoleApps) {
		apps = append(apps, App{Name: name, Script: c.ConsoleApps[name], Console: true})
	}
	return apps
}

// App is one entry script that becomes one executable
type App struct {
	Name    string
	Script  string
	Console bool
}

// ModulesFor returns the names listed for app plus those listed for "*"
func ModulesFor(lists map[string][]string, app string) []string {
	return append(append([]string(nil), lists[app]...), lists["*"]...)
}

// Resolve makes p absolute against the project directory
func (c *ProjectConfig) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || isRepoSource(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// BuildDir returns the build directory of one platform
func (c *ProjectConfig) BuildDir(platform string) string {
	return filepath.Join(c.Resolve(c.BuildBase), platform)
}

// String renders the effective configuration for --verbose output
func (c *ProjectConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "project %s in %s\n", c.Name, c.Dir)
	for _, app := range c.Apps() {
		kind := "gui"
		if app.Console {
			kind = "console"
		}
		fmt.Fprintf(&sb, "  %s app %s: %s\n", kind, app.Name, app.Script)
	}
	fmt.Fprintf(&sb, "  platforms: %s\n", strings.Join(c.Platforms, ", "))
	fmt.Fprintf(&sb, "  deps: %s\n", c.Deps)
	fmt.Fprintf(&sb, "  optimize: %d, embed prc: %v\n", *c.Optimize, *c.EmbedPRCData)
	if len(c.Plugins) > 0 {
		plugins := append([]string(nil), c.Plugins...)
		sort.Strings(plugins)
		fmt.Fprintf(&sb, "  plugins: %s\n", strings.Join(plugins, ", "))
	}
	return sb.String()
}
