// Completion: 100% - Build driver: one build directory per platform
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/xyproto/pyfreeze/internal/engine"
)

// sitePy replaces the site module in frozen runtimes. It marks the
// interpreter as frozen and gives frozen modules a __file__.
const sitePy = `
import sys
from _frozen_importlib import _imp, FrozenImporter

sys.frozen = True

if sys.platform == 'win32' and sys.version_info < (3, 10):
    # Make sure the preferred encoding is something we actually support.
    import _bootlocale
    enc = _bootlocale.getpreferredencoding().lower()
    if enc != 'utf-8' and not _imp.is_frozen('encodings.%s' % (enc)):
        def getpreferredencoding(do_setlocale=True):
            return 'mbcs'
        _bootlocale.getpreferredencoding = getpreferredencoding

# Alter FrozenImporter to give a __file__ property to frozen modules.
_find_spec = FrozenImporter.find_spec

def find_spec(fullname, path=None, target=None):
    spec = _find_spec(fullname, path=path, target=target)
    if spec:
        spec.has_location = True
        spec.origin = sys.executable
    return spec

def get_data(path):
    with open(path, 'rb') as fp:
        return fp.read()

FrozenImporter.find_spec = find_spec
FrozenImporter.get_data = get_data
`

// sitePyTkinter points Tcl/Tk at a tcl directory next to the executable.
// The tkinter wheel does this itself.
const sitePyTkinter = `
# Set the TCL_LIBRARY directory to the location of the Tcl/Tk/Tix files.
import os
tcl_dir = os.path.join(os.path.dirname(sys.executable), 'tcl')
if os.path.isdir(tcl_dir):
    for dir in os.listdir(tcl_dir):
        sub_dir = os.path.join(tcl_dir, dir)
        if os.path.isdir(sub_dir):
            if dir.startswith('tcl') and os.path.isfile(os.path.join(sub_dir, 'init.tcl')):
                os.environ['TCL_LIBRARY'] = sub_dir
            if dir.startswith('tk'):
                os.environ['TK_LIBRARY'] = sub_dir
            if dir.startswith('tix'):
                os.environ['TIX_LIBRARY'] = sub_dir
del os
`

// prcCheckedPlugins are plugins whose PRC lines are dropped unless the
// plugin is shipped
var prcCheckedPlugins = []string{"pandaegg", "p3ffmpeg", "p3ptloader", "p3assimp"}

// Packager turns a finished build directory into a distributable
type Packager interface {
	Package(ctx context.Context, platform, buildDir string) error
}

// Builder runs a project build
type Builder struct {
	Config   *ProjectConfig
	Compiler Compiler
	Packager Packager // optional
	Update   bool     // refetch git dependency sources

	diag     *ErrorCollector
	archives *archiveCache
	copier   *DependencyCopier
}

// NewBuilder prepares a build of cfg. The compiler stays owned by the
// caller.
func NewBuilder(cfg *ProjectConfig, c Compiler) *Builder {
	b := &Builder{
		Config:   cfg,
		Compiler: c,
		diag:     NewErrorCollector(),
		archives: newArchiveCache(),
	}
	b.copier = NewDependencyCopier(cfg.ExcludeDependencies, b.archives, b.diag)
	return b
}

// Diagnostics returns the warnings collected so far
func (b *Builder) Diagnostics() *ErrorCollector {
	return b.diag
}

// Close releases opened wheels
func (b *Builder) Close() error {
	return b.archives.Close()
}

// Build builds every platform in turn, then hands each build directory to
// the packager
func (b *Builder) Build(ctx context.Context) error {
	for _, platform := range b.Config.Platforms {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.BuildRuntimes(ctx, platform); err != nil {
			return fmt.Errorf("building %s: %w", platform, err)
		}
		if b.Packager != nil {
			if err := b.Packager.Package(ctx, platform, b.Config.BuildDir(platform)); err != nil {
				return fmt.Errorf("packaging %s: %w", platform, err)
			}
		}
	}
	return nil
}

// platformBuild is the state of one BuildRuntimes call
type platformBuild struct {
	platform engine.Platform
	version  engine.PythonVersion
	buildDir string
	wheels   *WheelSet
	path     []string
	prc      string

	extras     []ExtraModule
	modules    map[string]bool
	modPaths   []string
	extSuffix  []string
	seenExtras map[ExtraModule]bool
}

// BuildRuntimes freezes every app of the project for one platform into a
// fresh build directory and copies everything the executables need next
// to them
func (b *Builder) BuildRuntimes(ctx context.Context, platformTag string) error {
	cfg := b.Config
	platform, err := engine.ParsePlatformTag(platformTag)
	if err != nil {
		return err
	}
	version, err := b.pythonVersion()
	if err != nil {
		return err
	}

	pb := &platformBuild{
		platform:   platform,
		version:    version,
		buildDir:   cfg.BuildDir(platformTag),
		modules:    make(map[string]bool),
		seenExtras: make(map[ExtraModule]bool),
		extSuffix:  engine.ExtensionSuffixes(engine.ModuleSuffixes(platform, version)),
	}
	if err := os.RemoveAll(pb.buildDir); err != nil {
		return IOError("remove build directory", pb.buildDir, err)
	}
	if err := os.MkdirAll(pb.buildDir, 0o755); err != nil {
		return IOError("create build directory", pb.buildDir, err)
	}

	depsDir, err := OpenDependencySource(cfg.Resolve(cfg.Deps), b.Update)
	if err != nil {
		return err
	}
	pb.wheels, err = FindWheels(depsDir, platformTag, version, b.archives)
	if err != nil {
		return err
	}
	pb.path, err = b.modulePath(pb.wheels)
	if err != nil {
		return err
	}

	infof("Building runtime for platform: %s", platformTag)

	if err := b.gatherPRC(pb); err != nil {
		return err
	}

	for _, app := range cfg.Apps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.createRuntime(pb, app); err != nil {
			return fmt.Errorf("%s: %w", app.Name, err)
		}
	}

	if !pb.wheels.Tkinter && pb.modules["_tkinter"] {
		warnf("Detected use of tkinter, but no tkinter wheel was found for %s", platformTag)
	}

	if err := b.copyExtensions(pb); err != nil {
		return err
	}
	return b.copyGameFiles(pb)
}

func (b *Builder) pythonVersion() (engine.PythonVersion, error) {
	if b.Config.PythonVersion != "" {
		return engine.ParsePythonVersion(b.Config.PythonVersion)
	}
	return b.Compiler.Version()
}

// modulePath is searched for modules: deploy_libs first, then the wheels,
// then the configured directories and the interpreter's own path
func (b *Builder) modulePath(ws *WheelSet) ([]string, error) {
	path := []string{ws.DeployLibs()}
	for i := len(ws.Wheels) - 1; i >= 0; i-- {
		path = append(path, ws.Wheels[i])
	}
	for _, dir := range b.Config.SearchPath {
		path = append(path, b.Config.Resolve(dir))
	}
	if sp, ok := b.Compiler.(interface{ SysPath() ([]string, error) }); ok {
		dirs, err := sp.SysPath()
		if err != nil {
			return nil, fmt.Errorf("querying interpreter search path: %w", err)
		}
		path = append(path, dirs...)
	}
	return append(path, b.Config.Dir), nil
}

// gatherPRC collects the wheel's PRC files and the user's PRC data into
// one cleaned up configuration, written out unless it is embedded
func (b *Builder) gatherPRC(pb *platformBuild) error {
	cfg := b.Config
	prc, err := pb.wheels.PRCData()
	if err != nil {
		return err
	}
	user := cfg.ExtraPRCData
	for _, fn := range cfg.ExtraPRCFiles {
		data, err := os.ReadFile(cfg.Resolve(fn))
		if err != nil {
			return InputMissingError("prc file", fn, err)
		}
		user += string(data)
	}

	lines := append(parsePRC(prc, cfg.Name, cfg.Plugins, false), parsePRC(user, cfg.Name, cfg.Plugins, true)...)
	pb.prc = strings.Join(lines, "\n")

	if *cfg.EmbedPRCData {
		return nil
	}
	dir := filepath.Join(pb.buildDir, filepath.FromSlash(strings.ReplaceAll(*cfg.DefaultPRCDir, "<auto>", "")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return IOError("create prc directory", dir, err)
	}
	target := filepath.Join(dir, "00-panda3d.prc")
	if err := os.WriteFile(target, []byte(pb.prc), 0o644); err != nil {
		return IOError("write", target, err)
	}
	return nil
}

// parsePRC strips comments and blank lines from PRC data and drops lines
// that configure plugins which are not shipped
func parsePRC(prc, appName string, plugins []string, warnMissing bool) []string {
	var out []string
	for _, ln := range strings.Split(prc, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		fields := strings.Fields(ln)
		variable := fields[0]
		value := strings.TrimSpace(strings.TrimPrefix(ln, variable))

		if c := strings.Index(value, " #"); c > 0 {
			value = strings.TrimRight(value[:c], " \t")
		}

		switch variable {
		case "model-cache-dir":
			if value != "" {
				value = strings.Replace(value, "/panda3d", "/"+appName, 1)
			}
		case "audio-library-name":
			if value == "p3fmod_audio" && !slices.Contains(plugins, value) && slices.Contains(plugins, "p3openal_audio") {
				warnf("Missing audio plugin p3fmod_audio referenced in PRC data, replacing with p3openal_audio")
				value = "p3openal_audio"
			}
		case "aux-display":
			if !slices.Contains(plugins, value) {
				continue
			}
		}

		use := true
		for _, plugin := range prcCheckedPlugins {
			if strings.Contains(value, plugin) && !slices.Contains(plugins, plugin) {
				use = false
				if warnMissing {
					warnf("Missing plugin (%s) referenced in user PRC data", plugin)
				}
				break
			}
		}
		if !use {
			continue
		}
		if value != "" {
			out = append(out, variable+" "+value)
		} else {
			out = append(out, variable)
		}
	}
	return out
}

// createRuntime freezes one app and writes its executable
func (b *Builder) createRuntime(pb *platformBuild, app App) error {
	cfg := b.Config
	site := sitePy
	if !pb.wheels.Tkinter {
		site += sitePyTkinter
	}

	f, err := NewFreezer(b.Compiler, FreezerOptions{
		Platform:    pb.platform,
		Version:     pb.version,
		Path:        pb.path,
		Optimize:    *cfg.Optimize,
		Hidden:      cfg.HiddenImports,
		Diagnostics: b.diag,
	})
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.AddModule("__main__", AddOptions{Filename: cfg.Resolve(app.Script)}); err != nil {
		return err
	}
	if err := f.AddModule("site", AddOptions{Filename: "site.py", Text: []byte(site)}); err != nil {
		return err
	}
	for _, name := range ModulesFor(cfg.IncludeModules, app.Name) {
		if err := f.AddModule(name, AddOptions{}); err != nil {
			return err
		}
	}
	for _, name := range ModulesFor(cfg.ExcludeModules, app.Name) {
		if err := f.ExcludeModule(name, false, false); err != nil {
			return err
		}
	}
	for _, name := range ModulesFor(cfg.ForbidModules, app.Name) {
		if err := f.ExcludeModule(name, true, false); err != nil {
			return err
		}
	}
	if err := f.Done(true); err != nil {
		return err
	}

	target := Target{Platform: pb.platform, Console: app.Console}
	stubName := target.StubName()
	stub, err := pb.wheels.Stub(stubName)
	if err != nil {
		return err
	}

	logFilename, err := target.ExpandPath(cfg.LogFilename)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"default_prc_dir": *cfg.DefaultPRCDir,
	}
	if *cfg.EmbedPRCData {
		fields["prc_data"] = pb.prc
	}
	if logFilename != "" {
		fields["log_filename"] = logFilename
	}

	targetPath := filepath.Join(pb.buildDir, target.ExecutableName(app.Name))
	if _, err := f.GenerateRuntimeFromStub(targetPath, stub, app.Console, fields, cfg.LogAppend); err != nil {
		return err
	}
	searchPath := []string{pb.buildDir, pb.wheels.DeployLibs()}
	if err := b.copier.CopyDependencies(targetPath, pb.buildDir, searchPath, stubName); err != nil {
		return err
	}

	for _, extra := range f.Extras() {
		if !pb.seenExtras[extra] {
			pb.seenExtras[extra] = true
			pb.extras = append(pb.extras, extra)
		}
	}
	for _, name := range f.GetAllModuleNames() {
		pb.modules[name] = true
	}
	for _, nd := range f.GetModuleDefs() {
		if nd.Def.Filename != "" {
			pb.modPaths = append(pb.modPaths, nd.Def.Filename)
		}
		if m, ok := f.Finder().Module(nd.Def.ModuleName); ok && m.File != "" {
			pb.modPaths = append(pb.modPaths, m.File)
		}
	}
	infof("Built %s", targetPath)
	return nil
}

// extensionName is the file name an extension module gets next to the
// executable: the package prefix is folded into the name and the ABI tag
// dropped, e.g. panda3d/core.cpython-311-x86_64-linux-gnu.so becomes
// panda3d.core.so
func extensionName(module, source string) string {
	base := filepath.Base(source)
	if i := strings.LastIndexByte(module, '.'); i >= 0 {
		base = module[:i] + "." + base
	}
	parts := strings.Split(base, ".")
	if n := len(parts); n >= 3 && (strings.Contains(parts[n-2], "-") || parts[n-2] == "abi3") {
		parts = append(parts[:n-2], parts[n-1])
		base = strings.Join(parts, ".")
	}
	return base
}

// copyExtensions copies the requested plugins and every extension module
// the runtimes need, with their shared library dependencies
func (b *Builder) copyExtensions(pb *platformBuild) error {
	ws := pb.wheels
	members, err := ws.Members()
	if err != nil {
		return err
	}

	// Extension modules shipped in deploy_libs, by module name
	deployLibs := make(map[string]string)
	for _, m := range members {
		if !strings.HasPrefix(m, "deploy_libs/") {
			continue
		}
		if !slices.ContainsFunc(pb.extSuffix, func(s string) bool { return strings.HasSuffix(m, s) }) {
			continue
		}
		if ws.Tkinter && strings.HasPrefix(m, "deploy_libs/_tkinter.") {
			continue
		}
		module, _, _ := strings.Cut(filepath.Base(filepath.FromSlash(m)), ".")
		deployLibs[module] = m
	}

	// Builtins of the build interpreter may be shared objects on the target
	extras := slices.Clone(pb.extras)
	for _, extra := range pb.extras {
		delete(pb.modules, extra.Name)
	}
	for _, name := range sortedKeys(pb.modules) {
		if _, ok := deployLibs[name]; ok {
			extras = append(extras, ExtraModule{Name: name})
		}
	}

	plugins := make(map[string]bool)
	for _, plugin := range b.Config.Plugins {
		plugins["panda3d/lib"+plugin] = true
	}
	for _, m := range members {
		name, _, _ := strings.Cut(m, ".")
		if !plugins[name] {
			continue
		}
		source := filepath.Join(ws.Panda3D, filepath.FromSlash(m))
		target := filepath.Join(pb.buildDir, filepath.Base(source))
		if err := b.copier.CopyWithDependencies(source, target, []string{filepath.Dir(source)}); err != nil {
			return err
		}
	}

	for _, extra := range extras {
		source := extra.Filename
		var base string
		if source != "" {
			source = filepath.Clean(source)
			base = extensionName(extra.Name, source)
			if !ws.Contains(source) {
				warnf("%s was not found in any wheel, is a dependency missing from %s?", base, b.Config.Deps)
			}
		} else {
			member, ok := deployLibs[extra.Name]
			if !ok {
				continue
			}
			source = filepath.Join(ws.Panda3D, filepath.FromSlash(member))
			base = filepath.Base(source)
		}
		target := filepath.Join(pb.buildDir, base)
		if err := b.copier.CopyWithDependencies(source, target, ws.SearchPathFor(source)); err != nil {
			return err
		}
	}
	return nil
}

// copyGameFiles copies the project files selected by include_patterns,
// minus the ignored ones, into the build directory
func (b *Builder) copyGameFiles(pb *platformBuild) error {
	cfg := b.Config
	infof("Copying game files for platform: %s", pb.platform)
	if len(cfg.IncludePatterns) == 0 {
		return nil
	}

	ignore := []string{"**/__pycache__/**", "**/*.pyc", strings.TrimSuffix(relSlash(cfg.Dir, cfg.Resolve(cfg.BuildBase)), "/") + "/**"}
	ignore = append(ignore, cfg.ExcludePatterns...)
	// Frozen sources and PRC input are never copied
	consumed := make(map[string]bool)
	for _, p := range pb.modPaths {
		consumed[absPath(p)] = true
	}
	for _, p := range cfg.ExtraPRCFiles {
		consumed[absPath(cfg.Resolve(p))] = true
	}

	return filepath.WalkDir(cfg.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == cfg.Dir {
			return nil
		}
		rel := relSlash(cfg.Dir, p)
		if d.IsDir() {
			if skipDirectory(rel, filepath.ToSlash(p), ignore) {
				verbosef("skipping directory %s", rel)
				return filepath.SkipDir
			}
			return nil
		}
		if consumed[absPath(p)] || !matchesAny(rel, filepath.ToSlash(p), cfg.IncludePatterns) || matchesAny(rel, filepath.ToSlash(p), ignore) {
			verbosef("skipping file %s", rel)
			return nil
		}
		target := filepath.Join(pb.buildDir, filepath.FromSlash(renamePath(rel, cfg.RenamePaths)))
		return b.copier.Copy(p, target)
	})
}

// matchesAny matches absolute patterns against abs and the others against
// the project-relative path
func matchesAny(rel, abs string, patterns []string) bool {
	for _, pattern := range patterns {
		name := rel
		if strings.HasPrefix(pattern, "/") {
			name = abs
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// skipDirectory reports whether a directory is ignored as a whole by a
// pattern ending in /* or /**
func skipDirectory(rel, abs string, ignore []string) bool {
	for _, pattern := range ignore {
		dir, ok := strings.CutSuffix(pattern, "/**")
		if !ok {
			if dir, ok = strings.CutSuffix(pattern, "/*"); !ok {
				continue
			}
		}
		if matchesAny(rel, abs, []string{dir}) {
			return true
		}
	}
	return false
}

// renamePath applies the first matching prefix of rename_paths, longest
// prefixes first
func renamePath(rel string, renames map[string]string) string {
	prefixes := sortedKeys(renames)
	sort.SliceStable(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if strings.HasPrefix(rel, prefix) {
			return renames[prefix] + rel[len(prefix):]
		}
	}
	return rel
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
