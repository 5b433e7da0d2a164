// Completion: 100% - Module policy table driving the finder
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/xyproto/pyfreeze/internal/engine"
)

// freezer.go - Freezer
//
// Holds one definition per dotted module name. Definitions are added and
// excluded by the caller, then Done runs the finder over the includes and
// folds everything it discovered back into the table. The table is
// read-only once Done returns; Reset starts a new pass that skips whatever
// the previous pass emitted.

// ModuleDef is the policy for one module
type ModuleDef struct {
	ModuleName    string // module to load; differs from the table key when renamed
	Filename      string // explicit source or .pyc file, if any
	Text          []byte // source text used instead of reading Filename
	Implicit      bool   // pulled in by a dependency rather than requested
	Guess         bool   // may not exist; failure to load is silent
	Exclude       bool
	Forbid        bool // excluded, and the runtime refuses to import it
	AllowChildren bool // submodules of an excluded module may still be included
}

func (d *ModuleDef) normalize() {
	if !d.Exclude {
		d.AllowChildren = true
	}
	if d.Forbid {
		d.Exclude = true
		d.AllowChildren = false
	}
}

// Status names the policy: forbid, exclude, guess, implicit or include
func (d *ModuleDef) Status() string {
	switch {
	case d.Forbid:
		return "forbid"
	case d.Exclude:
		return "exclude"
	case d.Guess:
		return "guess"
	case d.Implicit:
		return "implicit"
	default:
		return "include"
	}
}

func (d *ModuleDef) String() string {
	var args []string
	args = append(args, fmt.Sprintf("%q", d.ModuleName))
	if d.Filename != "" {
		args = append(args, "filename="+d.Filename)
	}
	if d.Implicit {
		args = append(args, "implicit")
	}
	if d.Guess {
		args = append(args, "guess")
	}
	if d.Exclude {
		args = append(args, "exclude")
	}
	if d.Forbid {
		args = append(args, "forbid")
	}
	if d.AllowChildren && d.Exclude {
		args = append(args, "allowChildren")
	}
	return "ModuleDef(" + strings.Join(args, ", ") + ")"
}

// NamedModuleDef pairs a table key with its definition
type NamedModuleDef struct {
	Name string
	Def  *ModuleDef
}

// ExtraModule is an extension module that cannot be frozen. It has to be
// copied next to the executable.
type ExtraModule struct {
	Name     string
	Filename string
}

// AddOptions are the optional arguments of AddModule
type AddOptions struct {
	Implicit bool
	Guess    bool
	NewName  string // store under this name instead
	Filename string
	Text     []byte
}

// FreezerOptions configures a Freezer
type FreezerOptions struct {
	Platform  engine.Platform
	Version   engine.PythonVersion // detected from the compiler when zero
	Path      []string             // module search path
	Optimize  int
	Overrides map[string]string   // merged over the linecache override
	Hidden    map[string][]string // merged over the built-in hidden imports
	Frozen    []string            // defaults to the importlib bootstrap modules

	LinkExtensionModules bool // C output only

	// Diagnostics deduplicates the missing-module report across freezers
	// of the same build. A new collector is used when nil.
	Diagnostics *ErrorCollector
}

// Freezer collects module policy and produces frozen module sets
type Freezer struct {
	Platform             engine.Platform
	Version              engine.PythonVersion
	Path                 []string
	Optimize             int
	LinkExtensionModules bool

	compiler      Compiler
	suffixes      []engine.Suffix
	hiddenImports map[string][]string
	overrides     map[string]string
	builtins      []string
	frozen        []string
	diag          *ErrorCollector
	archives      *archiveCache

	modules         map[string]*ModuleDef
	previousModules map[string]*ModuleDef
	packagePaths    map[string][]string
	extras          []ExtraModule
	renamed         map[string]*CodeObject

	mf *ModuleFinder
}

// NewFreezer creates a freezer that compiles with c
func NewFreezer(c Compiler, opts FreezerOptions) (*Freezer, error) {
	version := opts.Version
	if version.Major == 0 {
		v, err := c.Version()
		if err != nil {
			return nil, fmt.Errorf("querying python version: %w", err)
		}
		version = v
	}
	builtins, err := c.BuiltinModules()
	if err != nil {
		return nil, fmt.Errorf("querying builtin modules: %w", err)
	}

	path := opts.Path
	if path == nil {
		path = []string{"."}
	}
	frozen := opts.Frozen
	if frozen == nil {
		frozen = defaultFrozenModules
	}
	overrides := make(map[string]string, len(defaultOverrides)+len(opts.Overrides))
	for k, v := range defaultOverrides {
		overrides[k] = v
	}
	for k, v := range opts.Overrides {
		overrides[k] = v
	}
	diag := opts.Diagnostics
	if diag == nil {
		diag = NewErrorCollector()
	}

	f := &Freezer{
		Platform:             opts.Platform,
		Version:              version,
		Path:                 append([]string(nil), path...),
		Optimize:             opts.Optimize,
		LinkExtensionModules: opts.LinkExtensionModules,
		compiler:             c,
		suffixes:             engine.ModuleSuffixes(opts.Platform, version),
		hiddenImports:        mergeHiddenImports(opts.Hidden),
		overrides:            overrides,
		builtins:             builtins,
		frozen:               frozen,
		diag:                 diag,
		archives:             newArchiveCache(),
		modules:              make(map[string]*ModuleDef),
		previousModules:      make(map[string]*ModuleDef),
		packagePaths:         make(map[string][]string),
		renamed:              make(map[string]*CodeObject),
	}

	// doctest pulls in pdb and the unittest machinery
	if err := f.ExcludeModule("doctest", false, false); err != nil {
		return nil, err
	}
	return f, nil
}

// Close releases the archives opened while freezing. The compiler is owned
// by the caller.
func (f *Freezer) Close() error {
	if f.mf != nil {
		f.mf.Close()
	}
	return f.archives.Close()
}

// Diagnostics returns the collector that records missing modules
func (f *Freezer) Diagnostics() *ErrorCollector {
	return f.diag
}

// Finder returns the finder created by Done, or nil before Done
func (f *Freezer) Finder() *ModuleFinder {
	return f.mf
}

// Extras returns the extension modules found by the last output pass
func (f *Freezer) Extras() []ExtraModule {
	return append([]ExtraModule(nil), f.extras...)
}

func (f *Freezer) checkOpen(op string) error {
	if f.mf != nil {
		return fmt.Errorf("%s after done(); call Reset first", op)
	}
	return nil
}

// ExcludeFrom marks every module another freezer has already handled, so
// this pass does not emit it again
func (f *Freezer) ExcludeFrom(other *Freezer) error {
	if err := f.checkOpen("ExcludeFrom"); err != nil {
		return err
	}
	for name, def := range other.modules {
		f.previousModules[name] = def
		f.modules[name] = def
	}
	return nil
}

// Reset starts a new pass. Everything handled so far counts as previously
// emitted.
func (f *Freezer) Reset() {
	f.previousModules = f.modules
	f.modules = make(map[string]*ModuleDef, len(f.previousModules))
	for name, def := range f.previousModules {
		f.modules[name] = def
	}
	f.extras = nil
	f.renamed = make(map[string]*CodeObject)
	if f.mf != nil {
		f.mf.Close()
		f.mf = nil
	}
}

// ExcludeModule keeps a module out of the frozen set. A forbidden module is
// also recorded with zero size so the runtime refuses to import it. Trailing
// ".*" or "**" patterns exclude a whole subtree.
func (f *Freezer) ExcludeModule(name string, forbid, allowChildren bool) error {
	if err := f.checkOpen("ExcludeModule"); err != nil {
		return err
	}
	if forbid {
		if prev, ok := f.modules[name]; ok && !prev.Exclude && !prev.Implicit && !prev.Guess {
			if f.previousModules[name] != prev {
				return PolicyConflictError(name)
			}
		}
	}
	def := &ModuleDef{ModuleName: name, Exclude: true, Forbid: forbid, AllowChildren: allowChildren}
	def.normalize()
	f.modules[name] = def
	return nil
}

// HandleCustomPath adds directories to the __path__ of a package that
// extends its own search path at import time
func (f *Freezer) HandleCustomPath(name string, dirs ...string) {
	for _, dir := range dirs {
		if !slices.Contains(f.packagePaths[name], dir) {
			f.packagePaths[name] = append(f.packagePaths[name], dir)
		}
	}
}

// locate does what the interpreter's find_module does on disk: it returns
// the directory of a package, or "" if name is a plain module or absent
func (f *Freezer) locate(base string, path []string) (dir string, isModule bool) {
	for _, entry := range path {
		basename := filepath.Join(entry, base)
		for _, suffix := range f.suffixes {
			if f.archives.isFile(filepath.Join(basename, "__init__"+suffix.Ext)) {
				return basename, true
			}
		}
		for _, suffix := range f.suffixes {
			if f.archives.isFile(basename + suffix.Ext) {
				return "", true
			}
		}
	}
	return "", false
}

// getModulePath returns the package directories of name, or nil if name is
// not a package on the search path
func (f *Freezer) getModulePath(name string) []string {
	path := f.Path
	if parent := engine.ParentName(name); parent != "" {
		path = f.getModulePath(parent)
		if path == nil {
			return nil
		}
	}
	dir, _ := f.locate(engine.BaseName(name), path)
	if dir == "" {
		return nil
	}
	return append([]string{dir}, f.packagePaths[name]...)
}

// moduleFile returns the source file of a plain module or package
func (f *Freezer) moduleFile(name string) string {
	path := f.Path
	if parent := engine.ParentName(name); parent != "" {
		path = f.getModulePath(parent)
	}
	base := engine.BaseName(name)
	for _, entry := range path {
		basename := filepath.Join(entry, base)
		if init := filepath.Join(basename, "__init__.py"); f.archives.isFile(init) {
			return init
		}
		if f.archives.isFile(basename + ".py") {
			return basename + ".py"
		}
	}
	return ""
}

// getModuleStar returns the names a "from name import *" would bring in:
// the literal __all__ of the module if it has one, otherwise the source
// modules in its package directories. It returns nil if name is neither.
func (f *Freezer) getModuleStar(name string) ([]string, error) {
	if file := f.moduleFile(name); file != "" {
		source, err := f.archives.readFile(file)
		if err != nil {
			return nil, IOError("read module source", file, err)
		}
		code, err := f.compiler.CompileSource(source, file, f.Optimize)
		if err == nil && code.AllNames != nil {
			return code.AllNames, nil
		}
	}

	dirs := f.getModulePath(name)
	if dirs == nil {
		return nil, nil
	}
	seen := make(map[string]bool)
	names := []string{}
	for _, dir := range dirs {
		entries, err := f.archives.listDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if strings.HasSuffix(entry, ".py") && entry != "__init__.py" {
				mod := strings.TrimSuffix(entry, ".py")
				if !seen[mod] {
					seen[mod] = true
					names = append(names, mod)
				}
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// gatherSubmodules expands "x.*" and "x.*.*" patterns into definitions
// shaped like tmpl. A pattern whose parent turns out to be a plain module
// yields that module instead.
func (f *Freezer) gatherSubmodules(moduleName, newName string, tmpl ModuleDef) (map[string]*ModuleDef, error) {
	if newName == "" {
		newName = moduleName
	}
	if !strings.HasSuffix(moduleName, ".*") || !strings.HasSuffix(newName, ".*") {
		return nil, fmt.Errorf("%s is not a wildcard pattern", moduleName)
	}

	type pair struct{ name, newName string }
	parentNames := []pair{{moduleName[:len(moduleName)-2], newName[:len(newName)-2]}}

	if topName, ok := strings.CutSuffix(parentNames[0].name, ".*"); ok {
		newTopName, ok := strings.CutSuffix(parentNames[0].newName, ".*")
		if !ok {
			return nil, fmt.Errorf("%s cannot be renamed to %s", moduleName, newName)
		}
		// x.*.*: every subpackage directory of x
		parentNames = parentNames[:0]
		for _, dir := range f.getModulePath(topName) {
			entries, err := f.archives.listDir(dir)
			if err != nil {
				continue
			}
			sort.Strings(entries)
			for _, entry := range entries {
				if !f.archives.isFile(filepath.Join(dir, entry, "__init__.py")) {
					continue
				}
				name := topName + "." + entry
				if f.getModulePath(name) != nil {
					parentNames = append(parentNames, pair{name, newTopName + "." + entry})
				}
			}
		}
	}

	result := make(map[string]*ModuleDef)
	for _, p := range parentNames {
		names, err := f.getModuleStar(p.name)
		if err != nil {
			return nil, err
		}
		if names == nil {
			def := tmpl
			def.ModuleName = p.name
			def.normalize()
			result[p.newName] = &def
			continue
		}
		for _, basename := range names {
			def := tmpl
			def.ModuleName = p.name + "." + basename
			def.Guess = true
			def.Text = nil
			def.normalize()
			result[p.newName+"."+basename] = &def
		}
	}
	return result, nil
}

// AddModule adds a module to the frozen set. A trailing ".*" adds every
// module of the package or its __all__; ".*.*" does that for each
// subpackage instead.
func (f *Freezer) AddModule(name string, opts AddOptions) error {
	if err := f.checkOpen("AddModule"); err != nil {
		return err
	}
	newName := opts.NewName
	if newName == "" {
		newName = name
	}
	tmpl := ModuleDef{Implicit: opts.Implicit, Guess: opts.Guess, Text: opts.Text}
	weak := opts.Implicit || opts.Guess

	if strings.HasSuffix(name, ".*") {
		if !strings.HasSuffix(newName, ".*") {
			newName += ".*"
		}
		defs, err := f.gatherSubmodules(name, newName, tmpl)
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(defs) {
			if err := f.setInclude(key, defs[key], weak); err != nil {
				return err
			}
		}
		return nil
	}

	def := tmpl
	def.ModuleName = name
	def.Filename = opts.Filename
	def.normalize()
	return f.setInclude(newName, &def, weak)
}

func (f *Freezer) setInclude(key string, def *ModuleDef, weak bool) error {
	if prev, ok := f.modules[key]; ok && prev.Forbid && !weak && f.previousModules[key] != prev {
		return PolicyConflictError(key)
	}
	f.modules[key] = def
	return nil
}

// Done resolves the includes through the finder and adds everything they
// import. With addStartupModules the modules the interpreter needs before
// running __main__ are added too.
func (f *Freezer) Done(addStartupModules bool) error {
	if err := f.checkOpen("Done"); err != nil {
		return err
	}

	if addStartupModules {
		f.modules["_frozen_importlib"] = &ModuleDef{ModuleName: "importlib._bootstrap", Implicit: true, AllowChildren: true}
		f.modules["_frozen_importlib_external"] = &ModuleDef{ModuleName: "importlib._bootstrap_external", Implicit: true, AllowChildren: true}
		for _, name := range startupModules {
			if _, ok := f.modules[name]; !ok {
				if err := f.AddModule(name, AddOptions{Implicit: true}); err != nil {
					return err
				}
			}
		}
	}

	var includes, autoIncludes []*ModuleDef
	excludeDict := make(map[string]*ModuleDef)
	origToNewName := make(map[string]string)

	for _, newName := range sortedKeys(f.modules) {
		def := f.modules[newName]
		moduleName := def.ModuleName
		origToNewName[moduleName] = newName
		if def.Implicit && strings.Contains(newName, ".") {
			if parent, ok := excludeDict[engine.ParentName(newName)]; ok {
				def = parent
			}
		}
		switch {
		case def.Exclude:
			if !def.AllowChildren {
				excludeDict[moduleName] = def
			}
		case def.Implicit || def.Guess:
			autoIncludes = append(autoIncludes, def)
		default:
			includes = append(includes, def)
		}
	}

	f.mf = NewModuleFinder(f.compiler, FinderOptions{
		Path:         f.Path,
		Suffixes:     f.suffixes,
		Excludes:     sortedKeys(excludeDict),
		Overrides:    f.overrides,
		Builtins:     f.builtins,
		Frozen:       f.frozen,
		PackagePaths: f.packagePaths,
		Optimize:     f.Optimize,
		archives:     f.archives,
	})

	sort.SliceStable(includes, func(i, j int) bool {
		return engine.CompareDotted(includes[i].ModuleName, includes[j].ModuleName) < 0
	})
	for _, def := range includes {
		err := f.loadModuleDef(def)
		if err == nil {
			continue
		}
		var ie *ImportError
		if !errors.As(err, &ie) {
			return err
		}
		message := "Unknown module: " + def.ModuleName
		if ie.Msg != "No module named "+def.ModuleName {
			message += " (" + ie.Msg + ")"
		}
		printf("%s", message)
		if similar := engine.FindSimilarNames(def.ModuleName, f.topLevelNames(), 3); len(similar) > 0 {
			infof("  did you mean: %s?", strings.Join(similar, ", "))
		}
	}

	for _, def := range autoIncludes {
		if err := f.loadModuleDef(def); err == nil {
			def.Guess = false
		}
	}

	if err := f.loadHiddenImports(); err != nil {
		return err
	}

	for _, origName := range f.mf.ModuleNames() {
		if _, ok := origToNewName[origName]; !ok {
			f.modules[origName] = &ModuleDef{ModuleName: origName, Implicit: true, AllowChildren: true}
		}
	}

	f.reportMissing()
	return nil
}

func (f *Freezer) loadHiddenImports() error {
	for _, origName := range f.mf.ModuleNames() {
		for _, modname := range f.hiddenImports[origName] {
			if strings.HasSuffix(modname, ".*") {
				defs, err := f.gatherSubmodules(modname, "", ModuleDef{Implicit: true})
				if err != nil {
					return err
				}
				for _, key := range sortedKeys(defs) {
					if err := f.loadModuleDef(defs[key]); err != nil && !isImportError(err) {
						return err
					}
				}
				continue
			}
			err := f.loadModuleDef(&ModuleDef{ModuleName: modname, Implicit: true, AllowChildren: true})
			if err != nil {
				if !isImportError(err) {
					return err
				}
				verbosef("hidden import %s of %s: %v", modname, origName, err)
			}
		}
	}
	return nil
}

func (f *Freezer) reportMissing() {
	missing, _ := f.mf.AnyMissingMaybe()
	var report []string
	for _, origName := range missing {
		if slices.Contains(startupModules, origName) {
			continue
		}
		if _, ok := f.previousModules[origName]; ok {
			continue
		}
		if _, ok := f.modules[origName]; ok {
			continue
		}
		f.modules[origName] = &ModuleDef{ModuleName: origName, Exclude: true, Implicit: true}
		if okMissing[origName] {
			continue
		}
		if f.diag.AddWarning(&FreezeError{Kind: KindResolutionMiss, Module: origName, Message: "missing module " + origName}) {
			report = append(report, origName)
		}
	}
	if len(report) > 0 {
		sort.Strings(report)
		printf("There are some missing modules: %s", pyListRepr(report))
	}
}

// loadModuleDef loads one definition into the finder
func (f *Freezer) loadModuleDef(def *ModuleDef) error {
	if def.Filename == "" {
		_, err := f.mf.ImportHook(def.ModuleName, nil, nil, 0)
		return err
	}

	if def.Text == nil && !f.archives.isFile(def.Filename) {
		return InputMissingError("module "+def.ModuleName, def.Filename, os.ErrNotExist)
	}
	if !strings.Contains(def.ModuleName, ".") {
		// Let a top-level script import its siblings
		saved := f.mf.Path
		f.mf.Path = append(slices.Clip(saved), filepath.Dir(def.Filename))
		defer func() { f.mf.Path = saved }()
	}
	_, err := f.mf.LoadFile(def.ModuleName, def.Filename, def.Text)
	return err
}

// topLevelNames lists module names found directly on the search path, as
// candidates for "did you mean" hints
func (f *Freezer) topLevelNames() []string {
	seen := make(map[string]bool)
	for _, dir := range f.Path {
		entries, err := f.archives.listDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			for _, suffix := range f.suffixes {
				if strings.HasSuffix(entry, suffix.Ext) {
					entry = strings.TrimSuffix(entry, suffix.Ext)
					break
				}
			}
			seen[entry] = true
		}
	}
	return sortedKeys(seen)
}

// GetAllModuleNames returns the sorted names of every module that will be
// frozen or forbidden
func (f *Freezer) GetAllModuleNames() []string {
	var names []string
	for name, def := range f.modules {
		if def.Guess {
			continue
		}
		if def.Exclude && !def.Forbid {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetModuleDefs returns the definitions to emit in this pass, sorted by
// name. Modules already emitted by a previous pass are left out.
func (f *Freezer) GetModuleDefs() []NamedModuleDef {
	var defs []NamedModuleDef
	for _, name := range sortedKeys(f.modules) {
		def := f.modules[name]
		prev, hadPrev := f.previousModules[name]
		if !def.Exclude {
			if hadPrev && !prev.Exclude {
				continue
			}
			if f.finderHas(def.ModuleName) || slices.Contains(startupModules, def.ModuleName) || def.Filename != "" {
				defs = append(defs, NamedModuleDef{name, def})
			}
		} else if def.Forbid {
			if !hadPrev || !prev.Forbid {
				defs = append(defs, NamedModuleDef{name, def})
			}
		}
	}
	return defs
}

func (f *Freezer) finderHas(name string) bool {
	if f.mf == nil {
		return false
	}
	_, ok := f.mf.Module(name)
	return ok
}

// writingModule reports whether name is emitted by this pass
func (f *Freezer) writingModule(name string) bool {
	def, ok := f.modules[name]
	if !ok || def.Exclude {
		return false
	}
	_, prev := f.previousModules[name]
	return !prev
}

// moduleCode returns the code of a frozen module with its filename
// replaced by the dotted name, so build paths do not leak into the binary
func (f *Freezer) moduleCode(m *Module) (*CodeObject, error) {
	if code, ok := f.renamed[m.Name]; ok {
		return code, nil
	}
	code, err := f.compiler.Rename(m.Code, m.Name)
	if err != nil {
		return nil, fmt.Errorf("renaming code of %s: %w", m.Name, err)
	}
	f.renamed[m.Name] = code
	return code, nil
}

// MangleName turns a dotted name into a C identifier
func MangleName(name string) string {
	return "M_" + strings.ReplaceAll(strings.ReplaceAll(name, ".", "__"), "-", "_")
}

// pyListRepr formats names the way the interpreter prints a list of str
func pyListRepr(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = "'" + name + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
