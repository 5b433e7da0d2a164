// Completion: 100% - Import graph walker over directories and archives
package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xyproto/pyfreeze/internal/engine"
)

// finder.go - Module finder
//
// Walks the import graph of a set of seed modules. Each module found on the
// search path is compiled, its import instructions are scanned, and the
// imported modules are resolved in turn. Names that cannot be resolved are
// remembered as bad modules instead of failing the walk.

// Module is one module the finder has loaded
type Module struct {
	Name string
	File string   // file it was loaded from; empty for builtins and overrides
	Path []string // package directories; nil unless the module is a package
	Code *CodeObject
	Kind engine.ModuleKind

	globalNames map[string]bool
	starImports map[string]bool
	attrs       map[string]*Module // submodules bound on a package
}

func newModule(name string) *Module {
	return &Module{
		Name:        name,
		globalNames: make(map[string]bool),
		starImports: make(map[string]bool),
		attrs:       make(map[string]*Module),
	}
}

// IsPackage reports whether the module has a package search path
func (m *Module) IsPackage() bool {
	return m.Path != nil
}

// moduleAttrs are attribute names every module object answers to
var moduleAttrs = map[string]bool{
	"__name__": true, "__file__": true, "__path__": true, "__code__": true,
	"globalnames": true, "starimports": true,
}

func (m *Module) hasAttr(name string) bool {
	_, ok := m.attrs[name]
	return ok || moduleAttrs[name]
}

// ImportError is a module that could not be resolved. It is the only error
// the walk recovers from.
type ImportError struct {
	Name string
	Msg  string
}

func (e *ImportError) Error() string {
	return e.Msg
}

func noModuleNamed(name string) *ImportError {
	return &ImportError{Name: name, Msg: "No module named " + name}
}

func isImportError(err error) bool {
	var ie *ImportError
	return errors.As(err, &ie)
}

// foundModule is the result of a search path lookup
type foundModule struct {
	pathname string
	kind     engine.ModuleKind
	override bool
}

// FinderOptions configures a ModuleFinder
type FinderOptions struct {
	Path         []string
	Suffixes     []engine.Suffix
	Excludes     []string
	Overrides    map[string]string   // module name -> replacement source
	Builtins     []string            // modules compiled into the interpreter
	Frozen       []string            // modules already frozen into the runtime
	PackagePaths map[string][]string // extra __path__ entries per package
	Optimize     int

	archives *archiveCache // shared with the caller when set
}

// ModuleFinder resolves the transitive imports of seed modules
type ModuleFinder struct {
	Path []string

	compiler     Compiler
	suffixes     []engine.Suffix
	excludes     map[string]bool
	overrides    map[string]string
	builtins     map[string]bool
	frozen       map[string]bool
	packagePaths map[string][]string
	optimize     int

	modules    map[string]*Module
	order      []string
	badModules map[string]map[string]bool // name -> importing module names
	archives   *archiveCache
	ownsCache  bool
}

// NewModuleFinder creates a finder that compiles with c
func NewModuleFinder(c Compiler, opts FinderOptions) *ModuleFinder {
	f := &ModuleFinder{
		Path:         append([]string(nil), opts.Path...),
		compiler:     c,
		suffixes:     opts.Suffixes,
		excludes:     make(map[string]bool),
		overrides:    opts.Overrides,
		builtins:     make(map[string]bool),
		frozen:       make(map[string]bool),
		packagePaths: make(map[string][]string),
		optimize:     opts.Optimize,
		modules:      make(map[string]*Module),
		badModules:   make(map[string]map[string]bool),
		archives:     opts.archives,
	}
	if f.archives == nil {
		f.archives = newArchiveCache()
		f.ownsCache = true
	}
	for _, name := range opts.Excludes {
		f.excludes[name] = true
	}
	for _, name := range opts.Builtins {
		f.builtins[name] = true
	}
	for _, name := range opts.Frozen {
		f.frozen[name] = true
	}
	for name, dirs := range opts.PackagePaths {
		f.packagePaths[name] = append([]string(nil), dirs...)
	}
	return f
}

// Close releases any archives opened during the walk
func (f *ModuleFinder) Close() error {
	if !f.ownsCache {
		return nil
	}
	return f.archives.Close()
}

// AddPackagePath adds a directory to the __path__ of a package when it is
// loaded
func (f *ModuleFinder) AddPackagePath(name, dir string) {
	f.packagePaths[name] = append(f.packagePaths[name], dir)
}

// Module returns a loaded module by name
func (f *ModuleFinder) Module(name string) (*Module, bool) {
	m, ok := f.modules[name]
	return m, ok
}

// ModuleNames returns the names of all loaded modules in load order
func (f *ModuleFinder) ModuleNames() []string {
	return append([]string(nil), f.order...)
}

// BadModules returns the sorted names that could not be resolved
func (f *ModuleFinder) BadModules() []string {
	names := make([]string, 0, len(f.badModules))
	for name := range f.badModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *ModuleFinder) addModule(fqname string) *Module {
	if m, ok := f.modules[fqname]; ok {
		return m
	}
	m := newModule(fqname)
	f.modules[fqname] = m
	f.order = append(f.order, fqname)
	return m
}

func (f *ModuleFinder) addBadModule(name string, caller *Module) {
	callers, ok := f.badModules[name]
	if !ok {
		callers = make(map[string]bool)
		f.badModules[name] = callers
	}
	if caller != nil {
		callers[caller.Name] = true
	} else {
		callers["-"] = true
	}
}

// ImportHook imports name and, for packages, the names in fromList
func (f *ModuleFinder) ImportHook(name string, caller *Module, fromList []string, level int) (*Module, error) {
	parent, err := f.determineParent(caller, level)
	if err != nil {
		return nil, err
	}
	q, tail, err := f.findHeadPackage(parent, name)
	if err != nil {
		return nil, err
	}
	m, err := f.loadTail(q, tail)
	if err != nil {
		return nil, err
	}
	if len(fromList) == 0 {
		return q, nil
	}
	if m.IsPackage() {
		if err := f.ensureFromList(m, fromList, false); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (f *ModuleFinder) parentModule(name string) (*Module, error) {
	if m, ok := f.modules[name]; ok {
		return m, nil
	}
	return nil, noModuleNamed(name)
}

func (f *ModuleFinder) determineParent(caller *Module, level int) (*Module, error) {
	if caller == nil || level == 0 {
		return nil, nil
	}
	pname := caller.Name
	if level >= 1 {
		if caller.IsPackage() {
			level--
		}
		if level == 0 {
			return f.parentModule(pname)
		}
		if strings.Count(pname, ".") < level {
			return nil, &ImportError{Name: pname, Msg: "relative importpath too deep"}
		}
		parts := strings.Split(pname, ".")
		return f.parentModule(strings.Join(parts[:len(parts)-level], "."))
	}
	if caller.IsPackage() {
		return f.parentModule(pname)
	}
	if i := strings.LastIndexByte(pname, '.'); i >= 0 {
		return f.parentModule(pname[:i])
	}
	return nil, nil
}

func (f *ModuleFinder) findHeadPackage(parent *Module, name string) (*Module, string, error) {
	head, tail, _ := strings.Cut(name, ".")
	qname := head
	if parent != nil {
		qname = parent.Name + "." + head
	}
	q, err := f.importModule(head, qname, parent)
	if err != nil || q != nil {
		return q, tail, err
	}
	if parent != nil {
		qname = head
		q, err = f.importModule(head, qname, nil)
		if err != nil || q != nil {
			return q, tail, err
		}
	}
	return nil, "", noModuleNamed(qname)
}

func (f *ModuleFinder) loadTail(q *Module, tail string) (*Module, error) {
	m := q
	for tail != "" {
		var head string
		head, tail, _ = strings.Cut(tail, ".")
		mname := m.Name + "." + head
		next, err := f.importModule(head, mname, m)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, noModuleNamed(mname)
		}
		m = next
	}
	return m, nil
}

func (f *ModuleFinder) ensureFromList(m *Module, fromList []string, recursive bool) error {
	for _, sub := range fromList {
		if sub == "*" {
			if !recursive {
				if all := f.findAllSubmodules(m); len(all) > 0 {
					if err := f.ensureFromList(m, all, true); err != nil {
						return err
					}
				}
			}
			continue
		}
		if m.hasAttr(sub) {
			continue
		}
		subname := m.Name + "." + sub
		submod, err := f.importModule(sub, subname, m)
		if err != nil {
			return err
		}
		if submod == nil {
			return noModuleNamed(subname)
		}
	}
	return nil
}

// findAllSubmodules lists the module names found in a package's directories
func (f *ModuleFinder) findAllSubmodules(m *Module) []string {
	if !m.IsPackage() {
		return nil
	}
	seen := make(map[string]bool)
	for _, dir := range m.Path {
		names, err := f.archives.listDir(dir)
		if err != nil {
			verbosef("can't list directory %s", dir)
			continue
		}
		for _, name := range names {
			mod := ""
			for _, suffix := range f.suffixes {
				if strings.HasSuffix(name, suffix.Ext) {
					mod = strings.TrimSuffix(name, suffix.Ext)
					break
				}
			}
			if mod != "" && mod != "__init__" {
				seen[mod] = true
			}
		}
	}
	mods := make([]string, 0, len(seen))
	for mod := range seen {
		mods = append(mods, mod)
	}
	sort.Strings(mods)
	return mods
}

// importModule returns nil without error when the module does not exist
func (f *ModuleFinder) importModule(partname, fqname string, parent *Module) (*Module, error) {
	if m, ok := f.modules[fqname]; ok {
		return m, nil
	}
	if _, bad := f.badModules[fqname]; bad {
		return nil, nil
	}
	var path []string
	if parent != nil {
		if !parent.IsPackage() {
			return nil, nil
		}
		path = parent.Path
	}
	found, err := f.findModule(partname, path, parent)
	if err != nil {
		if isImportError(err) {
			return nil, nil
		}
		return nil, err
	}
	m, err := f.loadModule(fqname, found)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		parent.attrs[partname] = m
	}
	return m, nil
}

// findModule searches path (the default search path if nil) for name
func (f *ModuleFinder) findModule(name string, path []string, parent *Module) (*foundModule, error) {
	if f.frozen[name] {
		return nil, &ImportError{Name: name, Msg: fmt.Sprintf("'%s' is a frozen module", name)}
	}

	fullname := name
	if parent != nil {
		fullname = parent.Name + "." + name
	}
	if f.excludes[fullname] {
		return nil, &ImportError{Name: name, Msg: name}
	}

	if _, ok := f.overrides[fullname]; ok {
		return &foundModule{kind: engine.KindSource, override: true}, nil
	}

	if path == nil {
		if f.builtins[name] {
			return &foundModule{kind: engine.KindBuiltin}, nil
		}
		path = f.Path
	}

	base := engine.BaseName(name)
	for _, dir := range path {
		basename := filepath.Join(dir, base)
		for _, suffix := range f.suffixes {
			if f.archives.isFile(basename + suffix.Ext) {
				return &foundModule{pathname: basename + suffix.Ext, kind: suffix.Kind}, nil
			}
		}
		// A package is a directory with an __init__ of any kind
		for _, suffix := range f.suffixes {
			if f.archives.isFile(filepath.Join(basename, "__init__"+suffix.Ext)) {
				return &foundModule{pathname: basename, kind: engine.KindPackageDir}, nil
			}
		}
	}
	return nil, &ImportError{Name: name, Msg: name}
}

func (f *ModuleFinder) loadModule(fqname string, found *foundModule) (*Module, error) {
	var code *CodeObject
	var err error

	switch found.kind {
	case engine.KindPackageDir:
		return f.loadPackage(fqname, found.pathname)
	case engine.KindSource:
		var source []byte
		if text, ok := f.overrides[fqname]; ok {
			source = []byte(text)
		} else if source, err = f.archives.readFile(found.pathname); err != nil {
			return nil, IOError("read module source", found.pathname, err)
		}
		code, err = f.compiler.CompileSource(source, found.pathname, f.optimize)
	case engine.KindCompiled:
		var data []byte
		if data, err = f.archives.readFile(found.pathname); err != nil {
			return nil, IOError("read compiled module", found.pathname, err)
		}
		code, err = f.compiler.LoadBytecode(data, found.pathname)
	}
	if err != nil {
		var be *BytecodeError
		if errors.As(err, &be) {
			return nil, &ImportError{Name: fqname, Msg: be.Msg}
		}
		return nil, err
	}

	m := f.addModule(fqname)
	m.File = found.pathname
	m.Kind = found.kind
	if code != nil {
		m.Code = code
		if err := f.scanCode(code, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (f *ModuleFinder) loadPackage(fqname, pathname string) (*Module, error) {
	m := f.addModule(fqname)
	m.File = pathname
	m.Path = append([]string{pathname}, f.packagePaths[fqname]...)

	found, err := f.findModule("__init__", m.Path, nil)
	if err != nil {
		return nil, err
	}
	if _, err := f.loadModule(fqname, found); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFile loads a module from an explicit file. A .pyc or .pyo file is
// read as bytecode; anything else as source, using text when it is non-nil.
func (f *ModuleFinder) LoadFile(fqname, pathname string, text []byte) (*Module, error) {
	ext := strings.ToLower(filepath.Ext(pathname))
	if ext == ".pyc" || ext == ".pyo" {
		return f.loadModule(fqname, &foundModule{pathname: pathname, kind: engine.KindCompiled})
	}
	if text == nil {
		return f.loadModule(fqname, &foundModule{pathname: pathname, kind: engine.KindSource})
	}

	code, err := f.compiler.CompileSource(text, pathname, f.optimize)
	if err != nil {
		return nil, err
	}
	m := f.addModule(fqname)
	m.File = pathname
	m.Kind = engine.KindSource
	m.Code = code
	if err := f.scanCode(code, m); err != nil {
		return nil, err
	}
	return m, nil
}

// safeImportHook imports name, recording unresolved names instead of
// failing
func (f *ModuleFinder) safeImportHook(name string, caller *Module, fromList []string, level int) error {
	if _, bad := f.badModules[name]; bad {
		f.addBadModule(name, caller)
		return nil
	}
	if _, err := f.ImportHook(name, caller, nil, level); err != nil {
		if !isImportError(err) {
			return err
		}
		verbosef("ImportError: %v", err)
		f.addBadModule(name, caller)
		return nil
	}
	for _, sub := range fromList {
		fullname := name + "." + sub
		if _, bad := f.badModules[fullname]; bad {
			f.addBadModule(fullname, caller)
			continue
		}
		if _, err := f.ImportHook(name, caller, []string{sub}, level); err != nil {
			if !isImportError(err) {
				return err
			}
			verbosef("ImportError: %v", err)
			f.addBadModule(fullname, caller)
		}
	}
	return nil
}

// scanCode follows the imports of a compiled module
func (f *ModuleFinder) scanCode(code *CodeObject, m *Module) error {
	for _, name := range code.GlobalNames {
		m.globalNames[name] = true
	}

	for _, ref := range code.Imports {
		if ref.Level == 0 {
			fromList := ref.FromList
			haveStar := false
			if fromList != nil {
				filtered := make([]string, 0, len(fromList))
				for _, sub := range fromList {
					if sub == "*" {
						haveStar = true
					} else {
						filtered = append(filtered, sub)
					}
				}
				fromList = filtered
			}
			if err := f.safeImportHook(ref.Name, m, fromList, 0); err != nil {
				return err
			}
			if haveStar {
				f.mergeStarImport(m, ref.Name)
			}
			continue
		}

		if ref.Name != "" {
			if err := f.safeImportHook(ref.Name, m, ref.FromList, ref.Level); err != nil {
				return err
			}
			continue
		}
		// from . import x
		parent, err := f.determineParent(m, ref.Level)
		if err != nil {
			if !isImportError(err) {
				return err
			}
			verbosef("ImportError: %v", err)
			continue
		}
		if parent == nil {
			continue
		}
		if err := f.safeImportHook(parent.Name, nil, ref.FromList, 0); err != nil {
			return err
		}
	}
	return nil
}

// mergeStarImport copies the global names of a module imported with "*"
func (f *ModuleFinder) mergeStarImport(m *Module, name string) {
	var mm *Module
	if m.IsPackage() {
		mm = f.modules[m.Name+"."+name]
	}
	if mm == nil {
		mm = f.modules[name]
	}
	if mm == nil {
		m.starImports[name] = true
		return
	}
	for g := range mm.globalNames {
		m.globalNames[g] = true
	}
	for s := range mm.starImports {
		m.starImports[s] = true
	}
	if mm.Code == nil {
		m.starImports[name] = true
	}
}

// AnyMissingMaybe splits the bad modules into those that are missing and
// those that may be a non-module name imported from a package
func (f *ModuleFinder) AnyMissingMaybe() (missing, maybe []string) {
	for name, callers := range f.badModules {
		if f.excludes[name] {
			continue
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			missing = append(missing, name)
			continue
		}
		subname, pkgname := name[i+1:], name[:i]
		pkg, ok := f.modules[pkgname]
		switch {
		case !ok:
			missing = append(missing, name)
		case callers[pkgname]:
			maybe = append(maybe, name)
		case pkg.globalNames[subname]:
			// a global defined by the package, not a module
		case len(pkg.starImports) > 0:
			maybe = append(maybe, name)
		default:
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(maybe)
	return missing, maybe
}
