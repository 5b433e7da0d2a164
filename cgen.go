// Completion: 100% - C source output for linking frozen modules into a custom interpreter
package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/xyproto/pyfreeze/internal/engine"
)

// cgen.go - C source emission
//
// The older way to ship frozen modules: every module becomes a byte array
// in a C file together with a _PyImport_FrozenModules table, which is then
// compiled and linked against libpython. Extension modules can be linked in
// statically by emitting an inittab for them.

const cProgramHeader = `
#include <Python.h>
#ifdef _WIN32
#include <malloc.h>
#endif

`

// DefaultCMainCode starts the interpreter with the frozen table installed
const DefaultCMainCode = `
int
main(int argc, char *argv[]) {
  PyImport_FrozenModules = _PyImport_FrozenModules;
  return Py_FrozenMain(argc, argv);
}
`

// makeModuleDef renders a module's bytecode as a C array, 16 bytes a line
func makeModuleDef(mangledName string, code []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "static unsigned char %s[] = {", mangledName)
	for i := 0; i < len(code); i += 16 {
		sb.WriteString("\n  ")
		for _, c := range code[i:min(i+16, len(code))] {
			fmt.Fprintf(&sb, "%d,", c)
		}
	}
	sb.WriteString("\n};\n")
	return sb.String()
}

func makeModuleListEntry(mangledName string, size int, moduleName string, isPackage bool) string {
	if isPackage {
		size = -size
	}
	return fmt.Sprintf(`  {"%s", %s, %d},`, moduleName, mangledName, size)
}

func makeForbiddenModuleListEntry(moduleName string) string {
	return fmt.Sprintf(`  {"%s", NULL, 0},`, moduleName)
}

// WriteCode writes the frozen modules of this pass as C source, followed
// by initCode
func (f *Freezer) WriteCode(w io.Writer, initCode string) error {
	if f.mf == nil {
		return fmt.Errorf("WriteCode before done()")
	}

	var moduleDefs, moduleList []string
	for _, nd := range f.GetModuleDefs() {
		name, def := nd.Name, nd.Def
		if def.Forbid {
			moduleList = append(moduleList, makeForbiddenModuleListEntry(name))
			continue
		}

		m, _ := f.mf.Module(def.ModuleName)
		if m != nil && m.Code != nil {
			code, err := f.moduleCode(m)
			if err != nil {
				return err
			}
			mangled := MangleName(name)
			moduleDefs = append(moduleDefs, makeModuleDef(mangled, code.Data))
			moduleList = append(moduleList, makeModuleListEntry(mangled, len(code.Data), name, m.IsPackage()))
			continue
		}

		// An extension or builtin module
		extensionFilename := ""
		if m != nil {
			extensionFilename = m.File
		}
		if extensionFilename != "" || f.LinkExtensionModules {
			f.extras = append(f.extras, ExtraModule{Name: name, Filename: extensionFilename})
		}

		switch {
		case strings.Contains(name, ".") && f.LinkExtensionModules:
			source := fmt.Sprintf(`import sys;del sys.modules["%s"];import imp;imp.init_builtin("%s")`, name, name)
			code, err := f.compiler.CompileSource([]byte(source), name, -1)
			if err != nil {
				return fmt.Errorf("compiling loader for %s: %w", name, err)
			}
			mangled := MangleName(name)
			moduleDefs = append(moduleDefs, makeModuleDef(mangled, code.Data))
			moduleList = append(moduleList, makeModuleListEntry(mangled, len(code.Data), name, false))
		case strings.Contains(name, "."):
			top, _, _ := strings.Cut(name, ".")
			warnf("Python cannot import extension modules under frozen Python packages; %s will be inaccessible.  passing either -l to link in extension modules or use -x %s to exclude the entire package.", name, top)
		}
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(cProgramHeader)
	bw.WriteString(strings.Join(moduleDefs, "\n"))
	bw.WriteString("\n\nstruct _frozen _PyImport_FrozenModules[] = {\n")
	bw.WriteString(strings.Join(moduleList, "\n"))
	bw.WriteString("\n  {NULL, NULL, 0}\n};\n")

	windows := f.Platform.IsWindows()
	switch {
	case f.LinkExtensionModules && len(f.extras) > 0:
		if f.Version.Major >= 3 {
			f.writeInittab(bw, "PyInit_", "PyObject) *", windows)
		} else {
			f.writeInittab(bw, "init", "void) ", windows)
		}
		bw.WriteString("\n")
	case windows:
		bw.WriteString("static struct _inittab extensions[] = {\n  {0, 0},\n};\n\n")
	}

	bw.WriteString(initCode)
	return bw.Flush()
}

// writeInittab writes the extern declarations and the builtin table that
// hook linked extension modules up to their init functions. On Windows the
// table extends the interpreter's; elsewhere it replaces it.
func (f *Freezer) writeInittab(w *bufio.Writer, prefix, returnType string, windows bool) {
	initFunc := func(module string) string {
		if fn, ok := builtinInitFuncs[module]; ok {
			return fn
		}
		if module == "_imp" && f.Version.Major == 3 && f.Version.Minor < 7 {
			return "PyInit_imp"
		}
		return prefix + engine.BaseName(module)
	}

	for _, extra := range f.extras {
		if windows && extra.Filename == "" {
			continue
		}
		if fn := initFunc(extra.Name); fn != "" {
			fmt.Fprintf(w, "extern PyAPI_FUNC(%s%s(void);\n", returnType, fn)
		}
	}
	w.WriteString("\n")

	if windows {
		w.WriteString("static struct _inittab extensions[] = {\n")
	} else {
		w.WriteString("struct _inittab _PyImport_Inittab[] = {\n")
	}
	for _, extra := range f.extras {
		if windows && extra.Filename == "" {
			continue
		}
		fn := initFunc(extra.Name)
		if fn == "" {
			fn = "NULL"
		}
		fmt.Fprintf(w, "  {\"%s\", %s},\n", extra.Name, fn)
	}
	w.WriteString("  {0, 0},\n};\n")
}
