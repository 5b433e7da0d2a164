// Completion: 100% - Frozen runtime generation from a prebuilt stub
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// BlobModules returns the modules of this pass in emission order. Extension
// modules without code are recorded as extras; submodules among them get
// a small loader module instead, since the import system cannot find an
// extension inside a frozen package.
func (f *Freezer) BlobModules(useConsole bool) ([]BlobModule, error) {
	if f.mf == nil {
		return nil, fmt.Errorf("BlobModules before done()")
	}
	modext := ".so"
	if f.Platform.IsWindows() {
		modext = ".pyd"
	}

	var modules []BlobModule
	for _, nd := range f.GetModuleDefs() {
		name, def := nd.Name, nd.Def
		if def.Forbid {
			modules = append(modules, BlobModule{Name: name, Forbid: true})
			continue
		}

		m, _ := f.mf.Module(def.ModuleName)
		if m != nil && m.Code != nil {
			code, err := f.moduleCode(m)
			if err != nil {
				return nil, err
			}
			modules = append(modules, BlobModule{Name: name, Code: code.Data, Package: m.IsPackage()})
			continue
		}
		if m == nil {
			verbosef("skipping %s: not loaded", name)
			continue
		}

		if m.File != "" {
			f.extras = append(f.extras, ExtraModule{Name: name, Filename: m.File})
		}
		if !strings.Contains(name, ".") {
			continue
		}

		dir := "os.path.dirname(sys.executable)"
		if f.Platform.IsMacOS() && !useConsole {
			// GUI bundles put their Frameworks directory on sys.path[0]
			dir = "sys.path[0]"
		}
		source := fmt.Sprintf(`import sys;del sys.modules["%s"];import sys,os,imp;imp.load_dynamic("%s",os.path.join(%s, "%s%s"))`,
			name, name, dir, name, modext)
		code, err := f.compiler.CompileSource([]byte(source), name, 2)
		if err != nil {
			return nil, fmt.Errorf("compiling loader for %s: %w", name, err)
		}
		modules = append(modules, BlobModule{Name: name, Code: code.Data})
	}
	return modules, nil
}

// GenerateRuntimeFromStub writes target as the stub followed by a blob of
// all modules of this pass. fields holds the runtime configuration strings
// named in the blob header.
func (f *Freezer) GenerateRuntimeFromStub(target string, stub []byte, useConsole bool, fields map[string]string, logAppend bool) (*Blob, error) {
	if !f.writingModule("__main__") {
		return nil, &FreezeError{
			Level:   LevelFatal,
			Kind:    KindInputMissing,
			Message: "Can't generate an executable without a __main__ module.",
			Module:  "__main__",
			Path:    target,
		}
	}

	modules, err := f.BlobModules(useConsole)
	if err != nil {
		return nil, err
	}

	data, blob, err := AssembleRuntime(stub, modules, StubOptions{
		Windows:   f.Platform.IsWindows(),
		LogAppend: logAppend,
		Fields:    fields,
	})
	if err != nil {
		var fe *FreezeError
		if errors.As(err, &fe) && fe.Path == "" {
			fe.Path = target
		}
		return nil, err
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return nil, IOError("remove old runtime", target, err)
	}
	if err := writeExecutable(target, data); err != nil {
		return nil, err
	}
	verbosef("wrote %s: %d modules, %d byte blob", target, len(modules), blob.Size)
	return blob, nil
}
