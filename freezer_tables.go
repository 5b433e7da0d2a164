// Completion: 100% - Built-in module tables: startup, hidden imports, overrides
package main

// Modules the interpreter imports during startup. They must be frozen into
// every executable. If encodings is removed here, the stub's shortcut for
// it has to go as well.
var startupModules = []string{
	"imp", "encodings", "encodings.*",
	"io", "marshal", "importlib.machinery", "importlib.util",
}

// builtinInitFuncs maps built-in modules whose init function deviates from
// the PyInit_<name> convention. An empty value writes a NULL entry.
var builtinInitFuncs = map[string]string{
	"builtins":    "",
	"__builtin__": "",
	"sys":         "",
	"exceptions":  "",
	"_warnings":   "_PyWarnings_Init",
	"marshal":     "PyMarshal_Init",
}

// defaultHiddenImports lists modules that import others in ways a bytecode
// scan cannot see
var defaultHiddenImports = map[string][]string{
	"pkg_resources":           {"pkg_resources.*.*"},
	"xml.etree.cElementTree":  {"xml.etree.ElementTree"},
	"datetime":                {"_strptime"},
	"keyring.backends":        {"keyring.backends.*"},
	"matplotlib.font_manager": {"encodings.mac_roman"},
	"direct.particles":        {"direct.particles.ParticleManagerGlobal"},
	"numpy.core._multiarray_umath": {
		"numpy.core._internal",
		"numpy.core._dtype_ctypes",
		"numpy.core._methods",
	},
	"matplotlib.backends._backend_tk": {"tkinter"},
}

// defaultOverrides replaces modules that misbehave when frozen. linecache
// would try to read source lines out of the executable, since __file__
// points there.
var defaultOverrides = map[string]string{
	"linecache": `__all__ = ["getline", "clearcache", "checkcache"]

cache = {}

def getline(filename, lineno, module_globals=None):
    return ''

def clearcache():
    global cache
    cache = {}

def getlines(filename, module_globals=None):
    return []

def checkcache(filename=None):
    pass

def updatecache(filename, module_globals=None):
    pass

def lazycache(filename, module_globals):
    pass
`,
}

// okMissing are modules known to be absent on some platforms. They are
// excluded silently.
var okMissing = map[string]bool{
	"__main__": true, "_dummy_threading": true, "Carbon": true, "Carbon.Files": true,
	"Carbon.Folder": true, "Carbon.Folders": true, "HouseGlobals": true, "Carbon.File": true,
	"MacOS": true, "_emx_link": true, "ce": true, "mac": true, "org.python.core": true, "os.path": true,
	"os2": true, "posix": true, "pwd": true, "readline": true, "riscos": true, "riscosenviron": true,
	"riscospath": true, "dbm": true, "fcntl": true, "win32api": true, "win32pipe": true, "usercustomize": true,
	"_winreg": true, "winreg": true, "ctypes": true, "ctypes.wintypes": true, "nt": true, "msvcrt": true,
	"EasyDialogs": true, "SOCKS": true, "ic": true, "rourl2path": true, "termios": true, "vms_lib": true,
	"OverrideFrom23._Res": true, "email": true, "email.Utils": true, "email.Generator": true,
	"email.Iterators": true, "_subprocess": true, "gestalt": true, "java.lang": true,
	"direct.extensions_native.extensions_darwin": true,
}

// defaultFrozenModules are provided by the interpreter itself and never
// picked up from disk
var defaultFrozenModules = []string{"_frozen_importlib", "_frozen_importlib_external"}

// mergeHiddenImports returns the built-in table with extra entries appended
func mergeHiddenImports(extra map[string][]string) map[string][]string {
	merged := make(map[string][]string, len(defaultHiddenImports)+len(extra))
	for k, v := range defaultHiddenImports {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		merged[k] = append(merged[k], v...)
	}
	return merged
}
