package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xyproto/pyfreeze/internal/engine"
)

// fakeCompiler understands just enough Python to drive the finder:
// "import a, b.c", "from x import y, z", relative imports, "__all__ = [...]",
// and top-level "name = ..." or "def name" globals. A line reading
// "syntax error" fails to compile. Code bytes are the filename followed by
// the source, so a renamed module gets different bytes.
type fakeCompiler struct {
	version  engine.PythonVersion
	builtins []string
	compiled []string // filenames in compile order
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{
		version:  engine.PythonVersion{Major: 3, Minor: 11},
		builtins: []string{"builtins", "sys", "marshal", "_imp", "_io", "posix", "_thread"},
	}
}

func (c *fakeCompiler) code(source []byte, filename string) (*CodeObject, error) {
	code := &CodeObject{
		Data:     append([]byte(filename+"|"), source...),
		Filename: filename,
	}
	for _, line := range strings.Split(string(source), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "syntax error":
			return nil, &CompileError{Filename: filename, Msg: "invalid syntax"}
		case strings.HasPrefix(line, "import "):
			for _, name := range strings.Split(line[len("import "):], ",") {
				code.Imports = append(code.Imports, ImportRef{Name: strings.TrimSpace(name)})
			}
		case strings.HasPrefix(line, "from "):
			mod, names, ok := strings.Cut(line[len("from "):], " import ")
			if !ok {
				continue
			}
			level := len(mod) - len(strings.TrimLeft(mod, "."))
			ref := ImportRef{Name: strings.TrimLeft(mod, "."), Level: level, FromList: []string{}}
			for _, name := range strings.Split(names, ",") {
				name = strings.TrimSpace(name)
				ref.FromList = append(ref.FromList, name)
				if name == "*" {
					code.HasStarImport = true
				}
			}
			code.Imports = append(code.Imports, ref)
		case strings.HasPrefix(line, "__all__ = ["):
			list := strings.TrimSuffix(strings.TrimPrefix(line, "__all__ = ["), "]")
			code.AllNames = []string{}
			for _, name := range strings.Split(list, ",") {
				if name = strings.Trim(strings.TrimSpace(name), `'"`); name != "" {
					code.AllNames = append(code.AllNames, name)
				}
			}
		case strings.HasPrefix(line, "def "):
			name, _, _ := strings.Cut(line[len("def "):], "(")
			code.GlobalNames = append(code.GlobalNames, name)
		case strings.Contains(line, " = "):
			name, _, _ := strings.Cut(line, " = ")
			if !strings.ContainsAny(name, ".[ ") {
				code.GlobalNames = append(code.GlobalNames, name)
			}
		}
	}
	return code, nil
}

func (c *fakeCompiler) CompileSource(source []byte, filename string, optimize int) (*CodeObject, error) {
	c.compiled = append(c.compiled, filename)
	return c.code(source, filename)
}

func (c *fakeCompiler) LoadBytecode(pyc []byte, filename string) (*CodeObject, error) {
	if bytes.HasPrefix(pyc, []byte("bad")) {
		return nil, &BytecodeError{Filename: filename, Msg: "Bad magic number in .pyc file"}
	}
	return c.code(pyc, filename)
}

func (c *fakeCompiler) Rename(code *CodeObject, filename string) (*CodeObject, error) {
	renamed := *code
	_, source, _ := bytes.Cut(code.Data, []byte("|"))
	renamed.Data = append([]byte(filename+"|"), source...)
	renamed.Filename = filename
	return &renamed, nil
}

func (c *fakeCompiler) Version() (engine.PythonVersion, error) { return c.version, nil }
func (c *fakeCompiler) BuiltinModules() ([]string, error)      { return c.builtins, nil }
func (c *fakeCompiler) Close() error                           { return nil }

// writeTree creates files under dir from a map of slash-separated paths to
// contents
func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// quietLog discards diagnostics for the duration of a test and returns
// the buffer they go to
func quietLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	saved := logOutput
	logOutput = &buf
	t.Cleanup(func() { logOutput = saved })
	return &buf
}

func testPlatform(t *testing.T, tag string) engine.Platform {
	t.Helper()
	p, err := engine.ParsePlatformTag(tag)
	if err != nil {
		t.Fatal(err)
	}
	return p
}
