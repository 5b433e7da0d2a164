// Completion: 100% - Subcommand command-line interface
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xyproto/pyfreeze/internal/engine"
)

// cli.go - subcommands of pyfreeze
//
// - pyfreeze build [dir|pyfreeze.json]   (build every app for every platform)
// - pyfreeze freeze <script.py> --stub <deploy-stub> [-o out]
// - pyfreeze gen-c <script.py> [-o frozen.c]
// - pyfreeze inspect <binary>
// - pyfreeze watch [dir|pyfreeze.json]   (build, then rebuild on change)
// - pyfreeze <dir>                        (shorthand for build)

// CommandContext holds the execution context for a CLI command
type CommandContext struct {
	Args       []string
	Verbose    bool
	Quiet      bool
	UpdateDeps bool
	OutputPath string
	Python     string // host interpreter for bytecode compilation
	PythonWasm string // python.wasm; selects the WASI compiler when set
	WasmRoot   string
	Out        io.Writer
}

// stringList is a repeatable string flag
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// RunCLI dispatches to the subcommand named by args[0]
func RunCLI(ctx *CommandContext) error {
	args := ctx.Args
	if ctx.Out == nil {
		ctx.Out = os.Stdout
	}
	if len(args) == 0 {
		return cmdHelp(ctx)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch subcmd := args[0]; subcmd {
	case "build":
		return cmdBuild(sigCtx, ctx, args[1:])
	case "freeze":
		return cmdFreeze(sigCtx, ctx, args[1:])
	case "gen-c":
		return cmdGenC(sigCtx, ctx, args[1:])
	case "inspect":
		if len(args) < 2 {
			return fmt.Errorf("usage: pyfreeze inspect <binary>")
		}
		return cmdInspect(ctx, args[1])
	case "watch":
		return cmdWatch(sigCtx, ctx, args[1:])
	case "help", "--help", "-h":
		return cmdHelp(ctx)
	case "version", "--version", "-V":
		fmt.Fprintln(ctx.Out, versionString)
		return nil
	default:
		// A project directory or manifest is shorthand for build
		if info, err := os.Stat(subcmd); err == nil && (info.IsDir() || strings.HasSuffix(subcmd, ".json")) {
			return cmdBuild(sigCtx, ctx, args)
		}
		return fmt.Errorf("unknown command: %s\n\nRun 'pyfreeze help' for usage information", subcmd)
	}
}

// newCompiler starts the bytecode compiler selected by the flags
func newCompiler(ctx context.Context, cc *CommandContext, cfg *ProjectConfig) (Compiler, error) {
	python, wasm, root := cc.Python, cc.PythonWasm, cc.WasmRoot
	if cfg != nil {
		if python == "" {
			python = cfg.Python
		}
		if wasm == "" {
			wasm = cfg.Resolve(cfg.PythonWasm)
		}
		if root == "" {
			root = cfg.Resolve(cfg.PythonWasmRoot)
		}
	}
	if wasm != "" {
		cacheDir, err := GetCachePath()
		if err != nil {
			verbosef("no compilation cache: %v", err)
		}
		return NewWasiCompiler(ctx, WasiOptions{Module: wasm, Root: root, CacheDir: cacheDir})
	}
	if python == "" {
		python = "python3"
	}
	return NewHostCompiler(python)
}

// projectArg returns the manifest location named by args, or the current
// directory
func projectArg(args []string) string {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0]
	}
	return "."
}

// cmdBuild builds a project
func cmdBuild(ctx context.Context, cc *CommandContext, args []string) error {
	cfg, err := LoadProjectConfig(projectArg(args))
	if err != nil {
		return err
	}
	if cc.OutputPath != "" {
		cfg.BuildBase = cc.OutputPath
	}
	verbosef("%s", cfg)

	c, err := newCompiler(ctx, cc, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	b := NewBuilder(cfg, c)
	defer b.Close()
	b.Update = cc.UpdateDeps
	if err := b.Build(ctx); err != nil {
		return err
	}
	if n := b.Diagnostics().WarningCount(); n > 0 {
		infof("%d warning(s)", n)
	}
	return nil
}

// freezeFlags are shared by freeze and gen-c
type freezeFlags struct {
	fs       *flag.FlagSet
	output   string
	platform string
	optimize int
	console  bool
	include  stringList
	exclude  stringList
	forbid   stringList
	path     stringList
}

func newFreezeFlags(name string) *freezeFlags {
	ff := &freezeFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	ff.fs.StringVar(&ff.output, "o", "", "output file")
	ff.fs.StringVar(&ff.platform, "platform", HostPlatformTag(), "target platform tag")
	ff.fs.IntVar(&ff.optimize, "O", 2, "bytecode optimization level (-1, 0, 1 or 2)")
	ff.fs.BoolVar(&ff.console, "console", true, "console application (false selects the windowed loader)")
	ff.fs.Var(&ff.include, "i", "include module (repeatable, pkg.* includes the package's submodules)")
	ff.fs.Var(&ff.exclude, "x", "exclude module (repeatable)")
	ff.fs.Var(&ff.forbid, "forbid", "exclude module and make importing it fail at run time (repeatable)")
	ff.fs.Var(&ff.path, "path", "extra module search directory (repeatable)")
	return ff
}

// parse reads the flags around a single script argument
func (ff *freezeFlags) parse(args []string) (string, error) {
	if err := ff.fs.Parse(args); err != nil {
		return "", err
	}
	rest := ff.fs.Args()
	if len(rest) == 0 {
		return "", fmt.Errorf("usage: pyfreeze %s [flags] <script.py>", ff.fs.Name())
	}
	script := rest[0]
	// Flags may also follow the script
	if err := ff.fs.Parse(rest[1:]); err != nil {
		return "", err
	}
	if _, err := os.Stat(script); err != nil {
		return "", InputMissingError("script", script, err)
	}
	return script, nil
}

// newFreezer sets up a freezer for script with the flag policy applied and
// runs the import walk
func (ff *freezeFlags) newFreezer(c Compiler, script string, link bool) (*Freezer, error) {
	platform, err := engine.ParsePlatformTag(ff.platform)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(script)
	if err != nil {
		return nil, err
	}
	path := append([]string{filepath.Dir(abs)}, ff.path...)
	if sp, ok := c.(interface{ SysPath() ([]string, error) }); ok {
		if dirs, err := sp.SysPath(); err == nil {
			path = append(path, dirs...)
		}
	}

	f, err := NewFreezer(c, FreezerOptions{
		Platform:             platform,
		Path:                 path,
		Optimize:             ff.optimize,
		LinkExtensionModules: link,
	})
	if err != nil {
		return nil, err
	}
	if err := f.AddModule("__main__", AddOptions{Filename: abs}); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range ff.include {
		if err := f.AddModule(name, AddOptions{}); err != nil {
			f.Close()
			return nil, err
		}
	}
	for _, name := range ff.exclude {
		if err := f.ExcludeModule(name, false, false); err != nil {
			f.Close()
			return nil, err
		}
	}
	for _, name := range ff.forbid {
		if err := f.ExcludeModule(name, true, false); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.Done(true); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// cmdFreeze freezes one script into one executable built from a stub
func cmdFreeze(ctx context.Context, cc *CommandContext, args []string) error {
	ff := newFreezeFlags("freeze")
	var stubPath, logFilename, prcData string
	var logAppend bool
	ff.fs.StringVar(&stubPath, "stub", "", "prebuilt deploy-stub to append the modules to (required)")
	ff.fs.StringVar(&logFilename, "log-filename", "", "runtime log file; $HOME and $USER_APPDATA are expanded")
	ff.fs.BoolVar(&logAppend, "log-append", false, "append to the runtime log instead of truncating it")
	ff.fs.StringVar(&prcData, "prc-data", "", "configuration embedded in the executable")
	script, err := ff.parse(args)
	if err != nil {
		return err
	}
	if stubPath == "" {
		return fmt.Errorf("usage: pyfreeze freeze --stub <deploy-stub> [flags] <script.py>")
	}
	stub, err := os.ReadFile(stubPath)
	if err != nil {
		return InputMissingError("deploy stub", stubPath, err)
	}

	target, err := NewTarget(ff.platform, ff.console)
	if err != nil {
		return err
	}
	output := ff.output
	if output == "" {
		output = cc.OutputPath
	}
	if output == "" {
		output = target.ExecutableName(strings.TrimSuffix(filepath.Base(script), ".py"))
	}
	logFilename, err = target.ExpandPath(logFilename)
	if err != nil {
		return err
	}

	c, err := newCompiler(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	f, err := ff.newFreezer(c, script, false)
	if err != nil {
		return err
	}
	defer f.Close()

	fields := make(map[string]string)
	if prcData != "" {
		fields["prc_data"] = prcData
	}
	if logFilename != "" {
		fields["log_filename"] = logFilename
	}
	blob, err := f.GenerateRuntimeFromStub(output, stub, ff.console, fields, logAppend)
	if err != nil {
		return err
	}
	for _, extra := range f.Extras() {
		if extra.Filename != "" {
			infof("extension module %s must be shipped next to the executable: %s", extra.Name, extra.Filename)
		}
	}
	infof("Wrote %s (%d byte blob)", output, blob.Size)
	return nil
}

// cmdGenC writes the frozen modules of a script as C source
func cmdGenC(ctx context.Context, cc *CommandContext, args []string) error {
	ff := newFreezeFlags("gen-c")
	var link bool
	ff.fs.BoolVar(&link, "l", false, "link extension modules into the interpreter")
	script, err := ff.parse(args)
	if err != nil {
		return err
	}
	output := ff.output
	if output == "" {
		output = cc.OutputPath
	}
	if output == "" {
		output = "frozen.c"
	}

	c, err := newCompiler(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	f, err := ff.newFreezer(c, script, link)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := os.Create(output)
	if err != nil {
		return IOError("create", output, err)
	}
	if err := f.WriteCode(out, DefaultCMainCode); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return IOError("write", output, err)
	}
	infof("Wrote %s (%d modules)", output, len(f.GetModuleDefs()))
	return nil
}

// cmdInspect prints what a built runtime or a stub contains
func cmdInspect(cc *CommandContext, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return InputMissingError("binary", path, err)
	}
	w := bufio.NewWriter(cc.Out)
	defer w.Flush()

	fmt.Fprintf(w, "%s: %s, bitness %v\n", path, DetectFormat(data), Bitnesses(data))
	for _, bitness := range Bitnesses(data) {
		locs, err := FindSymbol(data, blobinfoSymbol, bitness)
		if err != nil {
			return err
		}
		for _, loc := range locs {
			fmt.Fprintf(w, "  %s (%d-bit) at file offset 0x%x\n", blobinfoSymbol, loc.Bitness, loc.Offset)
		}
	}

	rt, err := ReadRuntime(data)
	if err != nil {
		fmt.Fprintf(w, "no frozen modules: %v\n", err)
		return nil
	}
	if rt.Legacy {
		fmt.Fprintf(w, "legacy layout: blob located through the trailer\n")
	}
	for _, h := range rt.Headers {
		fmt.Fprintf(w, "header (%d-bit): blob at 0x%x, %d bytes, version %d, flags 0x%x\n",
			h.Bitness, h.BlobOffset, h.BlobSize, h.Version, h.Flags)
		for _, name := range sortedKeys(h.Fields) {
			fmt.Fprintf(w, "  %s = %q\n", name, h.Fields[name])
		}
	}
	for _, bitness := range sortedIntKeys(rt.Modules) {
		modules := rt.Modules[bitness]
		fmt.Fprintf(w, "%d modules (%d-bit table):\n", len(modules), bitness)
		for _, m := range modules {
			switch {
			case m.Forbid:
				fmt.Fprintf(w, "  %-40s forbidden\n", m.Name)
			case m.Package:
				fmt.Fprintf(w, "  %-40s %8d  package\n", m.Name, len(m.Code))
			default:
				fmt.Fprintf(w, "  %-40s %8d\n", m.Name, len(m.Code))
			}
		}
	}
	return nil
}

func sortedIntKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Widest first, the order the tables are laid out in
	slices.SortFunc(keys, func(a, b int) int { return b - a })
	return keys
}

// cmdHelp shows usage information
func cmdHelp(cc *CommandContext) error {
	fmt.Fprintf(cc.Out, `%s - freeze Python applications into self-contained executables

Usage:
  pyfreeze build [dir|pyfreeze.json]        build every app for every platform
  pyfreeze freeze --stub <stub> <script.py> freeze one script into one executable
  pyfreeze gen-c <script.py>                write the frozen modules as C source
  pyfreeze inspect <binary>                 show the frozen modules of a runtime
  pyfreeze watch [dir|pyfreeze.json]        build, then rebuild on every change
  pyfreeze help                             show this help
  pyfreeze version                          show the version

Global flags (before the command):
  -v, --verbose        show every file copied and every module skipped
  -q, --quiet          only show warnings and errors
  -o, --output         build directory (build) or output file (freeze, gen-c)
  -u, --update-deps    fetch git dependency sources again
  --python <cmd>       host interpreter used to compile bytecode
  --python-wasm <file> compile bytecode with a WASI build of CPython instead

Environment:
  PYFREEZE_VERBOSE, PYFREEZE_PYTHON, PYFREEZE_PYTHON_WASM, PYFREEZE_OPTIMIZE,
  PYFREEZE_BUILD_BASE, PYFREEZE_CACHE_DIR

Run 'pyfreeze freeze -h' or 'pyfreeze gen-c -h' for the freeze flags.
`, versionString)
	return nil
}
