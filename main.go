// Completion: 100% - Global flags and entry point
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
)

// Freeze Python applications into self-contained executables for Linux,
// macOS, FreeBSD and Windows, from any host

const versionString = "pyfreeze 1.0.0"

var (
	// VerboseMode shows every file copied and every module skipped
	VerboseMode bool
	// QuietMode hides progress output; warnings are still shown
	QuietMode bool
	// UpdateDepsFlag refetches git dependency sources
	UpdateDepsFlag bool
)

func main() {
	// NOTE: Go's flag package stops parsing at the first non-flag argument,
	// so global flags come before the command: pyfreeze -v build
	var verbose = flag.Bool("v", false, "verbose mode (show every copied file and skipped module)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (show every copied file and skipped module)")
	var quiet = flag.Bool("q", false, "quiet mode (only show warnings and errors)")
	var quietLong = flag.Bool("quiet", false, "quiet mode (only show warnings and errors)")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var output = flag.String("o", "", "build directory, or output file for freeze and gen-c")
	var outputLong = flag.String("output", "", "build directory, or output file for freeze and gen-c")
	var updateDeps = flag.Bool("u", false, "update git dependency sources")
	var updateDepsLong = flag.Bool("update-deps", false, "update git dependency sources")
	var python = flag.String("python", env.Str("PYFREEZE_PYTHON"), "host Python interpreter used to compile bytecode")
	var pythonWasm = flag.String("python-wasm", env.Str("PYFREEZE_PYTHON_WASM"), "WASI build of CPython used to compile bytecode")
	var wasmRoot = flag.String("python-wasm-root", env.Str("PYFREEZE_PYTHON_WASM_ROOT"), "directory mounted as / for --python-wasm")
	flag.Usage = func() {
		cmdHelp(&CommandContext{Out: os.Stderr})
	}
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		os.Exit(0)
	}

	VerboseMode = *verbose || *verboseLong || env.Bool("PYFREEZE_VERBOSE")
	QuietMode = (*quiet || *quietLong) && !VerboseMode
	UpdateDepsFlag = *updateDeps || *updateDepsLong

	outputPath := *output
	if *outputLong != "" {
		outputPath = *outputLong
	}

	verbosef("----=[ %s ]=----", versionString)

	ctx := &CommandContext{
		Args:       flag.Args(),
		Verbose:    VerboseMode,
		Quiet:      QuietMode,
		UpdateDeps: UpdateDepsFlag,
		OutputPath: outputPath,
		Python:     *python,
		PythonWasm: *pythonWasm,
		WasmRoot:   *wasmRoot,
		Out:        os.Stdout,
	}
	// With no command, build the project in the current directory if
	// there is one
	if len(ctx.Args) == 0 {
		if _, err := os.Stat(ProjectFile); err == nil {
			ctx.Args = []string{"build", "."}
		}
	}

	if err := RunCLI(ctx); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		useColor := env.Str("NO_COLOR") == "" && env.Str("TERM") != "dumb"
		var fe *FreezeError
		if errors.As(err, &fe) {
			fmt.Fprintln(os.Stderr, fe.Format(useColor))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
