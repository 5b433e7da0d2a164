// Completion: 100% - WASI CPython bytecode compiler on wazero
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasiCompiler runs a WebAssembly build of CPython inside wazero, so that
// freezing needs no host interpreter. The module runs the helper script
// in a goroutine and talks to it over pipes.
type WasiCompiler struct {
	*helperSession
	runtime wazero.Runtime
	stdin   *io.PipeWriter
	done    chan error
	root    string

	closeOnce sync.Once
	closeErr  error
}

// WasiOptions locates the python.wasm module and its standard library
type WasiOptions struct {
	Module   string // path to python.wasm
	Root     string // host directory mounted as / (holds the stdlib)
	CacheDir string // compiled-module cache; empty disables it
	Env      map[string]string
}

// NewWasiCompiler compiles and starts the WASI interpreter
func NewWasiCompiler(ctx context.Context, opts WasiOptions) (*WasiCompiler, error) {
	wasm, err := os.ReadFile(opts.Module)
	if err != nil {
		return nil, InputMissingError("python.wasm", opts.Module, err)
	}

	rc := wazero.NewRuntimeConfig()
	if opts.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(filepath.Join(opts.CacheDir, "wazero"))
		if err != nil {
			verbosef("wazero compilation cache disabled: %v", err)
		} else {
			rc = rc.WithCompilationCache(cache)
		}
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("compiling %s: %w", opts.Module, err)
	}

	root := opts.Root
	if root == "" {
		root = filepath.Dir(opts.Module)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	config := wazero.NewModuleConfig().
		WithName("python").
		WithArgs("python", "-u", "-I", "-c", freezeHelperScript).
		WithStdin(inR).
		WithStdout(outW).
		WithStderr(os.Stderr).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(root, "/"))
	for k, v := range opts.Env {
		config = config.WithEnv(k, v)
	}

	c := &WasiCompiler{
		helperSession: newHelperSession(inW, outR),
		runtime:       r,
		stdin:         inW,
		done:          make(chan error, 1),
		root:          root,
	}

	go func() {
		_, err := r.InstantiateModule(ctx, compiled, config)
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
		inR.Close()
		outW.CloseWithError(io.EOF)
		c.done <- err
	}()

	if _, err := c.Version(); err != nil {
		c.Close()
		return nil, fmt.Errorf("python.wasm did not answer the helper handshake: %w", err)
	}
	verbosef("bytecode compiler: %s (wasi)", opts.Module)
	return c, nil
}

// SysPath returns the guest's search path translated to host directories
// under the mounted root
func (c *WasiCompiler) SysPath() ([]string, error) {
	guest, err := c.helperSession.SysPath()
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(guest))
	for _, p := range guest {
		dirs = append(dirs, filepath.Join(c.root, filepath.FromSlash(p)))
	}
	return dirs, nil
}

// Close ends the helper loop and tears down the runtime. Later calls
// return the result of the first.
func (c *WasiCompiler) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()
		c.stdin.Close()
		c.closeErr = <-c.done
		c.runtime.Close(context.Background())
	})
	return c.closeErr
}
