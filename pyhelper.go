// Completion: 100% - Bytecode compiler interface and helper protocol
package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/xyproto/pyfreeze/internal/engine"
)

//go:embed freeze_helper.py
var freezeHelperScript string

// ImportRef is one import statement found in compiled code:
// "from <Level dots><Name> import <FromList>"
type ImportRef struct {
	Name     string   `json:"name"`
	FromList []string `json:"fromlist"` // nil for plain "import X"
	Level    int      `json:"level"`
}

// CodeObject is a compiled module as the freezer sees it
type CodeObject struct {
	Data          []byte // marshalled code object
	Filename      string
	Imports       []ImportRef
	GlobalNames   []string
	HasStarImport bool
	AllNames      []string // literal __all__, if the source has one
}

// Compiler turns module source or .pyc files into marshalled code objects
type Compiler interface {
	CompileSource(source []byte, filename string, optimize int) (*CodeObject, error)
	LoadBytecode(pyc []byte, filename string) (*CodeObject, error)
	// Rename rewrites co_filename in code and all nested code objects
	Rename(code *CodeObject, filename string) (*CodeObject, error)
	Version() (engine.PythonVersion, error)
	BuiltinModules() ([]string, error)
	Close() error
}

// ErrHelperClosed is returned for requests sent after Close
var ErrHelperClosed = errors.New("bytecode helper is not running")

// CompileError is a syntax error in module source
type CompileError struct {
	Filename string
	Msg      string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Filename, e.Msg)
}

// BytecodeError is an unreadable .pyc file
type BytecodeError struct {
	Filename string
	Msg      string
}

func (e *BytecodeError) Error() string {
	return e.Msg
}

type helperRequest struct {
	Op       string `json:"op"`
	Source   []byte `json:"source,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	Optimize int    `json:"optimize"`
}

type helperResponse struct {
	OK       bool        `json:"ok"`
	Kind     string      `json:"kind"`
	Error    string      `json:"error"`
	Code     []byte      `json:"code"`
	Filename string      `json:"filename"`
	Imports  []ImportRef `json:"imports"`
	Globals  []string    `json:"globals"`
	Star     bool        `json:"star"`
	All      []string    `json:"all"`
	Version  string      `json:"version"`
	Builtins []string    `json:"builtins"`
	Magic    []byte      `json:"magic"`
	Path     []string    `json:"path"`
}

// helperSession speaks the line-delimited JSON protocol of freeze_helper.py
// over a pair of streams. Both compiler backends are built on it.
type helperSession struct {
	mu     sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder
	closed bool

	info *helperResponse
}

func newHelperSession(w io.Writer, r io.Reader) *helperSession {
	return &helperSession{enc: json.NewEncoder(w), dec: json.NewDecoder(r)}
}

func (s *helperSession) call(req helperRequest) (*helperResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrHelperClosed
	}
	if err := s.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", req.Op, err)
	}
	var resp helperResponse
	if err := s.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading %s response: %w", req.Op, err)
	}
	if !resp.OK {
		switch resp.Kind {
		case "syntax":
			return nil, &CompileError{Filename: req.Filename, Msg: resp.Error}
		case "import":
			return nil, &BytecodeError{Filename: req.Filename, Msg: resp.Error}
		}
		return nil, fmt.Errorf("bytecode helper: %s", resp.Error)
	}
	return &resp, nil
}

func (s *helperSession) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func codeFromResponse(resp *helperResponse) *CodeObject {
	return &CodeObject{
		Data:          resp.Code,
		Filename:      resp.Filename,
		Imports:       resp.Imports,
		GlobalNames:   resp.Globals,
		HasStarImport: resp.Star,
		AllNames:      resp.All,
	}
}

func (s *helperSession) CompileSource(source []byte, filename string, optimize int) (*CodeObject, error) {
	resp, err := s.call(helperRequest{Op: "compile", Source: source, Filename: filename, Optimize: optimize})
	if err != nil {
		return nil, err
	}
	return codeFromResponse(resp), nil
}

func (s *helperSession) LoadBytecode(pyc []byte, filename string) (*CodeObject, error) {
	resp, err := s.call(helperRequest{Op: "load", Data: pyc, Filename: filename})
	if err != nil {
		return nil, err
	}
	return codeFromResponse(resp), nil
}

func (s *helperSession) Rename(code *CodeObject, filename string) (*CodeObject, error) {
	if code.Filename == filename {
		return code, nil
	}
	resp, err := s.call(helperRequest{Op: "rename", Data: code.Data, Filename: filename})
	if err != nil {
		return nil, err
	}
	renamed := codeFromResponse(resp)
	renamed.AllNames = code.AllNames
	return renamed, nil
}

func (s *helperSession) hostInfo() (*helperResponse, error) {
	if s.info != nil {
		return s.info, nil
	}
	resp, err := s.call(helperRequest{Op: "info"})
	if err != nil {
		return nil, err
	}
	s.info = resp
	return resp, nil
}

func (s *helperSession) Version() (engine.PythonVersion, error) {
	info, err := s.hostInfo()
	if err != nil {
		return engine.PythonVersion{}, err
	}
	return engine.ParsePythonVersion(info.Version)
}

func (s *helperSession) BuiltinModules() ([]string, error) {
	info, err := s.hostInfo()
	if err != nil {
		return nil, err
	}
	return info.Builtins, nil
}

// SysPath returns the interpreter's own module search path, which is
// where the standard library is found
func (s *helperSession) SysPath() ([]string, error) {
	info, err := s.hostInfo()
	if err != nil {
		return nil, err
	}
	return info.Path, nil
}
