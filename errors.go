// Completion: 100% - Error kinds for freezing and stub patching
package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorLevel indicates the severity of an error
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelError
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// ErrorKind classifies what went wrong
type ErrorKind int

const (
	KindInputMissing ErrorKind = iota
	KindPolicyConflict
	KindResolutionMiss
	KindStubStructure
	KindPlaceholderOverflow
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindInputMissing:
		return "input missing"
	case KindPolicyConflict:
		return "policy conflict"
	case KindResolutionMiss:
		return "resolution miss"
	case KindStubStructure:
		return "stub structure"
	case KindPlaceholderOverflow:
		return "placeholder overflow"
	case KindIO:
		return "i/o"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is
var (
	ErrInputMissing        = errors.New("input missing")
	ErrPolicyConflict      = errors.New("policy conflict")
	ErrPlaceholderOverflow = errors.New("header does not fit in placeholder")
	ErrReservedSection     = errors.New("symbol in reserved ELF section index is not supported")
)

// FreezeError is a single diagnostic produced while freezing or patching
type FreezeError struct {
	Level   ErrorLevel
	Kind    ErrorKind
	Message string
	Module  string // dotted module name, if any
	Path    string // file the error relates to, if any
	Err     error
}

// Error implements the error interface
func (e *FreezeError) Error() string {
	var sb strings.Builder
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *FreezeError) Unwrap() error { return e.Err }

// Is lets errors.Is match a FreezeError against the kind sentinels
func (e *FreezeError) Is(target error) bool {
	switch target {
	case ErrInputMissing:
		return e.Kind == KindInputMissing
	case ErrPolicyConflict:
		return e.Kind == KindPolicyConflict
	case ErrPlaceholderOverflow:
		return e.Kind == KindPlaceholderOverflow
	}
	return false
}

// Format returns a nicely formatted error message
func (e *FreezeError) Format(useColor bool) string {
	var sb strings.Builder

	if useColor {
		if e.Level == LevelWarning {
			sb.WriteString("\033[1;33m") // Bold yellow
		} else {
			sb.WriteString("\033[1;31m") // Bold red
		}
	}
	sb.WriteString(e.Level.String())
	sb.WriteString(": ")
	if useColor {
		sb.WriteString("\033[0m")
	}
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Path != "" || e.Module != "" {
		if useColor {
			sb.WriteString("\033[1;34m") // Bold blue
		}
		sb.WriteString("  --> ")
		if e.Module != "" {
			sb.WriteString(e.Module)
			if e.Path != "" {
				sb.WriteString(" (")
				sb.WriteString(e.Path)
				sb.WriteString(")")
			}
		} else {
			sb.WriteString(e.Path)
		}
		if useColor {
			sb.WriteString("\033[0m")
		}
		sb.WriteString("\n")
	}

	if e.Err != nil {
		if useColor {
			sb.WriteString("\033[1;36m") // Bold cyan
		}
		sb.WriteString("   note: ")
		if useColor {
			sb.WriteString("\033[0m")
		}
		sb.WriteString(e.Err.Error())
		sb.WriteString("\n")
	}

	return sb.String()
}

// InputMissingError reports a stub or seed that could not be found
func InputMissingError(what, path string, err error) *FreezeError {
	return &FreezeError{
		Level:   LevelFatal,
		Kind:    KindInputMissing,
		Message: what + " not found",
		Path:    path,
		Err:     err,
	}
}

// PolicyConflictError reports a module that is both forbidden and seeded
func PolicyConflictError(module string) *FreezeError {
	return &FreezeError{
		Level:   LevelFatal,
		Kind:    KindPolicyConflict,
		Message: fmt.Sprintf("module %s is both forbidden and explicitly included", module),
		Module:  module,
	}
}

// PlaceholderOverflowError reports a header that would not fit its slot
func PlaceholderOverflowError(symbol string, offset, want, have int64) *FreezeError {
	return &FreezeError{
		Level:   LevelFatal,
		Kind:    KindPlaceholderOverflow,
		Message: fmt.Sprintf("%d-byte header at 0x%x exceeds %d-byte placeholder %q; stub and blob schema disagree", want, offset, have, symbol),
	}
}

// StubStructureError reports a stub that is not a recognizable executable
func StubStructureError(path, msg string) *FreezeError {
	return &FreezeError{
		Level:   LevelFatal,
		Kind:    KindStubStructure,
		Message: msg,
		Path:    path,
	}
}

// IOError wraps a file system failure with its path
func IOError(op, path string, err error) *FreezeError {
	return &FreezeError{
		Level:   LevelFatal,
		Kind:    KindIO,
		Message: "failed to " + op,
		Path:    path,
		Err:     err,
	}
}

// ErrorCollector accumulates non-fatal diagnostics, reporting each
// distinct message once per run
type ErrorCollector struct {
	warnings []*FreezeError
	seen     map[string]bool
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{seen: make(map[string]bool)}
}

// AddWarning records a warning unless an identical one was already seen.
// It returns true if the warning is new.
func (ec *ErrorCollector) AddWarning(w *FreezeError) bool {
	w.Level = LevelWarning
	key := w.Kind.String() + "\x00" + w.Module + "\x00" + w.Message
	if ec.seen[key] {
		return false
	}
	ec.seen[key] = true
	ec.warnings = append(ec.warnings, w)
	return true
}

// Seen reports whether a resolution miss for module was already recorded
func (ec *ErrorCollector) Seen(kind ErrorKind, module string) bool {
	for _, w := range ec.warnings {
		if w.Kind == kind && w.Module == module {
			return true
		}
	}
	return false
}

// WarningCount returns the number of warnings
func (ec *ErrorCollector) WarningCount() int {
	return len(ec.warnings)
}

// Modules returns the sorted module names of all warnings of a kind
func (ec *ErrorCollector) Modules(kind ErrorKind) []string {
	var names []string
	for _, w := range ec.warnings {
		if w.Kind == kind && w.Module != "" {
			names = append(names, w.Module)
		}
	}
	sort.Strings(names)
	return names
}

// Report formats all warnings for display
func (ec *ErrorCollector) Report(useColor bool) string {
	var sb strings.Builder
	for i, w := range ec.warnings {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(w.Format(useColor))
	}
	if len(ec.warnings) > 0 {
		sb.WriteString(fmt.Sprintf("\n%d warning(s) found\n", len(ec.warnings)))
	}
	return sb.String()
}
