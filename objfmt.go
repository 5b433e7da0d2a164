// Completion: 100% - Format detection, bitness enumeration and symbol patching
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
)

// objfmt.go - Executable container inspection
//
// Stubs arrive as PE, ELF, thin Mach-O or fat Mach-O images. Everything
// here works on an in-memory copy. Structural problems make lookups come
// back empty rather than failing, so a stub without a usable placeholder
// degrades to the trailer fallback.

// Format identifies an executable container format
type Format int

const (
	FormatUnknown Format = iota
	FormatPE
	FormatELF
	FormatMachO
	FormatFat
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "PE"
	case FormatELF:
		return "ELF"
	case FormatMachO:
		return "Mach-O"
	case FormatFat:
		return "Mach-O universal"
	default:
		return "unknown"
	}
}

// DetectFormat classifies data by its magic bytes
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("MZ")):
		return FormatPE
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return FormatELF
	}
	if len(data) < 4 {
		return FormatUnknown
	}
	switch binary.BigEndian.Uint32(data) {
	case MH_MAGIC, MH_CIGAM, MH_MAGIC_64, MH_CIGAM_64:
		return FormatMachO
	case FAT_MAGIC, FAT_CIGAM, FAT_MAGIC64, FAT_CIGAM64:
		return FormatFat
	}
	return FormatUnknown
}

// Bitnesses returns the pointer widths present in an executable, widest
// first. Unrecognized or malformed data yields an empty list.
func Bitnesses(data []byte) []int {
	var bits []int
	switch DetectFormat(data) {
	case FormatPE:
		if len(data) < 0x40 {
			return nil
		}
		off := int(binary.LittleEndian.Uint32(data[0x3c:]))
		if off < 0 || off+26 > len(data) || !bytes.Equal(data[off:off+4], []byte("PE\x00\x00")) {
			return nil
		}
		switch binary.LittleEndian.Uint16(data[off+24:]) {
		case peMagic32:
			bits = append(bits, 32)
		case peMagic64:
			bits = append(bits, 64)
		}
	case FormatELF:
		if len(data) < 5 {
			return nil
		}
		switch data[4] {
		case 1:
			bits = append(bits, 32)
		case 2:
			bits = append(bits, 64)
		}
	case FormatMachO:
		if magic := binary.BigEndian.Uint32(data); magic == MH_MAGIC || magic == MH_CIGAM {
			bits = append(bits, 32)
		} else {
			bits = append(bits, 64)
		}
	case FormatFat:
		archs, _ := parseFatArchs(data)
		for _, arch := range archs {
			b := 32
			if arch.Is64() {
				b = 64
			}
			if !slices.Contains(bits, b) {
				bits = append(bits, b)
			}
		}
	}
	slices.SortFunc(bits, func(a, b int) int { return b - a })
	return bits
}

// SymbolLocation is where a symbol's storage lives in a file
type SymbolLocation struct {
	Offset  int64 // file offset of the first byte
	Size    int64 // recorded symbol size, 0 if the format has none
	Limit   int64 // end of the image (or fat slice) containing the symbol
	Bitness int
}

// FindSymbol returns every file location of the named exported symbol.
// For fat binaries, bitness restricts the search to matching slices; zero
// means all. Other formats ignore it.
func FindSymbol(data []byte, name string, bitness int) ([]SymbolLocation, error) {
	switch DetectFormat(data) {
	case FormatPE:
		return findSymbolPE(data, name), nil
	case FormatELF:
		return findSymbolELF(data, name)
	case FormatMachO:
		return findSymbolMachO(data, name), nil
	case FormatFat:
		return findSymbolFat(data, name, bitness), nil
	}
	return nil, nil
}

// ReplaceSymbol overwrites the storage of the named symbol with repl at
// every location found. It reports whether anything was written. All
// locations are checked before any byte changes, so on error data is left
// untouched.
func ReplaceSymbol(data []byte, name string, repl []byte, bitness int) (bool, error) {
	locs, err := FindSymbol(data, name, bitness)
	if err != nil {
		return false, err
	}

	var targets []int64
	for _, loc := range locs {
		if loc.Offset < 0 || loc.Offset >= int64(len(data)) {
			verbosef("symbol %s at 0x%x lies outside the file", name, loc.Offset)
			continue
		}
		want := int64(len(repl))
		if loc.Size > 0 && want > loc.Size {
			return false, PlaceholderOverflowError(name, loc.Offset, want, loc.Size)
		}
		if loc.Offset+want > loc.Limit || loc.Offset+want > int64(len(data)) {
			return false, PlaceholderOverflowError(name, loc.Offset, want, min(loc.Limit, int64(len(data)))-loc.Offset)
		}
		targets = append(targets, loc.Offset)
	}

	for _, off := range targets {
		copy(data[off:], repl)
	}
	return len(targets) > 0, nil
}

// Dependencies lists the shared libraries an executable or library links
// against. For ELF files, rpath holds extra search directories with $ORIGIN
// expanded to origin. When flatten is set, nested relative Mach-O install
// names are rewritten in data, and rewritten reports whether data changed.
func Dependencies(data []byte, origin string, flatten bool) (deps, rpath []string, rewritten bool, err error) {
	switch DetectFormat(data) {
	case FormatPE:
		pe, err := ParsePE(data)
		if err != nil {
			return nil, nil, false, fmt.Errorf("reading PE imports: %w", err)
		}
		deps, err = pe.ImportedLibraries()
		return deps, nil, false, err
	case FormatELF:
		deps, rpath, err = elfDependencies(data, origin)
		return deps, rpath, false, err
	case FormatMachO, FormatFat:
		before := bytes.Clone(data)
		if DetectFormat(data) == FormatFat {
			deps = fatDependencies(data, flatten)
		} else if m, ok := parseMachO(data); ok {
			deps = m.dependencies(flatten)
		}
		return deps, nil, !bytes.Equal(before, data), nil
	}
	return nil, nil, false, nil
}
