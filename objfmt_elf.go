// Completion: 100% - ELF dynamic symbol lookup and DT_NEEDED scanning
package main

import (
	"bytes"
	"debug/elf"
	"fmt"
	"path/filepath"
	"strings"
)

// Reserved section index range; symbols there have no file location
const (
	shnLoReserve = 0xff00
	shnHiReserve = 0xffff
)

// findSymbolELF locates every defined dynamic symbol with the given name.
// A match in a reserved section index is an error; undefined matches are
// skipped.
func findSymbolELF(data []byte, name string) ([]SymbolLocation, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		verbosef("ELF parse failed: %v", err)
		return nil, nil
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		// No .dynsym, or one that does not link to a string table
		return nil, nil
	}

	bitness := 32
	if f.Class == elf.ELFCLASS64 {
		bitness = 64
	}

	var locs []SymbolLocation
	for _, sym := range syms {
		if sym.Name != name {
			continue
		}
		shndx := int(sym.Section)
		switch {
		case sym.Section == elf.SHN_UNDEF:
			continue
		case shndx >= shnLoReserve && shndx <= shnHiReserve:
			return nil, fmt.Errorf("%w: %s has section index 0x%x", ErrReservedSection, name, shndx)
		case shndx >= len(f.Sections):
			continue
		}
		sect := f.Sections[shndx]
		off := int64(sect.Offset) - int64(sect.Addr) + int64(sym.Value)
		locs = append(locs, SymbolLocation{
			Offset:  off,
			Size:    int64(sym.Size),
			Limit:   int64(len(data)),
			Bitness: bitness,
		})
	}
	return locs, nil
}

// elfDependencies returns the DT_NEEDED entries of an ELF file, plus the
// directories named by DT_RPATH and DT_RUNPATH with $ORIGIN replaced by
// origin
func elfDependencies(data []byte, origin string) (needed, rpath []string, err error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	if f.SectionByType(elf.SHT_DYNAMIC) == nil {
		return nil, nil, nil
	}

	needed, err = f.ImportedLibraries()
	if err != nil {
		return nil, nil, err
	}
	for _, tag := range []elf.DynTag{elf.DT_RPATH, elf.DT_RUNPATH} {
		values, err := f.DynString(tag)
		if err != nil {
			return needed, rpath, err
		}
		for _, value := range values {
			for _, dir := range strings.Split(value, ":") {
				dir = strings.ReplaceAll(dir, "$ORIGIN", origin)
				rpath = append(rpath, filepath.Clean(dir))
			}
		}
	}
	return needed, rpath, nil
}
