// Completion: 100% - Mach-O thin and fat symbol lookup, dylib scanning
package main

import (
	"bytes"
	"encoding/binary"
	"path"
	"strings"
)

// Mach-O constants
const (
	MH_MAGIC    = 0xfeedface // 32-bit magic number
	MH_CIGAM    = 0xcefaedfe // NXSwapInt(MH_MAGIC)
	MH_MAGIC_64 = 0xfeedfacf // 64-bit magic number
	MH_CIGAM_64 = 0xcffaedfe // NXSwapInt(MH_MAGIC_64)
	FAT_MAGIC   = 0xcafebabe // fat header, 32-bit offsets
	FAT_CIGAM   = 0xbebafeca
	FAT_MAGIC64 = 0xcafebabf // fat header, 64-bit offsets
	FAT_CIGAM64 = 0xbfbafeca

	CPU_ARCH_ABI64  = 0x01000000
	CPU_TYPE_X86    = 0x00000007
	CPU_TYPE_X86_64 = 0x01000007 // x86_64
	CPU_TYPE_ARM    = 0x0000000c
	CPU_TYPE_ARM64  = 0x0100000c // ARM64

	LC_REQ_DYLD   = 0x80000000
	LC_SEGMENT    = 0x1
	LC_SYMTAB     = 0x2
	LC_LOAD_DYLIB = 0xc
	LC_SEGMENT_64 = 0x19

	N_STAB = 0xe0
	N_TYPE = 0x0e
)

// FatArch is one slice record of a fat (universal) binary
type FatArch struct {
	CPUType    uint64
	CPUSubtype uint64
	Offset     uint64
	Size       uint64
	Align      uint64
}

// Is64 reports whether the slice holds a 64-bit image
func (a FatArch) Is64() bool {
	return a.CPUType&CPU_ARCH_ABI64 != 0
}

// machoSegment records where a segment's memory range lives in the file
type machoSegment struct {
	vmaddr  uint64
	vmsize  uint64
	fileoff uint64
}

// machoImage is a thin Mach-O image over a byte slice. The slice may be a
// window into a fat binary; offsets are relative to its start.
type machoImage struct {
	data   []byte
	order  binary.ByteOrder
	is64   bool
	ncmds  uint32
	cmdOff int
}

func parseMachO(data []byte) (*machoImage, bool) {
	if len(data) < 28 {
		return nil, false
	}
	m := &machoImage{data: data}
	switch binary.BigEndian.Uint32(data) {
	case MH_CIGAM, MH_CIGAM_64:
		m.order = binary.LittleEndian
	case MH_MAGIC, MH_MAGIC_64:
		m.order = binary.BigEndian
	default:
		return nil, false
	}
	cputype := m.order.Uint32(data[4:])
	m.is64 = cputype&CPU_ARCH_ABI64 != 0
	m.ncmds = m.order.Uint32(data[16:])
	m.cmdOff = 28
	if m.is64 {
		m.cmdOff += 4
	}
	return m, true
}

// Bitness returns 32 or 64 from the CPU type
func (m *machoImage) Bitness() int {
	if m.is64 {
		return 64
	}
	return 32
}

// eachLoadCommand calls fn with each load command's type, its offset in the
// image, and the command bytes after the 8-byte (cmd, cmdsize) prefix.
// Iteration stops early if fn returns false or the table is truncated.
func (m *machoImage) eachLoadCommand(fn func(cmd uint32, off int, body []byte) bool) bool {
	ptr := m.cmdOff
	for i := uint32(0); i < m.ncmds; i++ {
		if ptr+8 > len(m.data) {
			return false
		}
		cmd := m.order.Uint32(m.data[ptr:])
		size := int(m.order.Uint32(m.data[ptr+4:]))
		if size < 8 || ptr+size > len(m.data) {
			return false
		}
		if !fn(cmd&^LC_REQ_DYLD, ptr, m.data[ptr+8:ptr+size]) {
			return true
		}
		ptr += size
	}
	return true
}

// findSymbol returns the file offset of the named C symbol
func (m *machoImage) findSymbol(name string) (int64, bool) {
	want := []byte("_" + name)
	var segments []machoSegment
	var offset int64
	found := false

	m.eachLoadCommand(func(cmd uint32, _ int, body []byte) bool {
		switch cmd {
		case LC_SEGMENT:
			if len(body) < 48 {
				return false
			}
			segments = append(segments, machoSegment{
				vmaddr:  uint64(m.order.Uint32(body[16:])),
				vmsize:  uint64(m.order.Uint32(body[20:])),
				fileoff: uint64(m.order.Uint32(body[24:])),
			})
		case LC_SEGMENT_64:
			if len(body) < 64 {
				return false
			}
			segments = append(segments, machoSegment{
				vmaddr:  m.order.Uint64(body[16:]),
				vmsize:  m.order.Uint64(body[24:]),
				fileoff: m.order.Uint64(body[32:]),
			})
		case LC_SYMTAB:
			if len(body) < 16 {
				return false
			}
			value, ok := m.lookupSymtab(body, want)
			if !ok {
				return true
			}
			for _, seg := range segments {
				if value >= seg.vmaddr && value-seg.vmaddr < seg.vmsize {
					offset = int64(seg.fileoff + value - seg.vmaddr)
					found = true
					return false
				}
			}
			printf("Could not find memory address for symbol %s", name)
			return false
		}
		return true
	})
	return offset, found
}

// lookupSymtab scans the nlist table of an LC_SYMTAB command for a defined
// symbol and returns its value
func (m *machoImage) lookupSymtab(body, want []byte) (uint64, bool) {
	symoff := int(m.order.Uint32(body[0:]))
	nsyms := int(m.order.Uint32(body[4:]))
	stroff := int(m.order.Uint32(body[8:]))
	strsize := int(m.order.Uint32(body[12:]))
	if stroff < 0 || strsize < 0 || stroff+strsize > len(m.data) {
		return 0, false
	}
	strtab := m.data[stroff : stroff+strsize]

	entSize := 12
	if m.is64 {
		entSize = 16
	}
	for i := 0; i < nsyms; i++ {
		p := symoff + i*entSize
		if p < 0 || p+entSize > len(m.data) {
			return 0, false
		}
		strx := int(m.order.Uint32(m.data[p:]))
		typ := m.data[p+4]
		if strx <= 0 || strx >= len(strtab) {
			continue
		}
		if typ&N_STAB != 0 || typ&N_TYPE == 0 {
			continue
		}
		sym := strtab[strx:]
		if end := bytes.IndexByte(sym, 0); end >= 0 {
			sym = sym[:end]
		}
		if !bytes.Equal(sym, want) {
			continue
		}
		if m.is64 {
			return m.order.Uint64(m.data[p+8:]), true
		}
		return uint64(m.order.Uint32(m.data[p+8:])), true
	}
	return 0, false
}

// dylibPrefixes are stripped from LC_LOAD_DYLIB names, in order
var dylibPrefixes = []string{"@loader_path/", "@rpath/"}

// dependencies returns the LC_LOAD_DYLIB names with loader-relative
// prefixes removed. When flatten is set, nested relative references such as
// @loader_path/../.dylibs/libfoo.dylib are rewritten in place to
// @loader_path/libfoo.dylib, since all dependencies end up in one directory.
func (m *machoImage) dependencies(flatten bool) []string {
	var deps []string
	m.eachLoadCommand(func(cmd uint32, off int, body []byte) bool {
		if cmd != LC_LOAD_DYLIB || len(body) < 16 {
			return true
		}
		raw := body[16:]
		dylib := string(raw)
		if end := strings.IndexByte(dylib, 0); end >= 0 {
			dylib = dylib[:end]
		}
		orig := dylib

		switch {
		case strings.HasPrefix(dylib, "@loader_path/../Frameworks/"):
			dylib = strings.TrimPrefix(dylib, "@loader_path/../Frameworks/")
		case strings.HasPrefix(dylib, "@executable_path/../Frameworks/"):
			dylib = strings.TrimPrefix(dylib, "@executable_path/../Frameworks/")
		default:
			for _, prefix := range dylibPrefixes {
				if !strings.HasPrefix(dylib, prefix) {
					continue
				}
				dylib = strings.TrimPrefix(dylib, prefix)
				if !flatten || !strings.Contains(dylib, "/") {
					continue
				}
				newName := prefix + path.Base(dylib)
				if len(newName) < len(raw) {
					n := copy(raw, newName)
					clear(raw[n:])
				} else {
					warnf("Unable to rewrite dependency %s", orig)
				}
			}
		}
		deps = append(deps, dylib)
		return true
	})
	return deps
}

// parseFatArchs reads the slice table of a fat binary
func parseFatArchs(data []byte) ([]FatArch, bool) {
	if len(data) < 8 {
		return nil, false
	}
	var wide bool
	switch binary.BigEndian.Uint32(data) {
	case FAT_MAGIC, FAT_CIGAM:
	case FAT_MAGIC64, FAT_CIGAM64:
		wide = true
	default:
		return nil, false
	}

	// Fat headers are always big-endian; the swapped magics only tell us
	// the file was written by a tool that got this wrong.
	numFat := int(binary.BigEndian.Uint32(data[4:]))
	// fat_arch is five uint32s; fat_arch_64 widens offset and size and
	// ends with a reserved word
	recSize := 20
	if wide {
		recSize = 32
	}
	if numFat < 0 || 8+numFat*recSize > len(data) {
		return nil, false
	}

	archs := make([]FatArch, numFat)
	ptr := 8
	for i := range archs {
		if wide {
			archs[i] = FatArch{
				CPUType:    uint64(binary.BigEndian.Uint32(data[ptr:])),
				CPUSubtype: uint64(binary.BigEndian.Uint32(data[ptr+4:])),
				Offset:     binary.BigEndian.Uint64(data[ptr+8:]),
				Size:       binary.BigEndian.Uint64(data[ptr+16:]),
				Align:      uint64(binary.BigEndian.Uint32(data[ptr+24:])),
			}
		} else {
			archs[i] = FatArch{
				CPUType:    uint64(binary.BigEndian.Uint32(data[ptr:])),
				CPUSubtype: uint64(binary.BigEndian.Uint32(data[ptr+4:])),
				Offset:     uint64(binary.BigEndian.Uint32(data[ptr+8:])),
				Size:       uint64(binary.BigEndian.Uint32(data[ptr+12:])),
				Align:      uint64(binary.BigEndian.Uint32(data[ptr+16:])),
			}
		}
		ptr += recSize
	}
	return archs, true
}

// fatSlice returns the bytes of one slice, or false if it lies outside data
func fatSlice(data []byte, arch FatArch) ([]byte, bool) {
	end := arch.Offset + arch.Size
	if end < arch.Offset || end > uint64(len(data)) {
		return nil, false
	}
	return data[arch.Offset:end], true
}

func findSymbolMachO(data []byte, name string) []SymbolLocation {
	m, ok := parseMachO(data)
	if !ok {
		return nil
	}
	off, ok := m.findSymbol(name)
	if !ok {
		return nil
	}
	return []SymbolLocation{{Offset: off, Limit: int64(len(data)), Bitness: m.Bitness()}}
}

func findSymbolFat(data []byte, name string, bitness int) []SymbolLocation {
	archs, ok := parseFatArchs(data)
	if !ok {
		return nil
	}
	var locs []SymbolLocation
	for _, arch := range archs {
		if bitness != 0 && arch.Is64() != (bitness == 64) {
			continue
		}
		slice, ok := fatSlice(data, arch)
		if !ok {
			continue
		}
		for _, loc := range findSymbolMachO(slice, name) {
			loc.Offset += int64(arch.Offset)
			loc.Limit = int64(arch.Offset + arch.Size)
			locs = append(locs, loc)
		}
	}
	return locs
}

// fatDependencies merges the dylib lists of every readable slice
func fatDependencies(data []byte, flatten bool) []string {
	archs, ok := parseFatArchs(data)
	if !ok {
		return nil
	}
	var deps []string
	seen := make(map[string]bool)
	for _, arch := range archs {
		slice, ok := fatSlice(data, arch)
		if !ok {
			continue
		}
		m, ok := parseMachO(slice)
		if !ok {
			continue
		}
		for _, dep := range m.dependencies(flatten) {
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
	}
	return deps
}
