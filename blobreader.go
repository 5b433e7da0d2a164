// Completion: 100% - Decoding of patched runtimes
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RuntimeHeader is a decoded blobinfo header
type RuntimeHeader struct {
	Bitness     int
	Offset      int64 // where the header was found in the file
	BlobOffset  uint64
	BlobSize    uint64
	Version     uint16
	NumPointers uint16
	Codepage    uint16
	Flags       uint16
	TableOffset uint64
	Fields      map[string]string
}

// RuntimeModule is one decoded module table entry
type RuntimeModule struct {
	Name    string
	Offset  uint64 // blob relative; 0 for forbidden modules
	Size    int32
	Code    []byte
	Package bool
	Forbid  bool
}

// Runtime is what ReadRuntime finds in a built executable
type Runtime struct {
	Headers []RuntimeHeader
	Modules map[int][]RuntimeModule // per bitness
	Legacy  bool                    // located through the 8-byte trailer
}

// ReadRuntime decodes the blob headers and module tables of a runtime
// built by AssembleRuntime
func ReadRuntime(data []byte) (*Runtime, error) {
	bitnesses := Bitnesses(data)
	if len(bitnesses) == 0 {
		return nil, StubStructureError("", "not a recognized executable format")
	}

	rt := &Runtime{Modules: make(map[int][]RuntimeModule)}
	for _, bitness := range bitnesses {
		locs, err := FindSymbol(data, blobinfoSymbol, bitness)
		if err != nil {
			return nil, err
		}
		for _, loc := range locs {
			size := int64(headerSize(bitness))
			if loc.Offset < 0 || loc.Offset > int64(len(data))-size {
				continue
			}
			h, err := decodeHeader(data[loc.Offset:loc.Offset+size], bitness)
			if err != nil {
				return nil, err
			}
			h.Offset = loc.Offset
			if h.BlobOffset == 0 {
				// unpatched placeholder
				continue
			}
			rt.Headers = append(rt.Headers, *h)
		}
	}

	if len(rt.Headers) == 0 {
		// Old stubs carry the blob offset in the last 8 bytes
		if len(data) < 8 {
			return nil, StubStructureError("", "no blob header found")
		}
		blobOffset := binary.LittleEndian.Uint64(data[len(data)-8:])
		if blobOffset == 0 || blobOffset > uint64(len(data))-8 {
			return nil, StubStructureError("", "no blob header found")
		}
		rt.Legacy = true
		// Without a header only the first table can be walked
		bitness := bitnesses[0]
		rt.Headers = append(rt.Headers, RuntimeHeader{
			Bitness:    bitness,
			Offset:     -1,
			BlobOffset: blobOffset,
			BlobSize:   uint64(len(data)) - 8 - blobOffset,
			Fields:     map[string]string{},
		})
	}

	for _, h := range rt.Headers {
		if _, done := rt.Modules[h.Bitness]; done {
			continue
		}
		if !inBounds(h.BlobOffset, h.BlobSize, uint64(len(data))) {
			return nil, StubStructureError("", fmt.Sprintf("blob of %d bytes at 0x%x runs past the end of the file", h.BlobSize, h.BlobOffset))
		}
		blob := data[h.BlobOffset : h.BlobOffset+h.BlobSize]
		if !rt.Legacy {
			for i, name := range headerFieldNames {
				if ptr, ok := h.fieldPointer(data, i); ok && ptr != 0 {
					h.Fields[name] = cString(blob, ptr)
				}
			}
		}
		modules, err := decodeModuleTable(blob, h.TableOffset, h.Bitness)
		if err != nil {
			return nil, err
		}
		rt.Modules[h.Bitness] = modules
	}
	return rt, nil
}

func decodeHeader(b []byte, bitness int) (*RuntimeHeader, error) {
	r := bytes.NewReader(b)
	var fixed struct {
		BlobOffset, BlobSize                  uint64
		Version, NumPointers, Codepage, Flags uint16
		_                                     [8]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, err
	}
	h := &RuntimeHeader{
		Bitness:     bitness,
		BlobOffset:  fixed.BlobOffset,
		BlobSize:    fixed.BlobSize,
		Version:     fixed.Version,
		NumPointers: fixed.NumPointers,
		Codepage:    fixed.Codepage,
		Flags:       fixed.Flags,
		Fields:      make(map[string]string),
	}
	if fixed.BlobOffset != 0 && fixed.Version != blobVersion {
		return nil, StubStructureError("", fmt.Sprintf("unsupported blob version %d", fixed.Version))
	}
	h.TableOffset = readPointer(b[32:], bitness)
	return h, nil
}

// fieldPointer returns pointer i of the configuration fields
func (h *RuntimeHeader) fieldPointer(data []byte, i int) (uint64, bool) {
	ptr := 4
	if h.Bitness == 64 {
		ptr = 8
	}
	start := h.Offset + 32 + int64((i+1)*ptr)
	if h.Offset < 0 || start > int64(len(data))-int64(ptr) {
		return 0, false
	}
	return readPointer(data[start:], h.Bitness), true
}

// inBounds reports whether [off, off+n) lies within a buffer of length
// total, without overflowing
func inBounds(off, n, total uint64) bool {
	return off <= total && n <= total-off
}

func readPointer(b []byte, bitness int) uint64 {
	if bitness == 64 {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

func decodeModuleTable(blob []byte, tableOffset uint64, bitness int) ([]RuntimeModule, error) {
	var modules []RuntimeModule
	size := uint64(entrySize(bitness))
	for off := tableOffset; ; off += size {
		if !inBounds(off, size, uint64(len(blob))) {
			return nil, StubStructureError("", "module table is not terminated")
		}
		e := blob[off:]
		nameOff := readPointer(e, bitness)
		var dataOff uint64
		var modSize int32
		if bitness == 64 {
			dataOff = binary.LittleEndian.Uint64(e[8:])
			modSize = int32(binary.LittleEndian.Uint32(e[16:]))
		} else {
			dataOff = uint64(binary.LittleEndian.Uint32(e[4:]))
			modSize = int32(binary.LittleEndian.Uint32(e[8:]))
		}
		if nameOff == 0 {
			return modules, nil
		}

		m := RuntimeModule{
			Name:    cString(blob, nameOff),
			Offset:  dataOff,
			Size:    modSize,
			Package: modSize < 0,
			Forbid:  modSize == 0 && dataOff == 0,
		}
		if n := uint64(abs32(modSize)); n > 0 {
			if !inBounds(dataOff, n, uint64(len(blob))) {
				return nil, StubStructureError("", fmt.Sprintf("module %s runs past the end of the blob", m.Name))
			}
			m.Code = blob[dataOff : dataOff+n]
		}
		modules = append(modules, m)
	}
}

func cString(b []byte, off uint64) string {
	if off >= uint64(len(b)) {
		return ""
	}
	rest := b[off:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	return string(rest)
}

func abs32(n int32) int64 {
	if n < 0 {
		return -int64(n)
	}
	return int64(n)
}
