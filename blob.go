// Completion: 100% - Blob layout: string pool, module tables, header packing
package main

import (
	"bytes"
	"encoding/binary"
	"sort"
)

const (
	blobVersion     = 1
	blobNumPointers = 12
	blobPadAlign    = 32
	codeAlign       = 4

	// blobinfoSymbol is the exported placeholder the header is written to
	blobinfoSymbol = "blobinfo"

	flagLogAppend = 1
)

// headerFieldNames lists the runtime configuration strings in the order
// their pointers appear in the header, after the module table pointer
var headerFieldNames = []string{
	"prc_data",
	"default_prc_dir",
	"prc_dir_envvars",
	"prc_path_envvars",
	"prc_patterns",
	"prc_encrypted_patterns",
	"prc_encryption_key",
	"prc_executable_patterns",
	"prc_executable_args_envvar",
	"main_dir",
	"log_filename",
}

// entrySize returns the module table entry size for a bitness
func entrySize(bitness int) int {
	if bitness == 64 {
		return 24 // <QQixxxx
	}
	return 12 // <IIi
}

// headerSize returns the packed header size for a bitness
func headerSize(bitness int) int {
	ptr := 4
	if bitness == 64 {
		ptr = 8
	}
	return 32 + (blobNumPointers+1)*ptr
}

// StringPool is a buffer of NUL-terminated strings where a string that is a
// suffix of an already pooled one shares its storage
type StringPool struct {
	data    []byte
	offsets map[string]int
}

// NewStringPool pools strs longest first. Equal-length strings go in
// lexicographic order so the result is deterministic.
func NewStringPool(strs []string) *StringPool {
	unique := make([]string, 0, len(strs))
	seen := make(map[string]bool, len(strs))
	for _, s := range strs {
		if !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}
	sort.Slice(unique, func(i, j int) bool {
		if len(unique[i]) != len(unique[j]) {
			return len(unique[i]) > len(unique[j])
		}
		return unique[i] < unique[j]
	})

	p := &StringPool{offsets: make(map[string]int, len(unique))}
	for _, s := range unique {
		needle := append([]byte(s), 0)
		off := bytes.Index(p.data, needle)
		if off < 0 {
			off = len(p.data)
			p.data = append(p.data, needle...)
		}
		p.offsets[s] = off
	}
	return p
}

// Offset returns the position of s within the pool
func (p *StringPool) Offset(s string) (int, bool) {
	off, ok := p.offsets[s]
	return off, ok
}

// Bytes returns the pooled strings
func (p *StringPool) Bytes() []byte {
	return p.data
}

// BlobModule is one module as it goes into the blob
type BlobModule struct {
	Name    string
	Code    []byte // marshalled code object; nil for forbidden modules
	Package bool
	Forbid  bool
}

// tableEntry is a laid out module: pool-relative code offset and signed size
type tableEntry struct {
	name   string
	offset int
	size   int32
}

// Blob is a laid out module blob, ready to be appended to a stub
type Blob struct {
	Bitnesses    []int
	PoolOffset   int
	Size         int         // total size including trailing pad
	TableOffsets map[int]int // bitness -> offset of its module table
	FieldOffsets map[string]int
	Data         []byte // tables, pool and pad; len(Data) == Size
}

// BuildBlob lays out module tables (one per bitness, widest first) followed
// by the string and code pool. modules must already be in emission order.
// fields maps header field names to their values; missing names are encoded
// as null pointers.
func BuildBlob(modules []BlobModule, fields map[string]string, bitnesses []int) *Blob {
	strs := make([]string, 0, len(modules)+len(fields))
	for _, m := range modules {
		strs = append(strs, m.Name)
	}
	for _, v := range fields {
		strs = append(strs, v)
	}
	strPool := NewStringPool(strs)
	pool := bytes.Clone(strPool.Bytes())

	entries := make([]tableEntry, 0, len(modules))
	for _, m := range modules {
		if m.Forbid {
			entries = append(entries, tableEntry{name: m.Name})
			continue
		}
		if pad := len(pool) % codeAlign; pad != 0 {
			pool = append(pool, make([]byte, codeAlign-pad)...)
		}
		size := int32(len(m.Code))
		if m.Package {
			size = -size
		}
		entries = append(entries, tableEntry{name: m.Name, offset: len(pool), size: size})
		pool = append(pool, m.Code...)
	}

	bits := append([]int(nil), bitnesses...)
	sort.Sort(sort.Reverse(sort.IntSlice(bits)))

	b := &Blob{
		Bitnesses:    bits,
		TableOffsets: make(map[int]int, len(bits)),
		FieldOffsets: make(map[string]int, len(fields)),
	}
	for _, bitness := range bits {
		b.PoolOffset += (len(entries) + 1) * entrySize(bitness)
	}
	b.Size = alignUp(b.PoolOffset+len(pool), blobPadAlign)

	for key, value := range fields {
		off, _ := strPool.Offset(value)
		b.FieldOffsets[key] = b.PoolOffset + off
	}

	var buf bytes.Buffer
	for _, bitness := range bits {
		b.TableOffsets[bitness] = buf.Len()
		for _, e := range entries {
			nameOff, _ := strPool.Offset(e.name)
			offset := e.offset
			if e.size != 0 {
				offset += b.PoolOffset
			}
			writeEntry(&buf, bitness, uint64(b.PoolOffset+nameOff), uint64(offset), e.size)
		}
		// A null entry marks the end of the module table
		writeEntry(&buf, bitness, 0, 0, 0)
	}
	buf.Write(pool)
	buf.Write(make([]byte, b.Size-buf.Len()))
	b.Data = buf.Bytes()
	return b
}

func writeEntry(buf *bytes.Buffer, bitness int, nameOff, dataOff uint64, size int32) {
	if bitness == 64 {
		binary.Write(buf, binary.LittleEndian, nameOff)
		binary.Write(buf, binary.LittleEndian, dataOff)
		binary.Write(buf, binary.LittleEndian, size)
		buf.Write([]byte{0, 0, 0, 0})
		return
	}
	binary.Write(buf, binary.LittleEndian, uint32(nameOff))
	binary.Write(buf, binary.LittleEndian, uint32(dataOff))
	binary.Write(buf, binary.LittleEndian, size)
}

// Header packs the blobinfo header for one bitness
func (b *Blob) Header(bitness int, blobOffset uint64, logAppend bool) []byte {
	var flags uint16
	if logAppend {
		flags |= flagLogAppend
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, blobOffset)
	binary.Write(&buf, binary.LittleEndian, uint64(b.Size))
	binary.Write(&buf, binary.LittleEndian, []uint16{blobVersion, blobNumPointers, 0, flags})
	buf.Write(make([]byte, 8))

	pointers := make([]uint64, 0, blobNumPointers+1)
	pointers = append(pointers, uint64(b.TableOffsets[bitness]))
	for _, name := range headerFieldNames {
		pointers = append(pointers, uint64(b.FieldOffsets[name]))
	}
	pointers = append(pointers, 0)

	for _, p := range pointers {
		if bitness == 64 {
			binary.Write(&buf, binary.LittleEndian, p)
		} else {
			binary.Write(&buf, binary.LittleEndian, uint32(p))
		}
	}
	return buf.Bytes()
}

func alignUp(n, align int) int {
	if rem := n % align; rem != 0 {
		return n + align - rem
	}
	return n
}
