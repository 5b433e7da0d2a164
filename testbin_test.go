package main

import (
	"bytes"
	"encoding/binary"
)

// Synthetic stubs for the object format tests. Each one carries a
// zero-filled placeholder for the blobinfo symbol at a known file offset.

const testPlaceholderSize = 256

func putU16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// buildTestELF64 returns a little-endian ELF64 image exporting symbol from
// .dynsym, and the file offset of its storage. needed becomes a DT_NEEDED
// entry when non-empty.
func buildTestELF64(symbol string, size uint64, needed string) ([]byte, int64) {
	const (
		dataOff   = 0x40
		dataSize  = 0x200
		dynstrOff = dataOff + dataSize
	)
	dynstr := []byte("\x00" + symbol + "\x00")
	neededIdx := 0
	if needed != "" {
		neededIdx = len(dynstr)
		dynstr = append(dynstr, needed+"\x00"...)
	}
	dynsymOff := alignUp(dynstrOff+len(dynstr), 8)
	dynsym := make([]byte, 2*24)
	putU32(dynsym, 24, 1)   // st_name
	dynsym[24+4] = 0x11     // STB_GLOBAL, STT_OBJECT
	putU16(dynsym, 24+6, 1) // .data
	putU64(dynsym, 24+8, dataOff+0x10)
	putU64(dynsym, 24+16, size)

	dynamicOff := dynsymOff + len(dynsym)
	var dynamic []byte
	if needed != "" {
		dynamic = make([]byte, 3*16)
		putU64(dynamic, 0, 1) // DT_NEEDED
		putU64(dynamic, 8, uint64(neededIdx))
		putU64(dynamic, 16, 5) // DT_STRTAB
		putU64(dynamic, 24, uint64(dynstrOff))
	}

	shstrtabOff := dynamicOff + len(dynamic)
	shstrtab := []byte("\x00.data\x00.dynstr\x00.dynsym\x00.shstrtab\x00.dynamic\x00")
	shoff := alignUp(shstrtabOff+len(shstrtab), 8)

	type section struct {
		name, typ         uint32
		addr, off, size   uint64
		link, info, entsz uint64
	}
	sections := []section{
		{},
		{name: 1, typ: 1, addr: dataOff, off: dataOff, size: dataSize},
		{name: 7, typ: 3, addr: uint64(dynstrOff), off: uint64(dynstrOff), size: uint64(len(dynstr))},
		{name: 15, typ: 11, addr: uint64(dynsymOff), off: uint64(dynsymOff), size: uint64(len(dynsym)), link: 2, info: 1, entsz: 24},
		{name: 23, typ: 3, off: uint64(shstrtabOff), size: uint64(len(shstrtab))},
	}
	if needed != "" {
		sections = append(sections, section{name: 33, typ: 6, addr: uint64(dynamicOff), off: uint64(dynamicOff), size: uint64(len(dynamic)), link: 2, entsz: 16})
	}

	out := make([]byte, shoff+len(sections)*64)
	copy(out, "\x7fELF")
	out[4] = 2            // ELFCLASS64
	out[5] = 1            // little-endian
	out[6] = 1            // EV_CURRENT
	putU16(out, 16, 3)    // ET_DYN
	putU16(out, 18, 0x3e) // x86-64
	putU32(out, 20, 1)
	putU64(out, 40, uint64(shoff))
	putU16(out, 52, 64) // e_ehsize
	putU16(out, 58, 64) // e_shentsize
	putU16(out, 60, uint16(len(sections)))
	putU16(out, 62, 4) // e_shstrndx

	copy(out[dynstrOff:], dynstr)
	copy(out[dynsymOff:], dynsym)
	copy(out[dynamicOff:], dynamic)
	copy(out[shstrtabOff:], shstrtab)
	for i, s := range sections {
		p := shoff + i*64
		putU32(out, p, s.name)
		putU32(out, p+4, s.typ)
		putU64(out, p+16, s.addr)
		putU64(out, p+24, s.off)
		putU64(out, p+32, s.size)
		putU32(out, p+40, uint32(s.link))
		putU32(out, p+44, uint32(s.info))
		putU64(out, p+56, s.entsz)
	}
	return out, dataOff + 0x10
}

// buildTestMachO returns a little-endian thin Mach-O image with an
// LC_SYMTAB entry for _symbol, and the file offset of its storage. dylibs
// become LC_LOAD_DYLIB commands.
func buildTestMachO(bits int, symbol string, dylibs ...string) ([]byte, int64) {
	const vmaddr = 0x1000
	var cmds bytes.Buffer
	le := binary.LittleEndian

	hdrSize := 28
	if bits == 64 {
		hdrSize = 32
	}
	segSize := 56
	if bits == 64 {
		segSize = 72
	}
	var dylibCmds [][]byte
	for _, name := range dylibs {
		size := alignUp(24+len(name)+1, 8)
		cmd := make([]byte, size)
		putU32(cmd, 0, LC_LOAD_DYLIB)
		putU32(cmd, 4, uint32(size))
		putU32(cmd, 8, 24)
		copy(cmd[24:], name)
		dylibCmds = append(dylibCmds, cmd)
	}
	sizeofcmds := segSize + 24
	for _, cmd := range dylibCmds {
		sizeofcmds += len(cmd)
	}

	dataOff := alignUp(hdrSize+sizeofcmds, 16)
	symOff := dataOff + testPlaceholderSize
	nlistSize := 12
	if bits == 64 {
		nlistSize = 16
	}
	strOff := symOff + nlistSize
	strtab := []byte("\x00_" + symbol + "\x00")
	total := alignUp(strOff+len(strtab), 16)

	// Segment covering the whole file
	segCmd := uint32(LC_SEGMENT)
	if bits == 64 {
		segCmd = LC_SEGMENT_64
	}
	binary.Write(&cmds, le, segCmd)
	binary.Write(&cmds, le, uint32(segSize))
	cmds.Write(make([]byte, 16))
	if bits == 64 {
		binary.Write(&cmds, le, []uint64{vmaddr, uint64(total), 0, uint64(total)})
	} else {
		binary.Write(&cmds, le, []uint32{vmaddr, uint32(total), 0, uint32(total)})
	}
	cmds.Write(make([]byte, 16))

	binary.Write(&cmds, le, []uint32{LC_SYMTAB, 24, uint32(symOff), 1, uint32(strOff), uint32(len(strtab))})
	for _, cmd := range dylibCmds {
		cmds.Write(cmd)
	}

	out := make([]byte, total)
	if bits == 64 {
		putU32(out, 0, MH_MAGIC_64)
		putU32(out, 4, CPU_TYPE_X86_64)
	} else {
		putU32(out, 0, MH_MAGIC)
		putU32(out, 4, CPU_TYPE_X86)
	}
	putU32(out, 12, 2) // MH_EXECUTE
	putU32(out, 16, uint32(2+len(dylibCmds)))
	putU32(out, 20, uint32(sizeofcmds))
	copy(out[hdrSize:], cmds.Bytes())

	putU32(out, symOff, 1)
	out[symOff+4] = 0x0f // N_SECT | N_EXT
	out[symOff+5] = 1
	if bits == 64 {
		putU64(out, symOff+8, uint64(vmaddr+dataOff))
	} else {
		putU32(out, symOff+8, uint32(vmaddr+dataOff))
	}
	copy(out[strOff:], strtab)
	return out, int64(dataOff)
}

// buildTestFat joins thin images into a universal binary with 4096-byte
// aligned slices. It returns the slice offsets.
func buildTestFat(slices ...[]byte) ([]byte, []int64) {
	return buildTestFatHeader(false, slices...)
}

// buildTestFat64 is buildTestFat with fat_arch_64 records
func buildTestFat64(slices ...[]byte) ([]byte, []int64) {
	return buildTestFatHeader(true, slices...)
}

func buildTestFatHeader(wide bool, slices ...[]byte) ([]byte, []int64) {
	magic, recSize := uint32(FAT_MAGIC), 20
	if wide {
		magic, recSize = FAT_MAGIC64, 32
	}
	hdr := make([]byte, 8+recSize*len(slices))
	binary.BigEndian.PutUint32(hdr, magic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(slices)))

	out := hdr
	var offsets []int64
	for i, s := range slices {
		off := alignUp(len(out), 4096)
		out = append(out, make([]byte, off-len(out))...)
		out = append(out, s...)
		offsets = append(offsets, int64(off))

		cputype := uint32(CPU_TYPE_X86)
		if binary.LittleEndian.Uint32(s) == MH_MAGIC_64 {
			cputype = CPU_TYPE_X86_64
		}
		p := 8 + recSize*i
		binary.BigEndian.PutUint32(out[p:], cputype)
		if wide {
			binary.BigEndian.PutUint64(out[p+8:], uint64(off))
			binary.BigEndian.PutUint64(out[p+16:], uint64(len(s)))
			binary.BigEndian.PutUint32(out[p+24:], 12)
		} else {
			binary.BigEndian.PutUint32(out[p+8:], uint32(off))
			binary.BigEndian.PutUint32(out[p+12:], uint32(len(s)))
			binary.BigEndian.PutUint32(out[p+16:], 12)
		}
	}
	return out, offsets
}

// buildTestPE returns a PE32 or PE32+ image exporting symbol, and the file
// offset of its storage. imports become import descriptors.
func buildTestPE(bits int, symbol string, imports ...string) ([]byte, int64) {
	const (
		peOff   = 0x40
		rawOff  = 0x200
		rva     = 0x1000
		rawSize = 0x200
	)
	optSize := 96
	magic := uint16(peMagic32)
	machine := uint16(0x14c)
	if bits == 64 {
		optSize = 112
		magic = peMagic64
		machine = 0x8664
	}
	optSize += 16 * 8
	optOff := peOff + 4 + 20
	sectOff := optOff + optSize

	out := make([]byte, rawOff+rawSize)
	copy(out, "MZ")
	putU32(out, 0x3c, peOff)
	copy(out[peOff:], "PE\x00\x00")
	putU16(out, peOff+4, machine)
	putU16(out, peOff+6, 1)
	putU16(out, peOff+20, uint16(optSize))

	putU16(out, optOff, magic)
	dirOff := optOff + optSize - 16*8
	putU32(out, dirOff-4, 16) // NumberOfRvaAndSizes
	putU32(out, dirOff, rva)  // export directory
	putU32(out, dirOff+4, 40)

	copy(out[sectOff:], ".rdata")
	putU32(out, sectOff+8, rawSize)
	putU32(out, sectOff+12, rva)
	putU32(out, sectOff+16, rawSize)
	putU32(out, sectOff+20, rawOff)

	sect := out[rawOff:]
	putU32(sect, 0x14, 1)        // NumberOfFunctions
	putU32(sect, 0x18, 1)        // NumberOfNames
	putU32(sect, 0x1c, rva+0x40) // AddressOfFunctions
	putU32(sect, 0x20, rva+0x44) // AddressOfNames
	putU32(sect, 0x24, rva+0x48) // AddressOfNameOrdinals
	putU32(sect, 0x40, rva+0x100)
	putU32(sect, 0x44, rva+0x50)
	copy(sect[0x50:], symbol)

	if len(imports) > 0 {
		putU32(out, dirOff+8, rva+0x60)
		putU32(out, dirOff+12, uint32(20*(len(imports)+1)))
		nameOff := 0xc0
		for i, name := range imports {
			d := 0x60 + 20*i
			putU32(sect, d, rva+0xb0)
			putU32(sect, d+12, uint32(rva+nameOff))
			putU32(sect, d+16, rva+0xb0)
			copy(sect[nameOff:], name)
			nameOff += len(name) + 1
		}
	}
	return out, rawOff + 0x100
}
