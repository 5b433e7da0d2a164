// Completion: 100% - PE/PE32+ export and import tables
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PEFile is a parsed view of a Windows PE/DLL image held in memory
type PEFile struct {
	data     []byte
	dosHdr   DOSHeader
	peOffset uint32
	coffHdr  COFFHeader
	magic    uint16
	dataDirs []DataDirectory
	sections []SectionHeader
	exports  *ExportDirectory
}

// DOSHeader represents the DOS header at the beginning of a PE file
type DOSHeader struct {
	Magic    uint16 // "MZ"
	PEOffset uint32 // Offset to PE header
}

// COFFHeader represents the COFF file header
type COFFHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

const (
	peMagic32 = 0x010B
	peMagic64 = 0x020B

	dirExport = 0
	dirImport = 1
)

// optionalHeader32 is the PE32 optional header up to the data directories
type optionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
}

// optionalHeader64 is the PE32+ optional header up to the data directories
type optionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
}

// DataDirectory represents a data directory entry
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// SectionHeader represents a PE section header
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// exportDirectoryTable is the fixed 40-byte export directory
type exportDirectoryTable struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ExportDirectory represents the export directory table
type ExportDirectory struct {
	exportDirectoryTable
	Functions []ExportedFunction
}

// ExportedFunction represents an exported symbol
type ExportedFunction struct {
	Name string
	RVA  uint32
}

// importDescriptor is one IMAGE_IMPORT_DESCRIPTOR
type importDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// ParsePE parses the headers and section table of an in-memory PE image
func ParsePE(data []byte) (*PEFile, error) {
	pe := &PEFile{data: data}
	if err := pe.readDOSHeader(); err != nil {
		return nil, err
	}
	if err := pe.readPEHeaders(); err != nil {
		return nil, err
	}
	if err := pe.readSections(); err != nil {
		return nil, err
	}
	return pe, nil
}

// reader returns a reader positioned at off, or nil if off is out of range
func (pe *PEFile) reader(off int64) *bytes.Reader {
	if off < 0 || off > int64(len(pe.data)) {
		return nil
	}
	r := bytes.NewReader(pe.data)
	r.Seek(off, 0)
	return r
}

func (pe *PEFile) readDOSHeader() error {
	if len(pe.data) < 0x40 {
		return fmt.Errorf("file too small for DOS header: %d bytes", len(pe.data))
	}
	pe.dosHdr.Magic = binary.LittleEndian.Uint16(pe.data)
	if pe.dosHdr.Magic != 0x5A4D { // "MZ"
		return fmt.Errorf("invalid DOS magic: 0x%04x (expected 0x5A4D)", pe.dosHdr.Magic)
	}
	pe.dosHdr.PEOffset = binary.LittleEndian.Uint32(pe.data[0x3C:])
	pe.peOffset = pe.dosHdr.PEOffset
	return nil
}

// readPEHeaders reads the PE signature, COFF header, and optional header
func (pe *PEFile) readPEHeaders() error {
	r := pe.reader(int64(pe.peOffset))
	if r == nil {
		return fmt.Errorf("PE header offset 0x%x out of range", pe.peOffset)
	}

	var peSig uint32
	if err := binary.Read(r, binary.LittleEndian, &peSig); err != nil {
		return fmt.Errorf("failed to read PE signature: %v", err)
	}
	if peSig != 0x00004550 { // "PE\0\0"
		return fmt.Errorf("invalid PE signature: 0x%08x", peSig)
	}

	if err := binary.Read(r, binary.LittleEndian, &pe.coffHdr); err != nil {
		return fmt.Errorf("failed to read COFF header: %v", err)
	}
	if pe.coffHdr.SizeOfOptionalHeader == 0 {
		return fmt.Errorf("no optional header")
	}

	var numDirs uint32
	optOff := pe.optionalHeaderOffset()
	if optOff+2 > int64(len(pe.data)) {
		return fmt.Errorf("failed to read optional header magic: truncated file")
	}
	magic := binary.LittleEndian.Uint16(pe.data[optOff:])
	switch magic {
	case peMagic64:
		var hdr optionalHeader64
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return fmt.Errorf("failed to read optional header: %v", err)
		}
		numDirs = hdr.NumberOfRvaAndSizes
	case peMagic32:
		var hdr optionalHeader32
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return fmt.Errorf("failed to read optional header: %v", err)
		}
		numDirs = hdr.NumberOfRvaAndSizes
	default:
		return fmt.Errorf("unknown optional header magic: 0x%04x", magic)
	}
	pe.magic = magic

	if numDirs > 16 {
		numDirs = 16
	}
	pe.dataDirs = make([]DataDirectory, numDirs)
	if err := binary.Read(r, binary.LittleEndian, pe.dataDirs); err != nil {
		return fmt.Errorf("failed to read data directories: %v", err)
	}
	return nil
}

func (pe *PEFile) optionalHeaderOffset() int64 {
	return int64(pe.peOffset) + 4 + int64(binary.Size(pe.coffHdr))
}

// readSections reads the section headers
func (pe *PEFile) readSections() error {
	if pe.coffHdr.NumberOfSections == 0 {
		return fmt.Errorf("no sections found")
	}
	// Section headers immediately follow the optional header
	r := pe.reader(pe.optionalHeaderOffset() + int64(pe.coffHdr.SizeOfOptionalHeader))
	if r == nil {
		return fmt.Errorf("section table out of range")
	}

	pe.sections = make([]SectionHeader, pe.coffHdr.NumberOfSections)
	for i := range pe.sections {
		if err := binary.Read(r, binary.LittleEndian, &pe.sections[i]); err != nil {
			return fmt.Errorf("failed to read section %d: %v", i, err)
		}
	}
	return nil
}

// Bitness returns 32 for PE32 and 64 for PE32+
func (pe *PEFile) Bitness() int {
	if pe.magic == peMagic64 {
		return 64
	}
	return 32
}

func (pe *PEFile) dataDirectory(index int) DataDirectory {
	if index < len(pe.dataDirs) {
		return pe.dataDirs[index]
	}
	return DataDirectory{}
}

// GetExports parses and returns the export directory
func (pe *PEFile) GetExports() (*ExportDirectory, error) {
	if pe.exports != nil {
		return pe.exports, nil
	}

	exportDir := pe.dataDirectory(dirExport)
	if exportDir.VirtualAddress == 0 {
		return nil, fmt.Errorf("no export directory")
	}

	r := pe.readerAtRVA(exportDir.VirtualAddress)
	if r == nil {
		return nil, fmt.Errorf("export directory RVA 0x%x not found in any section", exportDir.VirtualAddress)
	}

	var expDir ExportDirectory
	if err := binary.Read(r, binary.LittleEndian, &expDir.exportDirectoryTable); err != nil {
		return nil, fmt.Errorf("failed to read export directory: %v", err)
	}
	if expDir.NumberOfNames == 0 || expDir.AddressOfNames == 0 || expDir.AddressOfNameOrdinals == 0 {
		pe.exports = &expDir
		return &expDir, nil
	}
	if expDir.NumberOfFunctions > 0x10000 || expDir.NumberOfNames > 0x10000 {
		return nil, fmt.Errorf("implausible export counts: %d functions, %d names", expDir.NumberOfFunctions, expDir.NumberOfNames)
	}

	funcAddrs := make([]uint32, expDir.NumberOfFunctions)
	if err := pe.readArrayAtRVA(expDir.AddressOfFunctions, funcAddrs); err != nil {
		return nil, fmt.Errorf("failed to read function addresses: %v", err)
	}
	nameRVAs := make([]uint32, expDir.NumberOfNames)
	if err := pe.readArrayAtRVA(expDir.AddressOfNames, nameRVAs); err != nil {
		return nil, fmt.Errorf("failed to read name RVAs: %v", err)
	}
	nameOrdinals := make([]uint16, expDir.NumberOfNames)
	if err := pe.readArrayAtRVA(expDir.AddressOfNameOrdinals, nameOrdinals); err != nil {
		return nil, fmt.Errorf("failed to read name ordinals: %v", err)
	}

	expDir.Functions = make([]ExportedFunction, 0, expDir.NumberOfNames)
	for i, nameRVA := range nameRVAs {
		if nameRVA == 0 {
			continue
		}
		name, ok := pe.stringAtRVA(nameRVA)
		if !ok {
			verbosef("Warning: failed to read export name %d", i)
			continue
		}

		ordinal := nameOrdinals[i]
		if uint32(ordinal) >= expDir.NumberOfFunctions {
			verbosef("Warning: invalid ordinal %d for export %s", ordinal, name)
			continue
		}

		expDir.Functions = append(expDir.Functions, ExportedFunction{
			Name: name,
			RVA:  funcAddrs[ordinal],
		})
	}

	pe.exports = &expDir
	return &expDir, nil
}

// ExportAddress returns the RVA of a named export
func (pe *PEFile) ExportAddress(name string) (uint32, bool) {
	exports, err := pe.GetExports()
	if err != nil {
		return 0, false
	}
	for _, fn := range exports.Functions {
		if fn.Name == name {
			return fn.RVA, true
		}
	}
	return 0, false
}

// ImportedLibraries returns the DLL names from the import directory, in order
func (pe *PEFile) ImportedLibraries() ([]string, error) {
	importDir := pe.dataDirectory(dirImport)
	if importDir.VirtualAddress == 0 {
		return nil, nil
	}

	r := pe.readerAtRVA(importDir.VirtualAddress)
	if r == nil {
		return nil, fmt.Errorf("import directory RVA 0x%x not found in any section", importDir.VirtualAddress)
	}

	var libs []string
	for {
		var desc importDescriptor
		if err := binary.Read(r, binary.LittleEndian, &desc); err != nil {
			return libs, fmt.Errorf("truncated import directory: %v", err)
		}
		if desc.Name == 0 || (desc.OriginalFirstThunk == 0 && desc.FirstThunk == 0) {
			break
		}
		name, ok := pe.stringAtRVA(desc.Name)
		if !ok {
			return libs, fmt.Errorf("import name RVA 0x%x out of range", desc.Name)
		}
		libs = append(libs, name)
	}
	return libs, nil
}

func (pe *PEFile) readArrayAtRVA(rva uint32, out any) error {
	r := pe.readerAtRVA(rva)
	if r == nil {
		return fmt.Errorf("RVA 0x%x not found in any section", rva)
	}
	return binary.Read(r, binary.LittleEndian, out)
}

func (pe *PEFile) readerAtRVA(rva uint32) *bytes.Reader {
	off, ok := pe.RVAToOffset(rva)
	if !ok {
		return nil
	}
	return pe.reader(off)
}

// stringAtRVA reads a NUL-terminated string at the given RVA
func (pe *PEFile) stringAtRVA(rva uint32) (string, bool) {
	off, ok := pe.RVAToOffset(rva)
	if !ok || off >= int64(len(pe.data)) {
		return "", false
	}
	end := bytes.IndexByte(pe.data[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(pe.data[off : off+int64(end)]), true
}

// rvaToSection finds the section whose file-backed range contains the RVA
func (pe *PEFile) rvaToSection(rva uint32) *SectionHeader {
	for i := range pe.sections {
		section := &pe.sections[i]
		if rva >= section.VirtualAddress && rva < section.VirtualAddress+section.SizeOfRawData {
			return section
		}
	}
	return nil
}

// RVAToOffset converts an RVA to a file offset
func (pe *PEFile) RVAToOffset(rva uint32) (int64, bool) {
	section := pe.rvaToSection(rva)
	if section == nil {
		return 0, false
	}
	return int64(rva-section.VirtualAddress) + int64(section.PointerToRawData), true
}

// findSymbolPE locates a named export as a file offset
func findSymbolPE(data []byte, name string) []SymbolLocation {
	pe, err := ParsePE(data)
	if err != nil {
		verbosef("PE parse failed: %v", err)
		return nil
	}
	rva, ok := pe.ExportAddress(name)
	if !ok {
		return nil
	}
	off, ok := pe.RVAToOffset(rva)
	if !ok {
		return nil
	}
	return []SymbolLocation{{Offset: off, Limit: int64(len(data)), Bitness: pe.Bitness()}}
}
