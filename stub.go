// Completion: 100% - Stub patching and runtime output
package main

import (
	"encoding/binary"
	"os"
)

// StubOptions controls how a blob is attached to a stub
type StubOptions struct {
	Windows   bool // align the blob to 32 bytes instead of a page
	LogAppend bool
	Fields    map[string]string
}

// BlobAlign returns the alignment of the blob within the output file. The
// runtime maps the blob directly on Unix-like systems.
func (o StubOptions) BlobAlign() int {
	if o.Windows {
		return 32
	}
	return 4096
}

// AssembleRuntime pads the stub, lays out the blob, writes one header per
// bitness into the stub's blobinfo placeholder and returns the stub followed
// by the blob. If no placeholder is found the blob offset is appended as an
// 8-byte trailer for old stubs.
func AssembleRuntime(stub []byte, modules []BlobModule, opts StubOptions) ([]byte, *Blob, error) {
	bitnesses := Bitnesses(stub)
	if len(bitnesses) == 0 {
		return nil, nil, StubStructureError("", "stub is not a recognized executable format")
	}

	blob := BuildBlob(modules, opts.Fields, bitnesses)

	blobOffset := alignUp(len(stub), opts.BlobAlign())
	out := make([]byte, blobOffset, blobOffset+blob.Size+8)
	copy(out, stub)

	appendOffset := false
	for _, bitness := range blob.Bitnesses {
		header := blob.Header(bitness, uint64(blobOffset), opts.LogAppend)
		replaced, err := ReplaceSymbol(out, blobinfoSymbol, header, bitness)
		if err != nil {
			return nil, nil, err
		}
		if !replaced {
			appendOffset = true
		}
	}

	out = append(out, blob.Data...)
	if appendOffset {
		warnf("Could not find blob header. Is deploy-stub outdated?")
		out = binary.LittleEndian.AppendUint64(out, uint64(blobOffset))
	}
	return out, blob, nil
}

// writeExecutable writes data to path and marks it executable
func writeExecutable(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return IOError("write runtime", path, err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return IOError("chmod runtime", path, err)
	}
	return nil
}
