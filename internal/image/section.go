// Package image implements the typed section-accessor layer over a
// module image's opaque bytes (spec.md §6). Parsing/producing the image
// (the assembler, the binary writer) is explicitly out of scope; this
// package only reads an already-produced byte slice into the typed
// views C5/C6 need.
package image

import (
	"encoding/binary"
	"fmt"

	"github.com/xiaoxuan-lang/corevm/api"
)

// SectionID identifies a module section, per spec.md §6.
type SectionID byte

const (
	SectionType SectionID = iota
	SectionLocalVariable
	SectionFunction
	SectionCommonProperty

	SectionDataReadOnly
	SectionDataReadWrite
	SectionDataUninit

	SectionExport
	SectionName
	SectionDataIndex
	SectionFunctionIndex
	SectionUnifiedExternalLibrary
	SectionUnifiedExternalFunction
	SectionUnifiedExternalType
	SectionEntryPoint
	SectionProperty
	SectionStartFunctionList
	SectionExitFunctionList
)

// CommonProperty is a single packed record, memcopy-compatible with the
// in-memory layout it models (spec.md §6).
type CommonProperty struct {
	ImportDataCount     uint32
	ImportFunctionCount uint32
}

// Type is a function type: ordered params, ordered results.
type Type struct {
	Params  []api.DataType
	Results []api.DataType
}

// LocalVariableEntry describes one local's placement, per spec.md §3.
type LocalVariableEntry struct {
	OffsetInSlotArea int
	LengthInBytes    int
	DataType         api.DataType
}

// VariableList is a function's complete locals layout.
type VariableList struct {
	ListOffset                    int
	ListLength                    int
	LocalVariablesLengthInBytes   int
	Entries                       []LocalVariableEntry
}

// Function locates one function's bytecode and declares its type/locals
// indices, per spec.md §3.
type Function struct {
	TypeIndex       int
	LocalListIndex  int
	CodeOffset      int
	CodeLength      int
}

// DataItem is a single (data_offset, data_length[, align]) entry within
// a data section, per spec.md §3.
type DataItem struct {
	Offset int
	Length int
	Align  int
}

// ExportEntry names a function or data item visible across module
// boundaries.
type ExportEntry struct {
	Name            string
	ExternalKind    byte // 0 = function, 1 = data
	InternalIndex   int
}

// IndexEntry resolves a caller-local public index to a target module and
// internal index, per spec.md §3 "Public vs internal indices".
type IndexEntry struct {
	TargetModuleIndex   int
	TargetInternalIndex int
	// Region is only meaningful for data-index entries: 0=read-only,
	// 1=read-write, 2=uninit.
	Region int
}

// UnifiedExternalLibrary names a native library to resolve via the
// loader abstraction (internal/vmcontext's Loader), by path-or-name per spec.md §4.10.
type UnifiedExternalLibrary struct {
	NameOrPath string
}

// UnifiedExternalFunction binds a symbol name within a unified library to
// a C function type index.
type UnifiedExternalFunction struct {
	LibraryIndex int
	Symbol       string
	TypeIndex    int
}

// EntryPointEntry maps a user-facing entry name (spec.md §4.4's naming
// table) to a public function index.
type EntryPointEntry struct {
	Name               string
	PublicFunctionIndex int
}

// readTableHeader reads the header of the generic "table-with-data-area"
// layout described in spec.md §6: item_count:u32, pad:u32,
// items[item_count], data[...]. It returns the item count and the offset
// (8) where the items begin; the items and the data area are decoded by
// the caller, per-section.
func readTableHeader(b []byte) (itemCount int, dataStart int, err error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("image: section too short for table header: %d bytes", len(b))
	}
	itemCount = int(binary.LittleEndian.Uint32(b[0:4]))
	// bytes [4:8] are the pad.
	return itemCount, 8, nil
}

func readItemOffsetLength(b []byte, itemOffset int) (offset, length int) {
	offset = int(binary.LittleEndian.Uint32(b[itemOffset : itemOffset+4]))
	length = int(binary.LittleEndian.Uint32(b[itemOffset+4 : itemOffset+8]))
	return
}
